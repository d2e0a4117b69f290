package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/tax-forge/internal/ratelimit"
)

// RateLimit はAPI呼び出し回数を制限するミドルウェアを返します。
// ログイン済みならユーザー単位、未ログインならIP単位で数えます。
// 調整ストアが落ちている間は制限せずに通します。
func RateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ContextUserKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		allowed, remaining := limiter.Allow(c.Request.Context(), "api:"+key, limit, window)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(window.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "Quá nhiều yêu cầu, vui lòng thử lại sau",
			})
			return
		}
		c.Next()
	}
}
