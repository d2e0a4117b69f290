// Package auth は認証・認可機能を提供します。
// セッションは調整ストア（Valkey）に保存され、複数プロセスで共有されます。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/ratelimit"
	"github.com/yourusername/tax-forge/internal/session"
)

const (
	SessionCookieName    = "tf_session"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	idleTimeout      = 30 * time.Minute
	loginWindow      = 15 * time.Minute
	maxLoginAttempts = 5
)

// ハンドラー間でログイン済みユーザー名等を共有するためのキー。
// ジョブAPIのハンドラーも同じキーを参照します。
const (
	ContextUserKey  = "authUserID"
	ContextAdminKey = "authIsAdmin"
	contextCSRFKey  = "authCSRFToken"
)

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	sessions *session.Store
	limiter  *ratelimit.Limiter
	logger   *log.Logger
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, sessions *session.Store, limiter *ratelimit.Limiter, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Vui lòng gửi username và password dạng JSON",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	// ログイン試行はIP単位で制限する。ストア障害時はフェイルオープン
	allowed, remaining := m.limiter.Allow(c.Request.Context(), "login:"+c.ClientIP(), maxLoginAttempts, loginWindow)
	if !allowed {
		c.Header("Retry-After", strconv.FormatInt(int64(loginWindow.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "Quá nhiều lần thử, vui lòng thử lại sau",
		})
		return
	}

	if req.Username != m.cfg.AppUsername || !m.verifyPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "Tên đăng nhập hoặc mật khẩu không đúng",
			"remainingAttempts": remaining,
		})
		return
	}

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "Không thể tạo mã CSRF",
		})
		return
	}

	sessionID, err := m.sessions.Create(c.Request.Context(), m.cfg.AppUsername, map[string]string{
		sessionKeyLastActive: strconv.FormatInt(time.Now().Unix(), 10),
		sessionKeyCSRF:       token,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "Không thể lưu phiên đăng nhập",
		})
		return
	}

	m.setSessionCookie(c, sessionID, int(m.cfg.SessionTTL().Seconds()))
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	if sessionID, err := c.Cookie(SessionCookieName); err == nil && sessionID != "" {
		if err := m.sessions.Delete(c.Request.Context(), sessionID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SESSION_SAVE_FAILED",
				"message": "Không thể xóa phiên đăng nhập",
			})
			return
		}
	}
	m.setSessionCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

// RequireLogin はセッションを検証するミドルウェアを返します。
// 無操作が続いたセッションは破棄します（絶対期限はストアのTTLが担います）。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(SessionCookieName)
		if err != nil || sessionID == "" {
			m.abortUnauthorized(c, "UNAUTHORIZED", "Yêu cầu đăng nhập")
			return
		}

		fields, err := m.sessions.Get(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				m.setSessionCookie(c, "", -1)
				m.abortUnauthorized(c, "SESSION_EXPIRED", "Phiên đăng nhập đã hết hạn")
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "STORE_UNAVAILABLE",
				"message": "Hệ thống tạm thời gián đoạn, vui lòng thử lại sau",
			})
			return
		}

		userID := fields[session.FieldUserID]
		if userID == "" {
			m.abortUnauthorized(c, "UNAUTHORIZED", "Yêu cầu đăng nhập")
			return
		}

		now := time.Now()
		lastActive := readUnix(fields[sessionKeyLastActive])
		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			if err := m.sessions.Delete(c.Request.Context(), sessionID); err != nil {
				m.logger.Printf("WARN failed to delete idle session: %v", err)
			}
			m.setSessionCookie(c, "", -1)
			m.abortUnauthorized(c, "SESSION_IDLE_TIMEOUT", "Phiên đăng nhập đã hết hạn do không hoạt động")
			return
		}

		update := map[string]string{
			sessionKeyLastActive: strconv.FormatInt(now.Unix(), 10),
		}
		if err := m.sessions.Update(c.Request.Context(), sessionID, update); err != nil && !errors.Is(err, session.ErrNotFound) {
			m.logger.Printf("WARN failed to refresh session activity: %v", err)
		}

		c.Set(ContextUserKey, userID)
		c.Set(contextCSRFKey, fields[sessionKeyCSRF])
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
// RequireLogin の後段に置く必要があります。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		expected := c.GetString(contextCSRFKey)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "Thiếu mã CSRF",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "Mã CSRF không hợp lệ",
			})
			return
		}

		c.Next()
	}
}

func (m *Manager) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	secure := m.cfg.GinMode == "release"
	c.SetCookie(SessionCookieName, value, maxAge, "/", "", secure, true)
}

func (m *Manager) abortUnauthorized(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    code,
		"message": message,
	})
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AppUsername == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.cfg.AppPasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
