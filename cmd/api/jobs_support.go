package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/jobs"
	"github.com/yourusername/tax-forge/internal/processing"
	"github.com/yourusername/tax-forge/internal/ratelimit"
	"github.com/yourusername/tax-forge/internal/session"
	"github.com/yourusername/tax-forge/internal/tax"
	"github.com/yourusername/tax-forge/internal/valkey"
)

// appDeps はAPIサーバーが使う依存一式です。
type appDeps struct {
	coord    *valkey.Client
	sessions *session.Store
	limiter  *ratelimit.Limiter
	manager  *jobs.Manager
	logger   *log.Logger
}

// setupDependencies は調整ストアを起点に各コンポーネントを組み立てます。
func setupDependencies(cfg *config.Config, logger *log.Logger) (*appDeps, error) {
	coord, err := valkey.New(cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(coord, cfg.SessionTTL())
	limiter := ratelimit.NewLimiter(coord, logger)
	jobStore := jobs.NewStore(coord, cfg.JobRetention())

	adapter, err := processing.NewAdapter(tax.NewService(), cfg.MaxPayloadBytes)
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, adapter, jobStore, coord, logger)
	if err != nil {
		return nil, err
	}

	return &appDeps{
		coord:    coord,
		sessions: sessions,
		limiter:  limiter,
		manager:  manager,
		logger:   logger,
	}, nil
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
// 調整ストアに届かない場合も 200 のまま status だけ degraded にします。
func healthHandler(deps *appDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		store := "ok"
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := deps.coord.Ping(ctx); err != nil {
			status = "degraded"
			store = "unavailable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"store":   store,
			"service": "tax-forge-api",
			"version": "0.1.0",
		})
	}
}
