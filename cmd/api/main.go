// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/tax-forge/internal/auth"
	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/jobs"
	"github.com/yourusername/tax-forge/internal/processing"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// 依存の組み立て（調整ストア・セッション・レート制限・ジョブ管理）
	deps, err := setupDependencies(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up dependencies: %v", err)
	}
	defer deps.coord.Close()

	// ルーティングの設定
	setupRoutes(router, cfg, deps)

	// 開発用: 同一プロセスでワーカーも起動する
	if cfg.RunWorkers {
		deps.manager.StartWorkers()
		if err := deps.manager.StartScheduler(); err != nil {
			log.Fatalf("Failed to start maintenance scheduler: %v", err)
		}
		logger.Printf("Embedded workers started (concurrency: %d)", cfg.WorkerConcurrency)
	}

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// SIGINT/SIGTERM で実行中のリクエストとワーカーを待ってから終了する
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cfg.RunWorkers {
		if err := deps.manager.Shutdown(ctx); err != nil {
			logger.Printf("Worker shutdown error: %v", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("Server shutdown error: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps *appDeps) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(deps))

	authManager := auth.NewManager(cfg, deps.sessions, deps.limiter, deps.logger)
	handlerOpts := jobs.HandlerOptions{MaxPayloadBytes: cfg.MaxPayloadBytes}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(
			authManager.RequireLogin(),
			authManager.VerifyCSRF(),
			auth.RateLimit(deps.limiter, cfg.RateLimit, cfg.RateWindow()),
		)
		{
			ai := protected.Group("/ai")
			{
				ai.POST("/voice", jobs.SubmitHandler(deps.manager, processing.OperationVoice, handlerOpts))
				ai.POST("/document", jobs.SubmitHandler(deps.manager, processing.OperationDocument, handlerOpts))
				ai.POST("/validate", jobs.SubmitHandler(deps.manager, processing.OperationValidate, handlerOpts))
				ai.POST("/calculate", jobs.SubmitHandler(deps.manager, processing.OperationCalculate, handlerOpts))
				ai.GET("/jobs/:id", jobs.StatusHandler(deps.manager))
				ai.POST("/jobs/:id/cancel", jobs.CancelHandler(deps.manager))
			}
		}
	}
}
