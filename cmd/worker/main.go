// Package main はジョブワーカーのエントリーポイントです。
// APIサーバーとは別プロセスでAI処理ジョブとメンテナンスタスクを実行します。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/jobs"
	"github.com/yourusername/tax-forge/internal/processing"
	"github.com/yourusername/tax-forge/internal/tax"
	"github.com/yourusername/tax-forge/internal/valkey"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	coord, err := valkey.New(cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to coordination store: %v", err)
	}
	defer coord.Close()

	jobStore := jobs.NewStore(coord, cfg.JobRetention())

	adapter, err := processing.NewAdapter(tax.NewService(), cfg.MaxPayloadBytes)
	if err != nil {
		log.Fatalf("Failed to set up processing adapter: %v", err)
	}

	manager, err := jobs.NewManager(cfg, adapter, jobStore, coord, logger)
	if err != nil {
		log.Fatalf("Failed to set up job manager: %v", err)
	}

	manager.StartWorkers()
	if err := manager.StartScheduler(); err != nil {
		log.Fatalf("Failed to start maintenance scheduler: %v", err)
	}
	logger.Printf("Worker started (concurrency: %d)", cfg.WorkerConcurrency)

	// SIGINT/SIGTERM で実行中のジョブを待ってから終了する
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Printf("Worker shutdown error: %v", err)
	}
}
