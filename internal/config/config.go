// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード

	// サーバー設定
	Port       string // APIサーバーのポート番号
	GinMode    string // Ginの実行モード (debug, release, test)
	RunWorkers bool   // APIプロセス内でワーカーを起動するか（開発用）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 調整ストア設定
	RedisURL            string        // Valkey/Redis接続URL（キャッシュ・セッション・レート制限用）
	QueueRedisURL       string        // Asynq用Redis接続URL
	StoreTimeoutSeconds int           // ストア1操作あたりのタイムアウト（秒）
	StoreTimeout        time.Duration // StoreTimeoutSeconds を Duration に変換した値

	// ジョブ設定
	WorkerConcurrency    int   // ワーカープールの同時実行数
	MaxPayloadBytes      int64 // ジョブペイロードの最大サイズ（バイト）
	JobRetentionMinutes  int   // ジョブレコードの保持期間（分）
	JobMaxAttempts       int   // ジョブの最大試行回数（初回実行を含む）
	JobRetryDelaySeconds int   // リトライまでの固定待機秒数
	JobSoftLimitMinutes  int   // ソフト実行時間制限（分）
	JobHardLimitMinutes  int   // ハード実行時間制限（分）

	// セッション設定
	SessionTTLSeconds int // セッションの有効期間（秒）

	// レート制限設定
	RateLimit         int // ウィンドウあたりの許可リクエスト数
	RateWindowSeconds int // 固定ウィンドウの長さ（秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),

		// サーバー設定
		Port:       getEnv("PORT", "8080"),
		GinMode:    getEnv("GIN_MODE", "debug"),
		RunWorkers: getEnvAsBool("RUN_WORKERS", false),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 調整ストア設定
		RedisURL:            getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		StoreTimeoutSeconds: getEnvAsInt("STORE_TIMEOUT_SECONDS", 5),

		// ジョブ設定
		WorkerConcurrency:    getEnvAsInt("WORKER_CONCURRENCY", 2),
		MaxPayloadBytes:      getEnvAsInt64("MAX_PAYLOAD_BYTES", 10*1024*1024), // 10MB
		JobRetentionMinutes:  getEnvAsInt("JOB_RETENTION_MINUTES", 60),
		JobMaxAttempts:       getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		JobRetryDelaySeconds: getEnvAsInt("JOB_RETRY_DELAY_SECONDS", 60),
		JobSoftLimitMinutes:  getEnvAsInt("JOB_SOFT_LIMIT_MINUTES", 25),
		JobHardLimitMinutes:  getEnvAsInt("JOB_HARD_LIMIT_MINUTES", 30),

		// セッション設定
		SessionTTLSeconds: getEnvAsInt("SESSION_TTL_SECONDS", 86400),

		// レート制限設定
		RateLimit:         getEnvAsInt("RATE_LIMIT", 10),
		RateWindowSeconds: getEnvAsInt("RATE_WINDOW_SECONDS", 60),
	}

	config.StoreTimeout = time.Duration(config.StoreTimeoutSeconds) * time.Second

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.JobSoftLimitMinutes > c.JobHardLimitMinutes {
		return fmt.Errorf("JOB_SOFT_LIMIT_MINUTES must not exceed JOB_HARD_LIMIT_MINUTES")
	}

	return nil
}

// JobRetention はジョブレコードの保持期間を返します。
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

// JobRetryDelay はリトライまでの待機時間を返します。
func (c *Config) JobRetryDelay() time.Duration {
	return time.Duration(c.JobRetryDelaySeconds) * time.Second
}

// JobSoftLimit はソフト実行時間制限を返します。
func (c *Config) JobSoftLimit() time.Duration {
	return time.Duration(c.JobSoftLimitMinutes) * time.Minute
}

// JobHardLimit はハード実行時間制限を返します。
func (c *Config) JobHardLimit() time.Duration {
	return time.Duration(c.JobHardLimitMinutes) * time.Minute
}

// SessionTTL はセッションの有効期間を返します。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// RateWindow はレート制限ウィンドウの長さを返します。
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
