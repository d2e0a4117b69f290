// Package ratelimit は調整ストア上の固定ウィンドウカウンターによるレート制限を提供します。
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/yourusername/tax-forge/internal/valkey"
)

const keyPrefix = "rate_limit:"

// Limiter は固定ウィンドウ方式のレート制限器です。
//
// カウンターは INCR を先に実行してから上限と比較します。同時アクセス時は
// 競合した数だけカウンターが一時的に上限を超えることがありますが、
// 超過後のリクエストはウィンドウが切り替わるまで拒否されるため、
// ウィンドウ境界のバーストと合わせて許容する設計です。
type Limiter struct {
	store  *valkey.Client
	logger *log.Logger
}

// NewLimiter は Limiter を作成します。
func NewLimiter(store *valkey.Client, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Limiter{
		store:  store,
		logger: logger,
	}
}

// Allow はキーに対するリクエストを許可するか判定し、残り許可数を返します。
//
// ストア障害時はフェイルオープンで (true, limit) を返します。
// 無警告で閉じるとストア障害がサービス停止になり、無警告で開くと
// 悪用を見逃すため、必ず警告ログを残した上で許可します。
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int) {
	rateKey := keyPrefix + key

	count, err := l.store.Increment(ctx, rateKey, 1)
	if err != nil {
		l.logger.Printf("WARN rate limiter failing open key=%s: %v", key, err)
		return true, limit
	}

	// ウィンドウの期限は毎回 NX 付きで張り直す。新規カウンターに期限を
	// 付けるだけでなく、INCR と EXPIRE の間の障害で期限なしのまま残った
	// カウンターも次の呼び出しで回復させ、永久に拒否し続けないようにする。
	if _, err := l.store.ExpireIfNotSet(ctx, rateKey, window); err != nil {
		l.logger.Printf("WARN rate limiter failed to arm window expiry key=%s: %v", key, err)
	}

	if count > int64(limit) {
		return false, 0
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}
