// Package valkey は Valkey/Redis 互換の調整ストアへの型付きクライアントを提供します。
// キャッシュ・セッション・レート制限・ジョブレコードはすべてこのクライアントを経由します。
package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable はストアへの接続・通信が失敗したことを表します。
// 呼び出し側は errors.Is でこれを判定し、フェイルオープン等の方針を適用します。
var ErrUnavailable = errors.New("coordination store unavailable")

const defaultTimeout = 5 * time.Second

// Client は調整ストアへの操作をまとめたクライアントです。
// すべての操作は timeout で制限され、通信エラーは ErrUnavailable にラップされます。
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// New は接続URLから Client を作成します。
func New(redisURL string, timeout time.Duration) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), timeout), nil
}

// NewWithClient は既存の redis.Client から Client を作成します。
func NewWithClient(rdb *redis.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		rdb:     rdb,
		timeout: timeout,
	}
}

// Ping はストアへの疎通を確認します。
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close は接続を閉じます。
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get はキーの値を取得します。キーが存在しない場合は ok=false を返します。
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	value, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, wrapErr("get", err)
	}
	return value, true, nil
}

// Set はキーに値を設定します。ttl が正の場合は有効期限を付与します。
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// Delete はキーを削除します。存在しないキーの削除はエラーになりません。
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return wrapErr("delete", err)
	}
	return nil
}

// Exists はキーが存在するかを返します。
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return n > 0, nil
}

// Increment はカウンターを amount 分だけ加算し、加算後の値を返します。
// キーが存在しない場合は 0 から開始されます（ストア側のアトミック操作）。
func (c *Client) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	value, err := c.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, wrapErr("increment", err)
	}
	return value, nil
}

// Expire はキーに有効期限を設定します。
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapErr("expire", err)
	}
	return nil
}

// ExpireIfNotSet はキーに有効期限が未設定の場合のみ ttl を設定します。
// 設定が行われたかどうかを返します（既にTTLがある場合やキーが存在しない場合は false）。
func (c *Client) ExpireIfNotSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	set, err := c.rdb.ExpireNX(ctx, key, ttl).Result()
	if err != nil {
		return false, wrapErr("expire nx", err)
	}
	return set, nil
}

// SetHash はハッシュのフィールド群を設定し、ttl が正の場合は有効期限を付与します。
func (c *Client) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := c.rdb.HSet(ctx, key, args).Err(); err != nil {
		return wrapErr("set hash", err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return wrapErr("set hash expire", err)
		}
	}
	return nil
}

// GetHash はハッシュの全フィールドを取得します。キーが存在しない場合は ok=false を返します。
func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, wrapErr("get hash", err)
	}
	// HGETALL は存在しないキーに対して空マップを返す
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// Redis は下位の redis.Client を返します。
// WATCH/MULTI を使うジョブストア等、生のクライアントが必要な箇所で使用します。
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Timeout は1操作あたりのタイムアウトを返します。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}
