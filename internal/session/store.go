// Package session は調整ストア上のセッションストアを提供します。
// セッションはハッシュとして保存され、ストア側のTTLで自動的に回収されます。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/tax-forge/internal/valkey"
)

const keyPrefix = "session:"

// 予約フィールド。作成時にストアが設定し、呼び出し側のフィールドでは上書きできません。
const (
	FieldUserID    = "user_id"
	FieldCreatedAt = "created_at"
)

// ErrNotFound は指定されたセッションが存在しないことを表します。
var ErrNotFound = errors.New("session not found")

// Store はセッションの作成・取得・更新・削除を提供します。
type Store struct {
	store *valkey.Client
	ttl   time.Duration
}

// NewStore は Store を作成します。ttl はセッションの有効期間です。
func NewStore(store *valkey.Client, ttl time.Duration) *Store {
	return &Store{
		store: store,
		ttl:   ttl,
	}
}

// Create は新しいセッションを作成し、セッションIDを返します。
// IDは暗号学的乱数256ビットの16進表現で、推測不可能であることを前提に
// ID以外の手段でセッションへ到達する経路は提供しません。
func (s *Store) Create(ctx context.Context, userID string, fields map[string]string) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	data := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		data[k] = v
	}
	data[FieldUserID] = userID
	data[FieldCreatedAt] = strconv.FormatInt(time.Now().Unix(), 10)

	if err := s.store.SetHash(ctx, sessionKey(sessionID), data, s.ttl); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Get はセッションの全フィールドを取得します。
// 存在しない（または期限切れの）セッションは ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, sessionID string) (map[string]string, error) {
	fields, ok, err := s.store.GetHash(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return fields, nil
}

// Update は既存セッションのフィールドを更新します。
// セッションが存在しない場合は作成せず ErrNotFound を返します。
// 既存のTTLは変更しません（有効期限は作成時に決まります）。
//
// 存在確認と書き込みは WATCH による比較交換で行います。確認と書き込みの
// 間にセッションが削除・期限切れになった場合は書き込まれず、期限も
// user_id も持たないキーが復活することはありません。
func (s *Store) Update(ctx context.Context, sessionID string, fields map[string]string) error {
	key := sessionKey(sessionID)
	if len(fields) == 0 {
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}

	rdb := s.store.Redis()
	for {
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			args := make(map[string]interface{}, len(fields))
			for k, v := range fields {
				args[k] = v
			}
			// TTLには触れないことで既存の有効期限を維持する
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, args)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("update session: %v: %w", err, valkey.ErrUnavailable)
		}
		return nil
	}
}

// Delete はセッションを削除します。存在しないセッションの削除はエラーになりません。
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionKey(sessionID))
}

func generateSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func sessionKey(id string) string {
	return keyPrefix + id
}
