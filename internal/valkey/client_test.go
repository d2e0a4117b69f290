package valkey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, time.Second), mr
}

func TestGetMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	value, ok, err := client.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key, got value=%q", value)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "greeting", "xin chào", 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, ok, err := client.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !ok || value != "xin chào" {
		t.Fatalf("unexpected value: ok=%v value=%q", ok, value)
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "temp", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, ok, err := client.Get(ctx, "temp")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok {
		t.Fatal("expected key to be expired")
	}
}

func TestIncrement(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := client.Increment(ctx, "counter", 1)
		if err != nil {
			t.Fatalf("Increment returned error: %v", err)
		}
		if got != want {
			t.Fatalf("Increment = %d, want %d", got, want)
		}
	}
}

func TestExistsAndDelete(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "key", "v", 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	exists, err := client.Exists(ctx, "key")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected key to exist")
	}

	if err := client.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	exists, err = client.Exists(ctx, "key")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if exists {
		t.Fatal("expected key to be deleted")
	}

	// 存在しないキーの削除はエラーにならない
	if err := client.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

func TestExpireIfNotSet(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set("counter", "1")

	set, err := client.ExpireIfNotSet(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("ExpireIfNotSet returned error: %v", err)
	}
	if !set {
		t.Fatal("expected expiry to be set on key without TTL")
	}

	// 既にTTLがあるキーでは上書きしない
	set, err = client.ExpireIfNotSet(ctx, "counter", time.Hour)
	if err != nil {
		t.Fatalf("ExpireIfNotSet returned error: %v", err)
	}
	if set {
		t.Fatal("expected existing expiry to be left untouched")
	}
	if ttl := mr.TTL("counter"); ttl > time.Minute {
		t.Fatalf("TTL = %v, want at most 1m", ttl)
	}
}

func TestHashRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	fields := map[string]string{"user_id": "admin", "csrf_token": "abc"}
	if err := client.SetHash(ctx, "session:1", fields, time.Minute); err != nil {
		t.Fatalf("SetHash returned error: %v", err)
	}

	got, ok, err := client.GetHash(ctx, "session:1")
	if err != nil {
		t.Fatalf("GetHash returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected hash to exist")
	}
	if got["user_id"] != "admin" || got["csrf_token"] != "abc" {
		t.Fatalf("unexpected hash fields: %#v", got)
	}
}

func TestGetHashMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	_, ok, err := client.GetHash(context.Background(), "session:none")
	if err != nil {
		t.Fatalf("GetHash returned error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing hash")
	}
}

func TestErrorsWrapUnavailable(t *testing.T) {
	client, mr := newTestClient(t)
	mr.Close()

	_, _, err := client.Get(context.Background(), "key")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := client.Set(context.Background(), "key", "v", 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := client.Increment(context.Background(), "key", 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
