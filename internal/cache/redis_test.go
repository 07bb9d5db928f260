package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb, err := Dial(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := NewRedis(rdb, "")
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

type route struct {
	A string `json:"a"`
	B string `json:"b"`
}

func TestSetGetDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, GameKey("m1"), route{A: "u1", B: "u2"}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("game:m1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	var got route
	if err := c.Get(ctx, GameKey("m1"), &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.A != "u1" || got.B != "u2" {
		t.Fatalf("unexpected value: %+v", got)
	}

	if err := c.Delete(ctx, GameKey("m1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Get(ctx, GameKey("m1"), &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, UserKey("u1"), map[string]string{"name": "alice"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	var got map[string]string
	if err := c.Get(ctx, UserKey("u1"), &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
