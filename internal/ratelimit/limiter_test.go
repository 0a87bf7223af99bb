package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to a local Redis on DB 14 and flushes it. Tests using
// it are skipped when Redis is not running.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 14})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return client
}

func TestLimiter_Allow(t *testing.T) {
	l := NewLimiter(newTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "p1", rule)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if !ok {
			t.Fatalf("call %d: expected allowed", i)
		}
	}

	ok, _ := l.Allow(ctx, "p1", rule)
	if ok {
		t.Fatal("expected 4th call to be limited")
	}

	// Other identifiers have their own window.
	ok, _ = l.Allow(ctx, "p2", rule)
	if !ok {
		t.Fatal("expected p2 to be allowed")
	}
}

func TestLimiter_Remaining(t *testing.T) {
	l := NewLimiter(newTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}

	if n, _ := l.Remaining(ctx, "p1", rule); n != 2 {
		t.Fatalf("expected 2 remaining before use, got %d", n)
	}
	for i := 0; i < 3; i++ {
		l.Allow(ctx, "p1", rule)
	}
	if n, _ := l.Remaining(ctx, "p1", rule); n != 0 {
		t.Fatalf("expected 0 remaining, got %d", n)
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	l := NewLimiter(newTestRedis(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "p1", rule)
	if ok, _ := l.Allow(ctx, "p1", rule); ok {
		t.Fatal("expected second call to be limited")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "p1", rule); !ok {
		t.Fatal("expected call after window to be allowed")
	}
}

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryLimiter()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 10 * time.Second}

	tests := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{time.Second, true},
		{time.Second, false},
		{8 * time.Second, true}, // window reset at +10s
		{0, true},
		{0, false},
	}
	for i, tt := range tests {
		now = now.Add(tt.advance)
		got, err := m.Allow(ctx, "p1", rule)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got != tt.want {
			t.Errorf("step %d: expected %v, got %v", i, tt.want, got)
		}
	}
}
