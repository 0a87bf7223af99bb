package moderation

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/haven/support-chat/internal/logging"
)

// Flag reports whether moderation is currently enabled. Implementations are
// consulted on every message, so toggling takes effect immediately.
type Flag interface {
	Enabled(ctx context.Context) bool
}

// StaticFlag is a process-local switch.
type StaticFlag struct {
	on atomic.Bool
}

// NewStaticFlag returns a StaticFlag initialised to enabled.
func NewStaticFlag(enabled bool) *StaticFlag {
	f := &StaticFlag{}
	f.on.Store(enabled)
	return f
}

func (f *StaticFlag) Enabled(context.Context) bool { return f.on.Load() }

// Set changes the switch.
func (f *StaticFlag) Set(enabled bool) { f.on.Store(enabled) }

// RedisFlag reads the switch from a Redis key so every gateway instance sees
// the same value. A missing key or a Redis error yields the fallback.
type RedisFlag struct {
	rdb      *redis.Client
	key      string
	fallback bool
}

// NewRedisFlag creates a RedisFlag reading key.
func NewRedisFlag(rdb *redis.Client, key string, fallback bool) *RedisFlag {
	return &RedisFlag{rdb: rdb, key: key, fallback: fallback}
}

func (f *RedisFlag) Enabled(ctx context.Context) bool {
	val, err := f.rdb.Get(ctx, f.key).Result()
	if err == redis.Nil {
		return f.fallback
	}
	if err != nil {
		log := logging.Component("moderation")
		log.Warn().Err(err).Str("key", f.key).
			Msg("flag read failed, using fallback")
		return f.fallback
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "0", "false", "off", "no":
		return false
	case "1", "true", "on", "yes":
		return true
	}
	return f.fallback
}

// Set writes the switch for all instances.
func (f *RedisFlag) Set(ctx context.Context, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	return f.rdb.Set(ctx, f.key, val, 0).Err()
}

// Gate applies Classify when its Flag is on and approves everything otherwise.
type Gate struct {
	flag Flag
}

// NewGate creates a Gate. A nil flag means always enabled.
func NewGate(flag Flag) *Gate {
	return &Gate{flag: flag}
}

// Check classifies text, consulting the flag for this call only.
func (g *Gate) Check(ctx context.Context, text string) Verdict {
	if g.flag != nil && !g.flag.Enabled(ctx) {
		return Verdict{Status: StatusApproved}
	}
	return Classify(text)
}
