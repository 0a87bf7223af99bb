// Package storage opens the backing stores selected by configuration: Redis
// for the participant directory and Postgres for sessions, messages and
// feedback, or in-process maps for both when the driver is "memory".
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/config"
	"github.com/haven/support-chat/internal/feedback"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/migrations"
	"github.com/haven/support-chat/internal/participant"
)

const connectTimeout = 5 * time.Second

// Stores bundles the opened backends. Redis and DB are nil with the memory
// driver.
type Stores struct {
	Redis     *redis.Client
	DB        *sql.DB
	Directory participant.Directory
	Sessions  chat.Store
	Feedback  feedback.Store
}

// Open connects to the configured backends and applies migrations when
// enabled.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	log := logging.Component("storage")

	if cfg.Storage.Driver == "memory" {
		log.Warn().Msg("using in-memory storage; state is lost on restart")
		return &Stores{
			Directory: participant.NewMemoryDirectory(),
			Sessions:  chat.NewMemoryStore(),
			Feedback:  feedback.NewMemoryStore(),
		}, nil
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("storage: connect redis %s: %w", cfg.Redis.Addr, err)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	if cfg.Storage.Migrate {
		if err := migrations.Up(db); err != nil {
			db.Close()
			rdb.Close()
			return nil, err
		}
		if v, dirty, err := migrations.Version(db); err == nil {
			log.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema migrated")
		}
	}

	return &Stores{
		Redis:     rdb,
		DB:        db,
		Directory: participant.NewRedisDirectory(rdb),
		Sessions:  chat.NewPostgresStore(db),
		Feedback:  feedback.NewPostgresStore(db),
	}, nil
}

// Close releases the backend connections.
func (s *Stores) Close() error {
	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}

// SeedParticipants upserts the participants listed in a JSON file into the
// directory. It is how identities from the profile service are loaded in
// development.
func SeedParticipants(ctx context.Context, dir participant.Directory, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("storage: read seed file: %w", err)
	}
	var list []*participant.Participant
	if err := json.Unmarshal(data, &list); err != nil {
		return 0, fmt.Errorf("storage: parse seed file: %w", err)
	}
	for _, p := range list {
		if p.ID == "" {
			return 0, fmt.Errorf("storage: seed entry without id")
		}
		if err := dir.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("storage: seed %s: %w", p.ID, err)
		}
	}
	return len(list), nil
}
