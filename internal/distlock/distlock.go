// Package distlock provides non-blocking exclusive locks that keep periodic
// jobs (queue passes, reminder scans) from running concurrently across
// processes sharing one database.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking exclusive lock. A single instance must not be
// shared by goroutines that acquire it independently.
type DistLock interface {
	// Acquire tries to take the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still holds it.
	Release(ctx context.Context) error
}

// Kind selects a lock backend.
type Kind string

const (
	KindNone     Kind = "none"
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
	KindFile     Kind = "file"
)

// ParseKind normalises a configured backend name. Empty means KindNone.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindNone, nil
	case KindNone, KindRedis, KindPostgres, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("unknown process lock kind %q", s)
	}
}

// Deps carries the backend handles a lock may need.
type Deps struct {
	Redis    *redis.Client
	DB       *sql.DB
	StateDir string
}

// New builds a lock named key for the given backend. KindNone returns a nil
// lock and no error.
func New(kind Kind, key string, ttl time.Duration, deps Deps) (DistLock, error) {
	switch kind {
	case KindNone, "":
		return nil, nil
	case KindRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis lock %q: no redis client configured", key)
		}
		return NewRedisLock(deps.Redis, key, ttl), nil
	case KindPostgres:
		if deps.DB == nil {
			return nil, fmt.Errorf("postgres lock %q: no postgres database configured", key)
		}
		return NewPGAdvisoryLock(deps.DB, key), nil
	case KindFile:
		if deps.StateDir == "" {
			return nil, fmt.Errorf("file lock %q: no state directory configured", key)
		}
		return NewFileLock(deps.StateDir, key), nil
	default:
		return nil, fmt.Errorf("unknown process lock kind %q", kind)
	}
}

// NewRedisClient connects to the Redis server at url (redis://...).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Debug("distlock.NewRedisClient: connected", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}
