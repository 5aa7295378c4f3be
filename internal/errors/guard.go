// internal/errors/guard.go
package errors

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrorWindow counts recent errors per site. It backs the circuit-breaker
// guard that stops recovery on sites that are actively blocking.
type ErrorWindow interface {
	Add(ctx context.Context, site string, at time.Time) error
	Count(ctx context.Context, site string, since time.Time) (int, error)
}

// MemoryErrorWindow keeps per-site error timestamps in process.
type MemoryErrorWindow struct {
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryErrorWindow creates a window retaining errors for the given span.
func NewMemoryErrorWindow(window time.Duration) *MemoryErrorWindow {
	if window <= 0 {
		window = time.Hour
	}
	return &MemoryErrorWindow{
		window: window,
		events: make(map[string][]time.Time),
	}
}

func (w *MemoryErrorWindow) Add(ctx context.Context, site string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-w.window)
	events := w.events[site]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	events = append(events[i:], at)
	w.events[site] = events
	return nil
}

func (w *MemoryErrorWindow) Count(ctx context.Context, site string, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, t := range w.events[site] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

// RedisErrorWindow shares the error window between engine instances using
// one sorted set per site scored by event time.
type RedisErrorWindow struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// RedisConfig locates the Redis instance backing the shared window.
type RedisConfig struct {
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password,omitempty" json:"-"`
	DB          int           `yaml:"db" json:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix" json:"key_prefix"`
}

// NewRedisErrorWindow connects to Redis and verifies the connection.
func NewRedisErrorWindow(ctx context.Context, cfg RedisConfig, window time.Duration) (*RedisErrorWindow, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisErrorWindowFromClient(client, cfg.KeyPrefix, window), nil
}

// NewRedisErrorWindowFromClient wraps an existing client.
func NewRedisErrorWindowFromClient(client *redis.Client, prefix string, window time.Duration) *RedisErrorWindow {
	if prefix == "" {
		prefix = "crawlguard:errors:"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisErrorWindow{client: client, prefix: prefix, window: window}
}

func (w *RedisErrorWindow) key(site string) string {
	return w.prefix + site
}

func (w *RedisErrorWindow) Add(ctx context.Context, site string, at time.Time) error {
	key := w.key(site)
	cutoff := strconv.FormatInt(at.Add(-w.window).UnixNano(), 10)

	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixNano()),
			Member: uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, w.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record error for %s: %w", site, err)
	}
	return nil
}

func (w *RedisErrorWindow) Count(ctx context.Context, site string, since time.Time) (int, error) {
	n, err := w.client.ZCount(ctx, w.key(site), strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count errors for %s: %w", site, err)
	}
	return int(n), nil
}

// Close releases the Redis connection pool.
func (w *RedisErrorWindow) Close() error {
	return w.client.Close()
}
