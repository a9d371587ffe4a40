// Package staging wraps the Redis staging store. Every primitive call goes
// through bounded retry with reconnection, so callers see value-or-error
// without worrying about brief outages.
package staging

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psyduckv2/psyduckd/internal/log"
)

// Config holds connection and retry settings for the staging store.
type Config struct {
	Host          string
	Port          int
	DB            int
	Password      string
	PoolSize      int
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 300 * time.Millisecond
	}
	return c
}

// Client is a retrying wrapper over a go-redis client. It reconnects from
// config when the underlying handle dies.
type Client struct {
	cfg Config

	mu  sync.Mutex
	rdb *redis.Client
}

// New creates a client and verifies connectivity with a 5s ping.
func New(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg.withDefaults()}
	c.rdb = c.dial()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("staging ping failed: %w", err)
	}
	return c, nil
}

func (c *Client) dial() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port)),
		DB:       c.cfg.DB,
		Password: c.cfg.Password,
		PoolSize: c.cfg.PoolSize,
	})
}

// Ensure probes the current handle and replaces it with a fresh connection
// when dead. Buffers call this before each append.
func (c *Client) Ensure(ctx context.Context) error {
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	if err := rdb.Ping(ctx).Err(); err == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have already reconnected.
	if err := c.rdb.Ping(ctx).Err(); err == nil {
		return nil
	}
	_ = c.rdb.Close()
	c.rdb = c.dial()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("staging reconnect failed: %w", err)
	}
	log.Warn("staging store connection was dead, reconnected")
	return nil
}

// Ping probes the staging store once, without retry. Flushers use it to skip
// a cycle when the store is down.
func (c *Client) Ping(ctx context.Context) error {
	return c.handle().Ping(ctx).Err()
}

func (c *Client) handle() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb.Close()
}

// isTransient classifies errors worth a retry on a fresh connection.
// Semantic replies (redis.Nil, WRONGTYPE) and auth failures are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "readonly"),
		strings.Contains(msg, "loading"):
		return true
	}
	return false
}

// withRetry runs op against the current handle, retrying transient failures
// with linear backoff and small jitter, reconnecting between attempts.
func (c *Client) withRetry(ctx context.Context, op func(rdb *redis.Client) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * c.cfg.RetryDelay
			jitter := time.Duration(rand.Int63n(int64(c.cfg.RetryDelay) / 5))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := c.Ensure(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		lastErr = op(c.handle())
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		log.Warnf("staging command failed (attempt %d/%d): %v", attempt, c.cfg.RetryAttempts, lastErr)
	}
	return fmt.Errorf("staging command failed after %d attempts: %w", c.cfg.RetryAttempts, lastErr)
}

// ErrNotFound is returned by Rename when the source key does not exist.
// Drains treat it as a lost race, not a failure.
var ErrNotFound = errors.New("staging: no such key")

// HIncrBy increments a hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.HIncrBy(ctx, key, field, incr).Result()
		return err
	})
	return n, err
}

// HSetNX sets a hash field only when absent.
func (c *Client) HSetNX(ctx context.Context, key, field, value string) error {
	return c.withRetry(ctx, func(rdb *redis.Client) error {
		return rdb.HSetNX(ctx, key, field, value).Err()
	})
}

// HLen returns the number of fields in a hash.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.HLen(ctx, key).Result()
		return err
	})
	return n, err
}

// HGetAll reads all fields of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		m, err = rdb.HGetAll(ctx, key).Result()
		return err
	})
	return m, err
}

// HDel deletes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.withRetry(ctx, func(rdb *redis.Client) error {
		return rdb.HDel(ctx, key, fields...).Err()
	})
}

// RPush appends values to a list.
func (c *Client) RPush(ctx context.Context, key string, values ...any) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.RPush(ctx, key, values...).Result()
		return err
	})
	return n, err
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

// LRange reads a list slice.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		vals, err = rdb.LRange(ctx, key, start, stop).Result()
		return err
	})
	return vals, err
}

// Exists reports whether a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// Rename atomically renames a key. Returns ErrNotFound when the source is
// gone, which drains treat as losing the rename race.
func (c *Client) Rename(ctx context.Context, src, dst string) error {
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		return rdb.Rename(ctx, src, dst).Err()
	})
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return ErrNotFound
	}
	return err
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.withRetry(ctx, func(rdb *redis.Client) error {
		return rdb.Del(ctx, keys...).Err()
	})
}

// Get reads a string key. Returns ErrNotFound for missing keys.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		val, err = rdb.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Set writes a string key with an optional TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withRetry(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX writes a key only when absent; reports whether the write happened.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		ok, err = rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// ScanKeys returns all keys matching the glob pattern.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		keys = keys[:0]
		iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

// Type returns the Redis type of a key (hash, list, string, none).
func (c *Client) Type(ctx context.Context, key string) (string, error) {
	var typ string
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		typ, err = rdb.Type(ctx, key).Result()
		return err
	})
	return typ, err
}

// Pipeline returns a non-transactional pipeline on the current handle.
// The caller owns Exec; pipeline commands bypass the retry wrapper.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.handle().Pipeline()
}

// RunScript evaluates a cached Lua script, retrying transient failures.
// go-redis handles EVALSHA/NOSCRIPT fallback internally.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var res any
	err := c.withRetry(ctx, func(rdb *redis.Client) error {
		var err error
		res, err = script.Run(ctx, rdb, keys, args...).Result()
		return err
	})
	return res, err
}
