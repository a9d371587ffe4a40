// Package db provides the MySQL connection pool and the deadlock-aware
// transaction helper every bulk path runs through.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/psyduckv2/psyduckd/internal/log"
)

// Config holds connection settings for one MySQL-compatible database.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	PoolMin         int
	PoolMax         int
	ConnectTimeout  int
	PoolRecycleSec  int
	RetryConnection int
	RetryDelaySec   int
}

// DSN builds the go-sql-driver connection string. Times are always UTC so
// day_date/month_year derivation is stable regardless of server timezone.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC&timeout=%ds",
		c.User, c.Password, c.Host, c.Port, c.Name, c.ConnectTimeout,
	)
}

// DB wraps the sql.DB pool.
type DB struct {
	pool *sql.DB
	cfg  Config
}

// Open creates the pool and verifies connectivity, retrying the initial ping
// up to RetryConnection times. Failure after all attempts is fatal to the
// caller (process startup aborts).
func Open(cfg Config) (*DB, error) {
	pool, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql pool: %w", err)
	}

	pool.SetMaxOpenConns(cfg.PoolMax)
	pool.SetMaxIdleConns(cfg.PoolMin)
	if cfg.PoolRecycleSec > 0 {
		pool.SetConnMaxLifetime(time.Duration(cfg.PoolRecycleSec) * time.Second)
	}

	attempts := cfg.RetryConnection
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.RetryDelaySec) * time.Second

	var pingErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pingErr = pool.PingContext(ctx)
		cancel()
		if pingErr == nil {
			return &DB{pool: pool, cfg: cfg}, nil
		}
		log.Warnf("mysql ping failed (attempt %d/%d): %v", attempt, attempts, pingErr)
		if attempt < attempts {
			time.Sleep(delay)
		}
	}
	_ = pool.Close()
	return nil, fmt.Errorf("mysql unreachable after %d attempts: %w", attempts, pingErr)
}

// Wrap adopts an already-opened pool. Used by tests and by callers that
// manage pool settings themselves.
func Wrap(pool *sql.DB) *DB {
	return &DB{pool: pool}
}

// Pool exposes the raw pool for autocommit statements (information_schema
// reads, DDL) that do not need the transaction helper.
func (d *DB) Pool() *sql.DB {
	return d.pool
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.pool.Close()
}
