package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

const (
	// maxTxRetries bounds retries of deadlocked or lock-timed-out batches.
	maxTxRetries = 8
	// lockWaitTimeoutSec is the per-session innodb_lock_wait_timeout.
	lockWaitTimeoutSec = 10
	// retryBackoffCap caps the attempt-proportional retry delay.
	retryBackoffCap = 2 * time.Second
)

// MySQL server error numbers worth retrying.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

func isRetryableSQL(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errDeadlock || myErr.Number == errLockWaitTimeout
	}
	return false
}

// RunInTransaction executes fn inside a READ COMMITTED transaction with a
// bounded lock wait timeout. Deadlocks (1213) and lock-wait timeouts (1205)
// are retried with attempt-proportional backoff capped at 2s plus jitter;
// any other error rolls back and returns immediately.
func (d *DB) RunInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt) * 250 * time.Millisecond
			if delay > retryBackoffCap {
				delay = retryBackoffCap
			}
			delay += time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
			log.Warnf("retrying transaction (attempt %d/%d) after %v: %v", attempt, maxTxRetries, delay, lastErr)
			telemetry.FlushRetries.Add(ctx, 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.runOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isRetryableSQL(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxRetries, lastErr)
}

func (d *DB) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET innodb_lock_wait_timeout = %d", lockWaitTimeoutSec)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set lock wait timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
