package db

import (
	"context"
	"fmt"

	"github.com/psyduckv2/psyduckd/internal/log"
)

// Migrate applies the schema DDL. Every statement is idempotent
// (CREATE TABLE IF NOT EXISTS), so re-running is safe. Intended to be run
// by the operator before starting workers, not at daemon startup.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range Statements {
		if _, err := d.pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	log.Infof("schema up to date (%d statements applied)", len(Statements))
	return nil
}
