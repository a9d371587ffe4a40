// Package sink drains staged batches into the relational store. Every
// processor follows the same skeleton: build a per-drain temporary table,
// bulk-insert the batch in chunks, merge dimension rows, then apply the
// facts set-based. All statements run inside one deadlock-retried
// READ COMMITTED transaction.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/psyduckv2/psyduckd/internal/buffers"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

// insertChunkSize bounds multi-VALUES statements. 5000 rows keeps the
// packet size well under max_allowed_packet for every row shape here.
const insertChunkSize = 5000

// bulkInsert writes rows into table in chunks of insertChunkSize using
// multi-VALUES statements. Rows must be pre-sorted by the caller so lock
// acquisition order is stable across concurrent drains.
func bulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(placeholder)
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("bulk insert into %s: %w", table, err)
		}
	}
	return nil
}

// areaNames reads the id -> name map the parser maintains. A missing or
// unreachable map only degrades names, never a drain.
func areaNames(ctx context.Context, store *staging.Client) map[string]string {
	if store == nil {
		return nil
	}
	names, err := store.HGetAll(ctx, buffers.KeyAreas)
	if err != nil {
		log.Warnf("sink: reading area names: %v", err)
		return nil
	}
	return names
}

// mergeAreas creates area_names rows for every area the batch references,
// so fact area_ids always resolve. Known names are applied (renaming a
// placeholder once the scanner reports the real name); areas never named
// get a stable "area_<id>" placeholder.
func mergeAreas(ctx context.Context, tx *sql.Tx, names map[string]string, tmpTable string) error {
	type pair struct {
		id   int64
		name string
	}
	pairs := make([]pair, 0, len(names))
	for rawID, name := range names {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || name == "" {
			continue
		}
		pairs = append(pairs, pair{id: id, name: name})
	}
	if len(pairs) > 0 {
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
		var sb strings.Builder
		sb.WriteString("INSERT INTO area_names (id, name) VALUES ")
		args := make([]any, 0, len(pairs)*2)
		for i, p := range pairs {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString("(?, ?)")
			args = append(args, p.id, p.name)
		}
		sb.WriteString(" ON DUPLICATE KEY UPDATE name = VALUES(name)")
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("upserting area names: %w", err)
		}
	}

	stmt := fmt.Sprintf(`INSERT IGNORE INTO area_names (id, name)
		SELECT DISTINCT area_id, CONCAT('area_', area_id) FROM %s`, tmpTable)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("inserting placeholder area names: %w", err)
	}
	return nil
}

// countMalformed logs and counts rows dropped during batch parsing.
// Malformed rows never fail a drain.
func countMalformed(ctx context.Context, what string, n int) {
	if n == 0 {
		return
	}
	log.Warnf("sink: dropped %d malformed %s rows", n, what)
	telemetry.MalformedRows.Add(ctx, int64(n))
}
