package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/events"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

// ivEventRow is one parsed per-observation IV event line.
type ivEventRow struct {
	spawnpoint uint64
	pokemonID  int64
	form       string
	iv         int64
	areaID     int64
	seenAt     time.Time
}

// PokemonIVEvents drains the per-observation IV daily-event buffer. Unlike
// the monthly aggregate, every sighting becomes its own row, deduped by the
// (day_date, spawnpoint, seen_at) primary key.
type PokemonIVEvents struct {
	DB    *db.DB
	Store *staging.Client
}

func parseIVEventLine(line string) (ivEventRow, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 6 {
		return ivEventRow{}, fmt.Errorf("want 6 fields, got %d", len(parts))
	}
	sp, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return ivEventRow{}, fmt.Errorf("spawnpoint: %w", err)
	}
	pid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ivEventRow{}, fmt.Errorf("pokemon_id: %w", err)
	}
	iv, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ivEventRow{}, fmt.Errorf("iv: %w", err)
	}
	if iv < 0 || iv > 100 {
		return ivEventRow{}, fmt.Errorf("iv %d out of range", iv)
	}
	areaID, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ivEventRow{}, fmt.Errorf("area_id: %w", err)
	}
	seen, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return ivEventRow{}, fmt.Errorf("first_seen: %w", err)
	}
	return ivEventRow{
		spawnpoint: sp, pokemonID: pid, form: parts[2],
		iv: iv, areaID: areaID, seenAt: time.Unix(seen, 0).UTC(),
	}, nil
}

// ProcessLines applies one drained IV event batch. Returns the number of
// daily rows actually inserted (retried deliveries dedupe to zero via the
// PK).
func (p *PokemonIVEvents) ProcessLines(ctx context.Context, lines []string) (int64, error) {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	rows := make([]ivEventRow, 0, len(sorted))
	malformed := 0
	for _, line := range sorted {
		row, err := parseIVEventLine(line)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	countMalformed(ctx, "pokemon_iv_events", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	var inserted int64
	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		inserted = 0
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_iv_events (
			day_date DATE NOT NULL,
			spawnpoint BIGINT UNSIGNED NOT NULL,
			seen_at DATETIME NOT NULL,
			pokemon_id SMALLINT UNSIGNED NOT NULL,
			form VARCHAR(15) NOT NULL,
			iv TINYINT UNSIGNED NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			KEY (spawnpoint)
		)`); err != nil {
			return fmt.Errorf("creating tmp_iv_events: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_iv_events"); err != nil {
				log.Warnf("sink: dropping tmp_iv_events: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			bulk[i] = []any{
				events.DayDate(r.seenAt), r.spawnpoint, events.SeenAt(r.seenAt),
				r.pokemonID, r.form, r.iv, r.areaID,
			}
		}
		cols := []string{"day_date", "spawnpoint", "seen_at", "pokemon_id", "form", "iv", "area_id"}
		if err := bulkInsert(ctx, tx, "tmp_iv_events", cols, bulk); err != nil {
			return err
		}

		if err := mergeAreas(ctx, tx, names, "tmp_iv_events"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO pokemon_iv_daily_events
			(day_date, spawnpoint, seen_at, pokemon_id, form, iv, area_id)
			SELECT day_date, spawnpoint, seen_at, pokemon_id, form, iv, area_id
			FROM tmp_iv_events`)
		if err != nil {
			return fmt.Errorf("inserting pokemon_iv_daily_events: %w", err)
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("pokemon_iv_daily_events affected rows: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("sink: pokemon_iv_events batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, inserted)
	return inserted, nil
}
