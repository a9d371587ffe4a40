package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

// shinyRow is one parsed composite key from the shiny-rate hash.
type shinyRow struct {
	monthYear int64
	username  string
	pokemonID int64
	form      string
	shiny     int64
	areaID    int64
	count     int64
}

// ShinyRates drains the per-username shiny-rate aggregate. Usernames are
// the natural key; only the area dimension is merged.
type ShinyRates struct {
	DB    *db.DB
	Store *staging.Client
}

// parseShinyKey decodes "username _ pokemon_id _ form _ shiny _ area_id _ yymm".
// Usernames may themselves contain underscores, so the trailing five fields
// are split off the right.
func parseShinyKey(field string) (shinyRow, error) {
	parts := strings.Split(field, "_")
	if len(parts) < 6 {
		return shinyRow{}, fmt.Errorf("want >= 6 fields, got %d", len(parts))
	}
	tail := parts[len(parts)-5:]
	username := strings.Join(parts[:len(parts)-5], "_")
	if username == "" {
		return shinyRow{}, fmt.Errorf("empty username")
	}

	pid, err := strconv.ParseInt(tail[0], 10, 64)
	if err != nil {
		return shinyRow{}, fmt.Errorf("pokemon_id: %w", err)
	}
	shiny, err := strconv.ParseInt(tail[2], 10, 64)
	if err != nil || (shiny != 0 && shiny != 1) {
		return shinyRow{}, fmt.Errorf("shiny flag: %q", tail[2])
	}
	areaID, err := strconv.ParseInt(tail[3], 10, 64)
	if err != nil {
		return shinyRow{}, fmt.Errorf("area_id: %w", err)
	}
	my, err := strconv.ParseInt(tail[4], 10, 64)
	if err != nil {
		return shinyRow{}, fmt.Errorf("month_year: %w", err)
	}
	return shinyRow{
		monthYear: my, username: username, pokemonID: pid,
		form: tail[1], shiny: shiny, areaID: areaID,
	}, nil
}

// ProcessHash applies one drained shiny batch. Returns accepted input rows.
func (p *ShinyRates) ProcessHash(ctx context.Context, counts map[string]int64, _ map[string]string) (int64, error) {
	fields := make([]string, 0, len(counts))
	for f := range counts {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rows := make([]shinyRow, 0, len(fields))
	var accepted int64
	malformed := 0
	for _, f := range fields {
		row, err := parseShinyKey(f)
		if err != nil {
			malformed++
			continue
		}
		row.count = counts[f]
		rows = append(rows, row)
		accepted += row.count
	}
	countMalformed(ctx, "shiny_rates", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_shiny_rates (
			month_year SMALLINT UNSIGNED NOT NULL,
			username VARCHAR(50) NOT NULL,
			pokemon_id SMALLINT UNSIGNED NOT NULL,
			form VARCHAR(15) NOT NULL,
			shiny TINYINT(1) NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			inc INT UNSIGNED NOT NULL,
			KEY (username)
		)`); err != nil {
			return fmt.Errorf("creating tmp_shiny_rates: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_shiny_rates"); err != nil {
				log.Warnf("sink: dropping tmp_shiny_rates: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			bulk[i] = []any{r.monthYear, r.username, r.pokemonID, r.form, r.shiny, r.areaID, r.count}
		}
		cols := []string{"month_year", "username", "pokemon_id", "form", "shiny", "area_id", "inc"}
		if err := bulkInsert(ctx, tx, "tmp_shiny_rates", cols, bulk); err != nil {
			return err
		}

		if err := mergeAreas(ctx, tx, names, "tmp_shiny_rates"); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO shiny_username_rates
			(month_year, username, pokemon_id, form, shiny, area_id, total_count)
			SELECT month_year, username, pokemon_id, form, shiny, area_id, SUM(inc)
			FROM tmp_shiny_rates
			GROUP BY month_year, username, pokemon_id, form, shiny, area_id
			ON DUPLICATE KEY UPDATE total_count = total_count + VALUES(total_count)`); err != nil {
			return fmt.Errorf("upserting shiny_username_rates: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("sink: shiny_rates batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, accepted)
	return accepted, nil
}
