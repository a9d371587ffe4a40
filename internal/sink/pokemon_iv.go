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

// ivRow is one parsed composite key from the IV aggregate hash.
type ivRow struct {
	monthYear  int64
	spawnpoint uint64
	pokemonID  int64
	form       string
	iv         int64
	areaID     int64
	count      int64
	latitude   float64
	longitude  float64
	hasCoords  bool
}

// PokemonIV drains the monthly IV aggregate: spawnpoint and area
// dimension merges plus accumulating fact upsert.
type PokemonIV struct {
	DB    *db.DB
	Store *staging.Client
}

// parseIVKey decodes "spawnpoint_hex _ pokemon_id _ form _ iv _ area_id _ yymm".
func parseIVKey(field string) (ivRow, error) {
	parts := strings.Split(field, "_")
	if len(parts) != 6 {
		return ivRow{}, fmt.Errorf("want 6 fields, got %d", len(parts))
	}
	sp, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return ivRow{}, fmt.Errorf("spawnpoint: %w", err)
	}
	pid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ivRow{}, fmt.Errorf("pokemon_id: %w", err)
	}
	iv, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ivRow{}, fmt.Errorf("iv: %w", err)
	}
	areaID, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ivRow{}, fmt.Errorf("area_id: %w", err)
	}
	my, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return ivRow{}, fmt.Errorf("month_year: %w", err)
	}
	return ivRow{
		monthYear: my, spawnpoint: sp, pokemonID: pid,
		form: parts[2], iv: iv, areaID: areaID,
	}, nil
}

func parseCoords(val string) (lat, lon float64, ok bool) {
	i := strings.IndexByte(val, ',')
	if i < 0 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(val[:i], 64)
	lon, err2 := strconv.ParseFloat(val[i+1:], 64)
	return lat, lon, err1 == nil && err2 == nil
}

// ProcessHash applies one drained IV batch. Returns the number of input
// events accepted (the sum of increments), not affected rows.
func (p *PokemonIV) ProcessHash(ctx context.Context, counts map[string]int64, coords map[string]string) (int64, error) {
	fields := make([]string, 0, len(counts))
	for f := range counts {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rows := make([]ivRow, 0, len(fields))
	var accepted int64
	malformed := 0
	for _, f := range fields {
		row, err := parseIVKey(f)
		if err != nil {
			malformed++
			continue
		}
		row.count = counts[f]
		if raw, ok := coords[strconv.FormatUint(row.spawnpoint, 16)]; ok {
			if lat, lon, ok := parseCoords(raw); ok {
				row.latitude, row.longitude, row.hasCoords = lat, lon, true
			}
		}
		rows = append(rows, row)
		accepted += row.count
	}
	countMalformed(ctx, "pokemon_iv", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_agg_iv (
			month_year SMALLINT UNSIGNED NOT NULL,
			spawnpoint BIGINT UNSIGNED NOT NULL,
			pokemon_id SMALLINT UNSIGNED NOT NULL,
			form VARCHAR(15) NOT NULL,
			iv TINYINT UNSIGNED NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			inc INT UNSIGNED NOT NULL,
			latitude DOUBLE NULL,
			longitude DOUBLE NULL,
			KEY (spawnpoint)
		)`); err != nil {
			return fmt.Errorf("creating tmp_agg_iv: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_agg_iv"); err != nil {
				log.Warnf("sink: dropping tmp_agg_iv: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			var lat, lon any
			if r.hasCoords {
				lat, lon = r.latitude, r.longitude
			}
			bulk[i] = []any{r.monthYear, r.spawnpoint, r.pokemonID, r.form, r.iv, r.areaID, r.count, lat, lon}
		}
		cols := []string{"month_year", "spawnpoint", "pokemon_id", "form", "iv", "area_id", "inc", "latitude", "longitude"}
		if err := bulkInsert(ctx, tx, "tmp_agg_iv", cols, bulk); err != nil {
			return err
		}

		// Dimension merge: new spawnpoints first, then coordinate drift.
		if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO spawnpoints (spawnpoint, latitude, longitude)
			SELECT spawnpoint, MAX(latitude), MAX(longitude)
			FROM tmp_agg_iv WHERE latitude IS NOT NULL
			GROUP BY spawnpoint`); err != nil {
			return fmt.Errorf("inserting spawnpoints: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE spawnpoints s
			JOIN (SELECT spawnpoint, MAX(latitude) latitude, MAX(longitude) longitude
			      FROM tmp_agg_iv WHERE latitude IS NOT NULL GROUP BY spawnpoint) x
			  ON x.spawnpoint = s.spawnpoint
			SET s.latitude = x.latitude, s.longitude = x.longitude
			WHERE s.latitude <> x.latitude OR s.longitude <> x.longitude`); err != nil {
			return fmt.Errorf("updating spawnpoints: %w", err)
		}
		if err := mergeAreas(ctx, tx, names, "tmp_agg_iv"); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO aggregated_pokemon_iv_monthly
			(month_year, spawnpoint, pokemon_id, form, iv, area_id, total_count)
			SELECT month_year, spawnpoint, pokemon_id, form, iv, area_id, SUM(inc)
			FROM tmp_agg_iv
			GROUP BY month_year, spawnpoint, pokemon_id, form, iv, area_id
			ON DUPLICATE KEY UPDATE total_count = total_count + VALUES(total_count)`); err != nil {
			return fmt.Errorf("upserting aggregated_pokemon_iv_monthly: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("sink: pokemon_iv batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, accepted)
	return accepted, nil
}
