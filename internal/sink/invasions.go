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

// invasionRow is one parsed invasion event line.
type invasionRow struct {
	pokestop     string
	pokestopName string
	latitude     float64
	longitude    float64
	displayType  int64
	character    int64
	grunt        int64
	confirmed    int64
	areaID       int64
	seenAt       time.Time
}

// Invasions drains the invasion daily-event buffer: pokestop and area
// dimension merges, deduped daily inserts and the monthly invasion
// aggregate.
type Invasions struct {
	DB    *db.DB
	Store *staging.Client
}

func parseInvasionLine(line string) (invasionRow, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 10 {
		return invasionRow{}, fmt.Errorf("want 10 fields, got %d", len(parts))
	}
	lat, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return invasionRow{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return invasionRow{}, fmt.Errorf("longitude: %w", err)
	}
	if !events.ValidCoords(lat, lon) {
		return invasionRow{}, fmt.Errorf("invalid coordinates (%v, %v)", lat, lon)
	}
	ints := make([]int64, 0, 5)
	for _, idx := range []int{4, 5, 6, 7, 8} {
		n, err := strconv.ParseInt(parts[idx], 10, 64)
		if err != nil {
			return invasionRow{}, fmt.Errorf("field %d: %w", idx, err)
		}
		ints = append(ints, n)
	}
	seen, err := strconv.ParseInt(parts[9], 10, 64)
	if err != nil {
		return invasionRow{}, fmt.Errorf("first_seen: %w", err)
	}
	return invasionRow{
		pokestop: parts[0], pokestopName: parts[1], latitude: lat, longitude: lon,
		displayType: ints[0], character: ints[1], grunt: ints[2], confirmed: ints[3],
		areaID: ints[4], seenAt: time.Unix(seen, 0).UTC(),
	}, nil
}

// ProcessLines applies one drained invasion batch. Returns inserted daily
// rows.
func (p *Invasions) ProcessLines(ctx context.Context, lines []string) (int64, error) {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	rows := make([]invasionRow, 0, len(sorted))
	malformed := 0
	for _, line := range sorted {
		row, err := parseInvasionLine(line)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	countMalformed(ctx, "invasions", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	var inserted int64
	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		inserted = 0
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_invasions (
			day_date DATE NOT NULL,
			pokestop VARCHAR(50) NOT NULL,
			pokestop_name VARCHAR(255) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			seen_at DATETIME NOT NULL,
			display_type SMALLINT UNSIGNED NOT NULL,
			`+"`character`"+` SMALLINT UNSIGNED NOT NULL,
			grunt SMALLINT UNSIGNED NOT NULL,
			confirmed TINYINT(1) NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			month_year SMALLINT UNSIGNED NOT NULL,
			KEY (pokestop)
		)`); err != nil {
			return fmt.Errorf("creating tmp_invasions: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_invasions"); err != nil {
				log.Warnf("sink: dropping tmp_invasions: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			bulk[i] = []any{
				events.DayDate(r.seenAt), r.pokestop, r.pokestopName, r.latitude, r.longitude,
				events.SeenAt(r.seenAt), r.displayType, r.character, r.grunt, r.confirmed,
				r.areaID, events.MonthYear(r.seenAt),
			}
		}
		cols := []string{
			"day_date", "pokestop", "pokestop_name", "latitude", "longitude", "seen_at",
			"display_type", "`character`", "grunt", "confirmed", "area_id", "month_year",
		}
		if err := bulkInsert(ctx, tx, "tmp_invasions", cols, bulk); err != nil {
			return err
		}

		if err := mergePokestops(ctx, tx, "tmp_invasions"); err != nil {
			return err
		}
		if err := mergeAreas(ctx, tx, names, "tmp_invasions"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO invasions_daily_events
			(day_date, pokestop, seen_at, display_type, `+"`character`"+`, grunt, confirmed, area_id)
			SELECT day_date, pokestop, seen_at, display_type, `+"`character`"+`, grunt, confirmed, area_id
			FROM tmp_invasions`)
		if err != nil {
			return fmt.Errorf("inserting invasions_daily_events: %w", err)
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("invasions_daily_events affected rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO aggregated_invasions
			(month_year, pokestop, display_type, `+"`character`"+`, grunt, confirmed, area_id, total_count)
			SELECT month_year, pokestop, display_type, `+"`character`"+`, grunt, confirmed, area_id, COUNT(*)
			FROM tmp_invasions
			GROUP BY month_year, pokestop, display_type, `+"`character`"+`, grunt, confirmed, area_id
			ON DUPLICATE KEY UPDATE total_count = total_count + VALUES(total_count)`); err != nil {
			return fmt.Errorf("upserting aggregated_invasions: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("sink: invasions batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, inserted)
	return inserted, nil
}

// mergePokestops applies the shared pokestop dimension merge from a tmp
// table carrying pokestop, pokestop_name, latitude and longitude columns.
// Quests and invasions may drain concurrently and touch the same rows;
// INSERT IGNORE plus the differential UPDATE is safe under READ COMMITTED.
func mergePokestops(ctx context.Context, tx *sql.Tx, tmpTable string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT IGNORE INTO pokestops (pokestop, pokestop_name, latitude, longitude)
		SELECT pokestop, MAX(pokestop_name), MAX(latitude), MAX(longitude)
		FROM %s GROUP BY pokestop`, tmpTable)); err != nil {
		return fmt.Errorf("inserting pokestops: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE pokestops p
		JOIN (SELECT pokestop, MAX(pokestop_name) pokestop_name, MAX(latitude) latitude, MAX(longitude) longitude
		      FROM %s GROUP BY pokestop) x
		  ON x.pokestop = p.pokestop
		SET p.pokestop_name = x.pokestop_name, p.latitude = x.latitude, p.longitude = x.longitude
		WHERE p.pokestop_name <> x.pokestop_name OR p.latitude <> x.latitude OR p.longitude <> x.longitude`, tmpTable)); err != nil {
		return fmt.Errorf("updating pokestops: %w", err)
	}
	return nil
}
