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

// raidRow is one parsed raid event line.
type raidRow struct {
	gym         string
	gymName     string
	latitude    float64
	longitude   float64
	raidPokemon int64
	raidLevel   int64
	raidForm    string
	raidTeam    int64
	raidCostume string
	exclusive   int64
	eligible    int64
	areaID      int64
	seenAt      time.Time
}

// Raids drains the raid daily-event buffer: gym and area dimension
// merges, deduped daily inserts and the monthly raid aggregate.
type Raids struct {
	DB    *db.DB
	Store *staging.Client
}

func parseRaidLine(line string) (raidRow, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 13 {
		return raidRow{}, fmt.Errorf("want 13 fields, got %d", len(parts))
	}
	lat, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return raidRow{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return raidRow{}, fmt.Errorf("longitude: %w", err)
	}
	if !events.ValidCoords(lat, lon) {
		return raidRow{}, fmt.Errorf("invalid coordinates (%v, %v)", lat, lon)
	}
	ints := make([]int64, 0, 6)
	for _, idx := range []int{4, 5, 7, 9, 10, 11} {
		n, err := strconv.ParseInt(parts[idx], 10, 64)
		if err != nil {
			return raidRow{}, fmt.Errorf("field %d: %w", idx, err)
		}
		ints = append(ints, n)
	}
	seen, err := strconv.ParseInt(parts[12], 10, 64)
	if err != nil {
		return raidRow{}, fmt.Errorf("first_seen: %w", err)
	}
	return raidRow{
		gym: parts[0], gymName: parts[1], latitude: lat, longitude: lon,
		raidPokemon: ints[0], raidLevel: ints[1], raidForm: parts[6],
		raidTeam: ints[2], raidCostume: parts[8],
		exclusive: ints[3], eligible: ints[4], areaID: ints[5],
		seenAt: time.Unix(seen, 0).UTC(),
	}, nil
}

// ProcessLines applies one drained raid batch. Returns the number of daily
// rows actually inserted (retried deliveries dedupe to zero via the PK).
func (p *Raids) ProcessLines(ctx context.Context, lines []string) (int64, error) {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	rows := make([]raidRow, 0, len(sorted))
	malformed := 0
	for _, line := range sorted {
		row, err := parseRaidLine(line)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	countMalformed(ctx, "raids", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	var inserted int64
	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		inserted = 0
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_raids (
			day_date DATE NOT NULL,
			gym VARCHAR(50) NOT NULL,
			gym_name VARCHAR(255) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			seen_at DATETIME NOT NULL,
			raid_pokemon SMALLINT UNSIGNED NOT NULL,
			raid_level TINYINT UNSIGNED NOT NULL,
			raid_form VARCHAR(15) NOT NULL,
			raid_team TINYINT UNSIGNED NOT NULL,
			raid_costume VARCHAR(15) NOT NULL,
			raid_is_exclusive TINYINT(1) NOT NULL,
			raid_ex_raid_eligible TINYINT(1) NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			month_year SMALLINT UNSIGNED NOT NULL,
			KEY (gym)
		)`); err != nil {
			return fmt.Errorf("creating tmp_raids: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_raids"); err != nil {
				log.Warnf("sink: dropping tmp_raids: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			bulk[i] = []any{
				events.DayDate(r.seenAt), r.gym, r.gymName, r.latitude, r.longitude,
				events.SeenAt(r.seenAt), r.raidPokemon, r.raidLevel, r.raidForm,
				r.raidTeam, r.raidCostume, r.exclusive, r.eligible, r.areaID,
				events.MonthYear(r.seenAt),
			}
		}
		cols := []string{
			"day_date", "gym", "gym_name", "latitude", "longitude", "seen_at",
			"raid_pokemon", "raid_level", "raid_form", "raid_team", "raid_costume",
			"raid_is_exclusive", "raid_ex_raid_eligible", "area_id", "month_year",
		}
		if err := bulkInsert(ctx, tx, "tmp_raids", cols, bulk); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO gyms (gym, gym_name, latitude, longitude)
			SELECT gym, MAX(gym_name), MAX(latitude), MAX(longitude)
			FROM tmp_raids GROUP BY gym`); err != nil {
			return fmt.Errorf("inserting gyms: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE gyms g
			JOIN (SELECT gym, MAX(gym_name) gym_name, MAX(latitude) latitude, MAX(longitude) longitude
			      FROM tmp_raids GROUP BY gym) x
			  ON x.gym = g.gym
			SET g.gym_name = x.gym_name, g.latitude = x.latitude, g.longitude = x.longitude
			WHERE g.gym_name <> x.gym_name OR g.latitude <> x.latitude OR g.longitude <> x.longitude`); err != nil {
			return fmt.Errorf("updating gyms: %w", err)
		}
		if err := mergeAreas(ctx, tx, names, "tmp_raids"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO raids_daily_events
			(day_date, gym, seen_at, raid_pokemon, raid_level, raid_form, raid_team,
			 raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id)
			SELECT day_date, gym, seen_at, raid_pokemon, raid_level, raid_form, raid_team,
			       raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id
			FROM tmp_raids`)
		if err != nil {
			return fmt.Errorf("inserting raids_daily_events: %w", err)
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("raids_daily_events affected rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO aggregated_raids
			(month_year, gym, raid_pokemon, raid_level, raid_form, raid_team,
			 raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id, total_count)
			SELECT month_year, gym, raid_pokemon, raid_level, raid_form, raid_team,
			       raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id, COUNT(*)
			FROM tmp_raids
			GROUP BY month_year, gym, raid_pokemon, raid_level, raid_form, raid_team,
			         raid_costume, raid_is_exclusive, raid_ex_raid_eligible, area_id
			ON DUPLICATE KEY UPDATE total_count = total_count + VALUES(total_count)`); err != nil {
			return fmt.Errorf("upserting aggregated_raids: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("sink: raids batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, inserted)
	return inserted, nil
}
