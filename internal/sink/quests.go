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

// questRow is one parsed quest event line.
type questRow struct {
	pokestop     string
	pokestopName string
	latitude     float64
	longitude    float64
	kind         int64
	itemID       int64
	itemAmount   int64
	pokeID       int64
	pokeForm     string
	areaID       int64
	seenAt       time.Time
}

// Quests drains the quest daily-event buffer. The reward kind routes each
// row to the item or pokemon fact table; quests have no monthly aggregate.
type Quests struct {
	DB    *db.DB
	Store *staging.Client
}

func parseQuestLine(line string) (questRow, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 11 {
		return questRow{}, fmt.Errorf("want 11 fields, got %d", len(parts))
	}
	lat, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return questRow{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return questRow{}, fmt.Errorf("longitude: %w", err)
	}
	if !events.ValidCoords(lat, lon) {
		return questRow{}, fmt.Errorf("invalid coordinates (%v, %v)", lat, lon)
	}
	ints := make([]int64, 0, 5)
	for _, idx := range []int{4, 5, 6, 7, 9} {
		n, err := strconv.ParseInt(parts[idx], 10, 64)
		if err != nil {
			return questRow{}, fmt.Errorf("field %d: %w", idx, err)
		}
		ints = append(ints, n)
	}
	kind := ints[0]
	if kind != int64(events.QuestRewardItem) && kind != int64(events.QuestRewardPokemon) {
		return questRow{}, fmt.Errorf("unknown reward kind %d", kind)
	}
	seen, err := strconv.ParseInt(parts[10], 10, 64)
	if err != nil {
		return questRow{}, fmt.Errorf("first_seen: %w", err)
	}
	return questRow{
		pokestop: parts[0], pokestopName: parts[1], latitude: lat, longitude: lon,
		kind: kind, itemID: ints[1], itemAmount: ints[2],
		pokeID: ints[3], pokeForm: parts[8], areaID: ints[4],
		seenAt: time.Unix(seen, 0).UTC(),
	}, nil
}

// ProcessLines applies one drained quest batch. Returns inserted daily rows
// across both fact tables.
func (p *Quests) ProcessLines(ctx context.Context, lines []string) (int64, error) {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)

	rows := make([]questRow, 0, len(sorted))
	malformed := 0
	for _, line := range sorted {
		row, err := parseQuestLine(line)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	countMalformed(ctx, "quests", malformed)
	if len(rows) == 0 {
		return 0, nil
	}
	names := areaNames(ctx, p.Store)

	var inserted int64
	err := p.DB.RunInTransaction(ctx, func(tx *sql.Tx) error {
		inserted = 0
		if _, err := tx.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_quests (
			day_date DATE NOT NULL,
			pokestop VARCHAR(50) NOT NULL,
			pokestop_name VARCHAR(255) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			seen_at DATETIME NOT NULL,
			kind TINYINT UNSIGNED NOT NULL,
			item_id SMALLINT UNSIGNED NOT NULL,
			item_amount SMALLINT UNSIGNED NOT NULL,
			poke_id SMALLINT UNSIGNED NOT NULL,
			poke_form VARCHAR(15) NOT NULL,
			area_id SMALLINT UNSIGNED NOT NULL,
			KEY (pokestop)
		)`); err != nil {
			return fmt.Errorf("creating tmp_quests: %w", err)
		}
		defer func() {
			if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE IF EXISTS tmp_quests"); err != nil {
				log.Warnf("sink: dropping tmp_quests: %v", err)
			}
		}()

		bulk := make([][]any, len(rows))
		for i, r := range rows {
			bulk[i] = []any{
				events.DayDate(r.seenAt), r.pokestop, r.pokestopName, r.latitude, r.longitude,
				events.SeenAt(r.seenAt), r.kind, r.itemID, r.itemAmount, r.pokeID, r.pokeForm,
				r.areaID,
			}
		}
		cols := []string{
			"day_date", "pokestop", "pokestop_name", "latitude", "longitude", "seen_at",
			"kind", "item_id", "item_amount", "poke_id", "poke_form", "area_id",
		}
		if err := bulkInsert(ctx, tx, "tmp_quests", cols, bulk); err != nil {
			return err
		}

		if err := mergePokestops(ctx, tx, "tmp_quests"); err != nil {
			return err
		}
		if err := mergeAreas(ctx, tx, names, "tmp_quests"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT IGNORE INTO quests_item_daily_events
			(day_date, pokestop, seen_at, item_id, item_amount, area_id)
			SELECT day_date, pokestop, seen_at, item_id, item_amount, area_id
			FROM tmp_quests WHERE kind = %d`, events.QuestRewardItem))
		if err != nil {
			return fmt.Errorf("inserting quests_item_daily_events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("quests_item_daily_events affected rows: %w", err)
		}
		inserted += n

		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT IGNORE INTO quests_pokemon_daily_events
			(day_date, pokestop, seen_at, poke_id, poke_form, area_id)
			SELECT day_date, pokestop, seen_at, poke_id, poke_form, area_id
			FROM tmp_quests WHERE kind = %d`, events.QuestRewardPokemon))
		if err != nil {
			return fmt.Errorf("inserting quests_pokemon_daily_events: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("quests_pokemon_daily_events affected rows: %w", err)
		}
		inserted += n
		return nil
	})
	if err != nil {
		log.Errorf("sink: quests batch failed: %v", err)
		return 0, err
	}

	telemetry.RowsFlushed.Add(ctx, inserted)
	return inserted, nil
}
