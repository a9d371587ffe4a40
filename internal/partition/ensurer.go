package partition

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

const ensureInterval = 24 * time.Hour

// target is a partition the ensurer wants to exist.
type target struct {
	name  string
	bound string // SQL literal for VALUES LESS THAN
}

// Ensurer keeps one table's partition window covering
// [today-Back, today+Forward] in the table's grain.
type Ensurer struct {
	DB      *db.DB
	Table   string
	Grain   Grain
	Back    int
	Forward int
}

// Run ensures once after a small startup jitter, then every 24 h.
func (e *Ensurer) Run(ctx context.Context) {
	jitter := time.Duration(rand.Intn(5000)) * time.Millisecond
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		if n, err := e.Ensure(ctx, time.Now().UTC()); err != nil {
			log.Errorf("partition ensurer %s: %v", e.Table, err)
		} else if n > 0 {
			log.Infof("partition ensurer %s: created %d partitions", e.Table, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ensureInterval):
		}
	}
}

// Ensure creates every missing partition in the window around now.
// Returns the number created. Idempotent: a second call with the same now
// creates nothing.
func (e *Ensurer) Ensure(ctx context.Context, now time.Time) (int, error) {
	parts, err := listParts(ctx, e.DB, e.Table)
	if err != nil {
		return 0, err
	}
	if err := checkPartitioned(ctx, e.DB, e.Table, parts); err != nil {
		return 0, err
	}

	existing := make(map[string]bool, len(parts))
	for _, p := range parts {
		existing[p.name] = true
	}

	created := 0
	for _, t := range e.targets(now) {
		if existing[t.name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s REORGANIZE PARTITION %s INTO (
			PARTITION %s VALUES LESS THAN (%s),
			PARTITION %s VALUES LESS THAN (MAXVALUE))`,
			e.Table, maxPartition, t.name, t.bound, maxPartition)
		if _, err := e.DB.Pool().ExecContext(ctx, stmt); err != nil {
			return created, fmt.Errorf("creating partition %s on %s: %w", t.name, e.Table, err)
		}
		log.Debugf("partition ensurer %s: created %s (< %s)", e.Table, t.name, t.bound)
		created++
	}
	if created > 0 {
		telemetry.PartitionsCreated.Add(ctx, int64(created))
	}
	return created, nil
}

// targets lists the window's partitions in ascending upper-bound order so
// each REORGANIZE splits pMAX at the right place.
func (e *Ensurer) targets(now time.Time) []target {
	var out []target
	switch e.Grain {
	case GrainDaily:
		day := midnight(now)
		for off := -e.Back; off <= e.Forward; off++ {
			d := day.AddDate(0, 0, off)
			out = append(out, target{
				name:  dailyName(d),
				bound: "'" + d.AddDate(0, 0, 1).Format("2006-01-02") + "'",
			})
		}
	case GrainMonthly:
		month := firstOfMonth(now)
		for off := -e.Back; off <= e.Forward; off++ {
			m := month.AddDate(0, off, 0)
			out = append(out, target{
				name:  monthlyName(m),
				bound: fmt.Sprintf("%d", yymm(m.AddDate(0, 1, 0))),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
