package partition

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

const cleanInterval = 12 * time.Hour

// Job is one retention rule. Keep <= 0 disables the job.
type Job struct {
	Table string
	Grain Grain
	Keep  int // days or months, matching the grain
}

// Cleaner drops partitions past retention on a 12 h cycle. DryRun logs the
// would-be drops without altering anything.
type Cleaner struct {
	DB     *db.DB
	Jobs   []Job
	DryRun bool
}

// Run cleans once after a ~10 s startup jitter, then every 12 h.
func (c *Cleaner) Run(ctx context.Context) {
	jitter := 10*time.Second + time.Duration(rand.Intn(2000))*time.Millisecond
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		c.CleanAll(ctx, time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(cleanInterval):
		}
	}
}

// CleanAll runs every job; a failing job never blocks the others.
func (c *Cleaner) CleanAll(ctx context.Context, now time.Time) {
	for _, job := range c.Jobs {
		if job.Keep <= 0 {
			log.Warnf("partition cleaner %s: retention %d disables the job, skipping", job.Table, job.Keep)
			continue
		}
		if n, err := c.clean(ctx, job, now); err != nil {
			log.Errorf("partition cleaner %s: %v", job.Table, err)
		} else if n > 0 {
			log.Infof("partition cleaner %s: dropped %d partitions", job.Table, n)
		}
	}
}

func (c *Cleaner) clean(ctx context.Context, job Job, now time.Time) (int, error) {
	parts, err := listParts(ctx, c.DB, job.Table)
	if err != nil {
		return 0, err
	}
	if err := checkPartitioned(ctx, c.DB, job.Table, parts); err != nil {
		return 0, err
	}

	var drop []string
	for _, p := range parts {
		if p.name == maxPartition {
			continue
		}
		if expired(job, p, now) {
			drop = append(drop, p.name)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", job.Table, strings.Join(drop, ", "))
	if c.DryRun {
		log.Infof("partition cleaner %s (dry run): %s", job.Table, stmt)
		return 0, nil
	}
	if _, err := c.DB.Pool().ExecContext(ctx, stmt); err != nil {
		return 0, fmt.Errorf("dropping partitions: %w", err)
	}
	telemetry.PartitionsDropped.Add(ctx, int64(len(drop)))
	return len(drop), nil
}

// expired reports whether a partition's upper bound falls at or before the
// retention cutoff. Unparseable bounds are kept; dropping data on a parse
// bug is the wrong failure mode.
func expired(job Job, p part, now time.Time) bool {
	switch job.Grain {
	case GrainDaily:
		bound, ok := boundDate(p.bound)
		if !ok {
			log.Warnf("partition cleaner %s: cannot parse bound %q of %s, keeping", job.Table, p.bound, p.name)
			return false
		}
		// A daily partition pYYYYMMDD holds that day's rows and its bound
		// is the next day, so the partition covering the oldest kept day
		// has bound == cutoff+1 and survives the <= test.
		cutoff := midnight(now).AddDate(0, 0, -job.Keep)
		return !bound.After(cutoff)
	case GrainMonthly:
		bound, ok := boundYYMM(p.bound)
		if !ok {
			log.Warnf("partition cleaner %s: cannot parse bound %q of %s, keeping", job.Table, p.bound, p.name)
			return false
		}
		cutoff := yymm(firstOfMonth(now).AddDate(0, -(job.Keep - 1), 0))
		return bound <= cutoff
	}
	return false
}
