// Package flush runs the interval-driven drain loops. One Flusher per
// buffer; each owns its cadence so a slow relational write on one buffer
// never delays the others.
package flush

import (
	"context"
	"time"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

// forceEvery promotes every Nth cycle to a force flush, so entries that
// never hit the size threshold still reach the relational store under a
// bounded delay.
const forceEvery = 6

// Buffer is the drain surface both buffer shapes expose.
type Buffer interface {
	Key() string
	Flush(ctx context.Context, force bool) (int64, error)
}

// Flusher drains one buffer on a fixed interval.
type Flusher struct {
	store    *staging.Client
	buf      Buffer
	interval time.Duration
}

// New builds a flusher. Intervals below one second are raised to it; the
// drain itself has a cost and sub-second cadences just burn round trips.
func New(store *staging.Client, buf Buffer, interval time.Duration) *Flusher {
	if interval < time.Second {
		interval = time.Second
	}
	return &Flusher{store: store, buf: buf, interval: interval}
}

// Run loops until ctx is cancelled, then issues one final force flush so a
// clean shutdown leaves nothing staged. The final flush runs on a fresh
// timeout since ctx is already done.
func (f *Flusher) Run(ctx context.Context) {
	log.Infof("flusher %s: starting, interval %s", f.buf.Key(), f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			f.final()
			return
		case <-ticker.C:
		}

		cycle++
		force := cycle%forceEvery == 0

		// When the staging store is down there is nothing to drain and the
		// buffer's own retries would only add noise. Skip the cycle.
		if err := f.store.Ping(ctx); err != nil {
			log.Warnf("flusher %s: staging store unreachable, skipping cycle: %v", f.buf.Key(), err)
			continue
		}

		if n, err := f.buf.Flush(ctx, force); err != nil {
			log.Errorf("flusher %s: flush failed: %v", f.buf.Key(), err)
		} else if n > 0 {
			log.Debugf("flusher %s: flushed %d rows (force=%v)", f.buf.Key(), n, force)
		}
	}
}

func (f *Flusher) final() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.store.Ping(ctx); err != nil {
		log.Warnf("flusher %s: skipping final flush, staging store unreachable: %v", f.buf.Key(), err)
		return
	}
	if n, err := f.buf.Flush(ctx, true); err != nil {
		log.Errorf("flusher %s: final flush failed: %v", f.buf.Key(), err)
	} else {
		log.Infof("flusher %s: final flush drained %d rows", f.buf.Key(), n)
	}
}
