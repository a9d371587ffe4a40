// Package buffers implements the ingest-side coalescing structures between
// the webhook path and the relational store. Two shapes exist: hash-increment
// buffers for monthly aggregates and list-append buffers for daily event
// facts. Both drain through an atomic RENAME so exactly one consumer ever
// observes a given batch.
package buffers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
)

// Staging-store keys shared with dashboard readers and operator tooling.
const (
	KeyAggPokemonIV       = "buffer:agg_pokemon_iv"
	KeyAggPokemonIVCoords = "buffer:agg_pokemon_iv:coords"
	KeyShinyRates         = "buffer:agg_shiny_rates_hash"
	KeyRaidEvents         = "buffer:raid_events"
	KeyQuestEvents        = "buffer:quest_events"
	KeyInvasionEvents     = "buffer:invasion_events"
	KeyPokemonIVEvents    = "buffer:pokemon_iv_events"

	// KeyAreas maps area_id -> area name, written once per area by the
	// parser and read by the drains to populate the area_names dimension.
	KeyAreas = "buffer:areas"
)

// Drain staging-key suffixes.
const (
	suffixFlushing      = ":flushing"
	suffixForceFlushing = ":force_flushing"
)

// HashProcessor consumes a drained hash batch: composite key -> increment,
// plus the coordinate companion entries for buffers that carry one.
// It returns the number of input rows accepted.
type HashProcessor interface {
	ProcessHash(ctx context.Context, counts map[string]int64, coords map[string]string) (int64, error)
}

// ListProcessor consumes a drained list batch of pipe-delimited lines and
// returns the number of rows actually inserted.
type ListProcessor interface {
	ProcessLines(ctx context.Context, lines []string) (int64, error)
}

// StagingKeySuffixes lists the drain suffixes a recovery scan must look for.
func StagingKeySuffixes() []string {
	return []string{suffixFlushing, suffixForceFlushing}
}

func stagingKey(primary string, force bool) string {
	if force {
		return primary + suffixForceFlushing
	}
	return primary + suffixFlushing
}

// claim atomically moves the primary key aside for consumption. A false
// return with nil error means there was nothing to drain (or another drain
// won the rename race).
func claim(ctx context.Context, store *staging.Client, primary, staged string) (bool, error) {
	exists, err := store.Exists(ctx, primary)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", primary, err)
	}
	if !exists {
		return false, nil
	}
	if err := store.Rename(ctx, primary, staged); err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			// Lost the race to a concurrent drain; nothing to do.
			return false, nil
		}
		return false, fmt.Errorf("renaming %s: %w", primary, err)
	}
	return true, nil
}

// parseCounts converts raw hash entries into composite-key increments,
// skipping malformed values without failing the drain.
func parseCounts(key string, raw map[string]string) map[string]int64 {
	counts := make(map[string]int64, len(raw))
	malformed := 0
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n <= 0 {
			malformed++
			continue
		}
		counts[field] = n
	}
	if malformed > 0 {
		log.Warnf("buffer %s: skipped %d malformed hash entries", key, malformed)
		telemetry.MalformedRows.Add(context.Background(), int64(malformed))
	}
	return counts
}
