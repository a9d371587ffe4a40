package buffers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/psyduckv2/psyduckd/internal/events"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

// HashBuffer coalesces events by incrementing hash fields keyed by the full
// dimension tuple. Used for the Pokémon IV and shiny-rate monthly
// aggregates.
type HashBuffer struct {
	store     *staging.Client
	key       string
	coordsKey string // empty when the buffer has no coordinate companion
	threshold int64
	proc      HashProcessor
}

// NewPokemonIVBuffer builds the IV aggregate buffer with its coordinate
// companion hash.
func NewPokemonIVBuffer(store *staging.Client, threshold int64, proc HashProcessor) *HashBuffer {
	return &HashBuffer{
		store:     store,
		key:       KeyAggPokemonIV,
		coordsKey: KeyAggPokemonIVCoords,
		threshold: threshold,
		proc:      proc,
	}
}

// NewShinyRatesBuffer builds the shiny username-rate buffer.
func NewShinyRatesBuffer(store *staging.Client, threshold int64, proc HashProcessor) *HashBuffer {
	return &HashBuffer{
		store:     store,
		key:       KeyShinyRates,
		threshold: threshold,
		proc:      proc,
	}
}

// Key returns the buffer's primary staging key.
func (b *HashBuffer) Key() string { return b.key }

// IVKey builds the composite hash field for the IV aggregate:
// spawnpoint_hex | pokemon_id | form | iv_bucket | area_id | YYMM.
func IVKey(p *events.Pokemon) string {
	return fmt.Sprintf("%x_%d_%s_%d_%d_%d",
		p.Spawnpoint, p.PokemonID, p.Form, events.IVBucket(p.IV), p.AreaID,
		events.MonthYear(p.FirstSeen))
}

// ShinyKey builds the composite hash field for the shiny-rate aggregate:
// username | pokemon_id | form | shiny | area_id | YYMM.
func ShinyKey(p *events.Pokemon) string {
	shiny := 0
	if p.Shiny {
		shiny = 1
	}
	return fmt.Sprintf("%s_%d_%s_%d_%d_%d",
		p.Username, p.PokemonID, p.Form, shiny, p.AreaID,
		events.MonthYear(p.FirstSeen))
}

// AddPokemonIV ingests one sighting into the IV aggregate buffer and caches
// the spawnpoint coordinates once. Triggers a drain when the hash reaches
// the configured threshold.
func (b *HashBuffer) AddPokemonIV(ctx context.Context, p *events.Pokemon) error {
	if err := b.store.Ensure(ctx); err != nil {
		return err
	}
	if _, err := b.store.HIncrBy(ctx, b.key, IVKey(p), 1); err != nil {
		return fmt.Errorf("incrementing iv buffer: %w", err)
	}
	coords := strconv.FormatFloat(p.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Longitude, 'f', -1, 64)
	if err := b.store.HSetNX(ctx, b.coordsKey, fmt.Sprintf("%x", p.Spawnpoint), coords); err != nil {
		return fmt.Errorf("caching spawnpoint coords: %w", err)
	}
	return b.drainIfFull(ctx)
}

// AddShiny ingests one sighting into the shiny-rate buffer. Sightings
// without a username carry no rate information and are skipped.
func (b *HashBuffer) AddShiny(ctx context.Context, p *events.Pokemon) error {
	if p.Username == "" {
		return nil
	}
	if err := b.store.Ensure(ctx); err != nil {
		return err
	}
	if _, err := b.store.HIncrBy(ctx, b.key, ShinyKey(p), 1); err != nil {
		return fmt.Errorf("incrementing shiny buffer: %w", err)
	}
	return b.drainIfFull(ctx)
}

func (b *HashBuffer) drainIfFull(ctx context.Context) error {
	n, err := b.store.HLen(ctx, b.key)
	if err != nil {
		return fmt.Errorf("checking buffer size: %w", err)
	}
	if n < b.threshold {
		return nil
	}
	log.Infof("buffer %s reached threshold (%d >= %d), draining", b.key, n, b.threshold)
	_, err = b.Drain(ctx, false)
	return err
}

// Flush drains whatever is buffered. force selects the :force_flushing
// staging suffix used by the periodic full flushes and shutdown.
func (b *HashBuffer) Flush(ctx context.Context, force bool) (int64, error) {
	return b.Drain(ctx, force)
}

// Drain claims the hash via RENAME, parses it and hands the batch to the
// processor. Returns the number of accepted input rows. The staging keys
// are always deleted, even on processor failure: the buffer is
// at-least-once only up to SQL retry exhaustion.
//
// The coords companion is renamed aside together with the batch, so it is
// consumed and discarded as one unit. Events arriving after the rename
// land their coords in a fresh companion via HSetNX; nothing shared
// between ingest and drain is ever mutated in place.
func (b *HashBuffer) Drain(ctx context.Context, force bool) (int64, error) {
	staged := stagingKey(b.key, force)
	claimed, err := claim(ctx, b.store, b.key, staged)
	if err != nil || !claimed {
		return 0, err
	}
	var stagedCoords string
	if b.coordsKey != "" {
		stagedCoords = stagingKey(b.coordsKey, force)
		if err := b.store.Rename(ctx, b.coordsKey, stagedCoords); err != nil {
			// Empty companion: no coords cached since the last drain.
			stagedCoords = ""
		}
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		keys := []string{staged}
		if stagedCoords != "" {
			keys = append(keys, stagedCoords)
		}
		if err := b.store.Del(cleanupCtx, keys...); err != nil {
			log.Errorf("buffer %s: deleting staging keys %v: %v", b.key, keys, err)
		}
	}()

	raw, err := b.store.HGetAll(ctx, staged)
	if err != nil {
		return 0, fmt.Errorf("reading staged hash %s: %w", staged, err)
	}
	counts := parseCounts(b.key, raw)
	if len(counts) == 0 {
		return 0, nil
	}

	var coords map[string]string
	if stagedCoords != "" {
		coords, err = b.store.HGetAll(ctx, stagedCoords)
		if err != nil {
			return 0, fmt.Errorf("reading staged coords %s: %w", stagedCoords, err)
		}
	}

	return b.proc.ProcessHash(ctx, counts, coords)
}

// RecoverStaged consumes a stale staging key left behind by a crashed
// leader's drain. The new leader calls this at startup.
func (b *HashBuffer) RecoverStaged(ctx context.Context, staged string) (int64, error) {
	var stagedCoords string
	if b.coordsKey != "" {
		stagedCoords = b.coordsKey + strings.TrimPrefix(staged, b.key)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		keys := []string{staged}
		if stagedCoords != "" {
			keys = append(keys, stagedCoords)
		}
		if err := b.store.Del(cleanupCtx, keys...); err != nil {
			log.Errorf("buffer %s: deleting recovered keys %v: %v", b.key, keys, err)
		}
	}()
	raw, err := b.store.HGetAll(ctx, staged)
	if err != nil {
		return 0, fmt.Errorf("reading stale staging key %s: %w", staged, err)
	}
	counts := parseCounts(b.key, raw)
	if len(counts) == 0 {
		return 0, nil
	}
	var coords map[string]string
	if stagedCoords != "" {
		// A crash between the two renames leaves the coords in the live
		// companion; fall back to it.
		if coords, err = b.store.HGetAll(ctx, stagedCoords); err != nil || len(coords) == 0 {
			coords, _ = b.store.HGetAll(ctx, b.coordsKey)
		}
	}
	return b.proc.ProcessHash(ctx, counts, coords)
}
