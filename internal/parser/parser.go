// Package parser is the per-event entrypoint behind the webhook receiver.
// Each normalized event updates the dashboard counters on one pipeline and
// is appended to its staging buffer. The parser never touches the
// relational store.
package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/psyduckv2/psyduckd/internal/buffers"
	"github.com/psyduckv2/psyduckd/internal/events"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
	"github.com/psyduckv2/psyduckd/internal/telemetry"
	"github.com/psyduckv2/psyduckd/internal/timeseries"
)

// Result classifies the outcome of one event for the webhook summary.
type Result int

const (
	// Processed: the event reached its counters and buffer.
	Processed Result = iota
	// Ignored: unknown type, disabled family or malformed payload.
	Ignored
	// Failed: infrastructure error, the event was dropped.
	Failed
)

// Parser dispatches normalized events into the staging store.
type Parser struct {
	Store *staging.Client

	IV        *buffers.HashBuffer
	IVEvents  *buffers.ListBuffer
	Shiny     *buffers.HashBuffer
	Raids     *buffers.ListBuffer
	Quests    *buffers.ListBuffer
	Invasions *buffers.ListBuffer

	StoreIV        bool
	StoreShiny     bool
	StoreRaids     bool
	StoreQuests    bool
	StoreInvasions bool
}

// ProcessEvent handles one filtered webhook event. Malformed payloads and
// unknown types are ignored; staging-store outages drop the event with a
// log, never an error to the HTTP caller.
func (p *Parser) ProcessEvent(ctx context.Context, kind string, payload map[string]any) Result {
	if err := p.Store.Ensure(ctx); err != nil {
		log.Errorf("parser: staging store unavailable, dropping %s event: %v", kind, err)
		telemetry.EventsDropped.Add(ctx, 1)
		return Failed
	}

	var res Result
	var err error
	switch kind {
	case "pokemon":
		res, err = p.pokemon(ctx, payload)
	case "raid":
		res, err = p.raid(ctx, payload)
	case "quest":
		res, err = p.quest(ctx, payload)
	case "invasion":
		res, err = p.invasion(ctx, payload)
	default:
		log.Debugf("parser: ignoring unknown event type %q", kind)
		return Ignored
	}

	switch {
	case err != nil:
		log.Errorf("parser: %s event dropped: %v", kind, err)
		telemetry.EventsDropped.Add(ctx, 1)
		return Failed
	case res == Processed:
		telemetry.EventsAccepted.Add(ctx, 1)
	}
	return res
}

func (p *Parser) pokemon(ctx context.Context, payload map[string]any) (Result, error) {
	ev, err := events.NormalizePokemon(payload)
	if err != nil {
		log.Warnf("parser: malformed pokemon event: %v", err)
		return Ignored, nil
	}

	pipe := p.Store.Pipeline()
	timeseries.UpdatePokemon(ctx, pipe, ev)
	recordArea(ctx, pipe, ev.AreaID, ev.AreaName)
	if _, err := pipe.Exec(ctx); err != nil && !isIdempotent(err) {
		return Failed, fmt.Errorf("updating counters: %w", err)
	}

	if p.StoreIV {
		if err := p.IV.AddPokemonIV(ctx, ev); err != nil {
			return Failed, fmt.Errorf("buffering iv: %w", err)
		}
		if err := p.IVEvents.Add(ctx, buffers.IVEventLine(ev)); err != nil {
			return Failed, fmt.Errorf("buffering iv event: %w", err)
		}
	}
	if p.StoreShiny {
		if err := p.Shiny.AddShiny(ctx, ev); err != nil {
			return Failed, fmt.Errorf("buffering shiny: %w", err)
		}
	}
	if !p.StoreIV && !p.StoreShiny {
		return Ignored, nil
	}
	return Processed, nil
}

func (p *Parser) raid(ctx context.Context, payload map[string]any) (Result, error) {
	ev, err := events.NormalizeRaid(payload)
	if err != nil {
		log.Warnf("parser: malformed raid event: %v", err)
		return Ignored, nil
	}

	pipe := p.Store.Pipeline()
	timeseries.UpdateRaid(ctx, pipe, ev)
	recordArea(ctx, pipe, ev.AreaID, ev.AreaName)
	if _, err := pipe.Exec(ctx); err != nil && !isIdempotent(err) {
		return Failed, fmt.Errorf("updating counters: %w", err)
	}

	if !p.StoreRaids {
		return Ignored, nil
	}
	if err := p.Raids.Add(ctx, buffers.RaidLine(ev)); err != nil {
		return Failed, fmt.Errorf("buffering raid: %w", err)
	}
	return Processed, nil
}

func (p *Parser) quest(ctx context.Context, payload map[string]any) (Result, error) {
	ev, err := events.NormalizeQuest(payload)
	if err != nil {
		log.Warnf("parser: malformed quest event: %v", err)
		return Ignored, nil
	}

	pipe := p.Store.Pipeline()
	timeseries.UpdateQuest(ctx, pipe, ev)
	recordArea(ctx, pipe, ev.AreaID, ev.AreaName)
	if _, err := pipe.Exec(ctx); err != nil && !isIdempotent(err) {
		return Failed, fmt.Errorf("updating counters: %w", err)
	}

	if !p.StoreQuests {
		return Ignored, nil
	}
	if err := p.Quests.Add(ctx, buffers.QuestLine(ev)); err != nil {
		return Failed, fmt.Errorf("buffering quest: %w", err)
	}
	return Processed, nil
}

func (p *Parser) invasion(ctx context.Context, payload map[string]any) (Result, error) {
	ev, err := events.NormalizeInvasion(payload)
	if err != nil {
		log.Warnf("parser: malformed invasion event: %v", err)
		return Ignored, nil
	}

	pipe := p.Store.Pipeline()
	timeseries.UpdateInvasion(ctx, pipe, ev)
	recordArea(ctx, pipe, ev.AreaID, ev.AreaName)
	if _, err := pipe.Exec(ctx); err != nil && !isIdempotent(err) {
		return Failed, fmt.Errorf("updating counters: %w", err)
	}

	if !p.StoreInvasions {
		return Ignored, nil
	}
	if err := p.Invasions.Add(ctx, buffers.InvasionLine(ev)); err != nil {
		return Failed, fmt.Errorf("buffering invasion: %w", err)
	}
	return Processed, nil
}

// recordArea remembers the id -> name mapping for the area dimension.
// HSetNX keeps the first name seen; the drain-side merge renames on change.
func recordArea(ctx context.Context, pipe redis.Pipeliner, areaID int64, areaName string) {
	if areaName == "" {
		return
	}
	pipe.HSetNX(ctx, buffers.KeyAreas, strconv.FormatInt(areaID, 10), areaName)
}

// isIdempotent reports whether a pipeline error is a harmless
// already-exists collision from a concurrent worker.
func isIdempotent(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busykey")
}
