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

// ListBuffer appends one pipe-delimited line per observation. Used for the
// raid, quest and invasion daily event facts.
type ListBuffer struct {
	store     *staging.Client
	key       string
	threshold int64
	proc      ListProcessor
}

// NewRaidBuffer builds the raid daily-event buffer.
func NewRaidBuffer(store *staging.Client, threshold int64, proc ListProcessor) *ListBuffer {
	return &ListBuffer{store: store, key: KeyRaidEvents, threshold: threshold, proc: proc}
}

// NewQuestBuffer builds the quest daily-event buffer.
func NewQuestBuffer(store *staging.Client, threshold int64, proc ListProcessor) *ListBuffer {
	return &ListBuffer{store: store, key: KeyQuestEvents, threshold: threshold, proc: proc}
}

// NewInvasionBuffer builds the invasion daily-event buffer.
func NewInvasionBuffer(store *staging.Client, threshold int64, proc ListProcessor) *ListBuffer {
	return &ListBuffer{store: store, key: KeyInvasionEvents, threshold: threshold, proc: proc}
}

// NewPokemonIVEventsBuffer builds the per-observation IV daily-event buffer.
func NewPokemonIVEventsBuffer(store *staging.Client, threshold int64, proc ListProcessor) *ListBuffer {
	return &ListBuffer{store: store, key: KeyPokemonIVEvents, threshold: threshold, proc: proc}
}

// Key returns the buffer's primary staging key.
func (b *ListBuffer) Key() string { return b.key }

// sanitize strips the field delimiter from free-text values (gym and
// pokestop names come straight from the game data).
func sanitize(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func floatField(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RaidLine composes the raid event row:
// gym|gym_name|lat|lon|raid_pokemon|raid_level|raid_form|raid_team|raid_costume|exclusive|eligible|area_id|first_seen.
func RaidLine(r *events.Raid) string {
	return strings.Join([]string{
		r.Gym, sanitize(r.GymName), floatField(r.Latitude), floatField(r.Longitude),
		strconv.FormatInt(r.RaidPokemon, 10), strconv.FormatInt(r.RaidLevel, 10),
		r.RaidForm, strconv.FormatInt(r.RaidTeam, 10), r.RaidCostume,
		boolField(r.IsExclusive), boolField(r.ExRaidEligible),
		strconv.FormatInt(r.AreaID, 10), strconv.FormatInt(r.FirstSeen.Unix(), 10),
	}, "|")
}

// QuestLine composes the quest event row:
// pokestop|pokestop_name|lat|lon|kind|item_id|item_amount|poke_id|poke_form|area_id|first_seen.
// The unused reward branch is already zeroed by normalization.
func QuestLine(q *events.Quest) string {
	return strings.Join([]string{
		q.Pokestop, sanitize(q.PokestopName), floatField(q.Latitude), floatField(q.Longitude),
		strconv.Itoa(q.Kind), strconv.FormatInt(q.ItemID, 10), strconv.FormatInt(q.ItemAmount, 10),
		strconv.FormatInt(q.PokeID, 10), q.PokeForm,
		strconv.FormatInt(q.AreaID, 10), strconv.FormatInt(q.FirstSeen.Unix(), 10),
	}, "|")
}

// InvasionLine composes the invasion event row:
// pokestop|pokestop_name|lat|lon|display_type|character|grunt|confirmed|area_id|first_seen.
func InvasionLine(i *events.Invasion) string {
	return strings.Join([]string{
		i.Pokestop, sanitize(i.PokestopName), floatField(i.Latitude), floatField(i.Longitude),
		strconv.FormatInt(i.DisplayType, 10), strconv.FormatInt(i.Character, 10),
		strconv.FormatInt(i.Grunt, 10), boolField(i.Confirmed),
		strconv.FormatInt(i.AreaID, 10), strconv.FormatInt(i.FirstSeen.Unix(), 10),
	}, "|")
}

// IVEventLine composes the per-observation IV event row:
// spawnpoint_hex|pokemon_id|form|iv|area_id|first_seen.
// The raw 0-100 IV is kept; bucketing is an aggregate-side concern.
func IVEventLine(p *events.Pokemon) string {
	return strings.Join([]string{
		fmt.Sprintf("%x", p.Spawnpoint), strconv.FormatInt(p.PokemonID, 10),
		p.Form, strconv.Itoa(p.IV),
		strconv.FormatInt(p.AreaID, 10), strconv.FormatInt(p.FirstSeen.Unix(), 10),
	}, "|")
}

// Add appends one composed line and drains when the list reaches the
// threshold.
func (b *ListBuffer) Add(ctx context.Context, line string) error {
	if err := b.store.Ensure(ctx); err != nil {
		return err
	}
	n, err := b.store.RPush(ctx, b.key, line)
	if err != nil {
		return fmt.Errorf("appending to %s: %w", b.key, err)
	}
	if n < b.threshold {
		return nil
	}
	log.Infof("buffer %s reached threshold (%d >= %d), draining", b.key, n, b.threshold)
	_, err = b.Drain(ctx, false)
	return err
}

// Flush drains whatever is buffered.
func (b *ListBuffer) Flush(ctx context.Context, force bool) (int64, error) {
	return b.Drain(ctx, force)
}

// Drain claims the list via RENAME and hands the lines to the processor.
// Returns the number of rows the processor inserted. The staging key is
// always deleted.
func (b *ListBuffer) Drain(ctx context.Context, force bool) (int64, error) {
	staged := stagingKey(b.key, force)
	claimed, err := claim(ctx, b.store, b.key, staged)
	if err != nil || !claimed {
		return 0, err
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := b.store.Del(cleanupCtx, staged); err != nil {
			log.Errorf("buffer %s: deleting staging key %s: %v", b.key, staged, err)
		}
	}()

	lines, err := b.store.LRange(ctx, staged, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("reading staged list %s: %w", staged, err)
	}
	if len(lines) == 0 {
		return 0, nil
	}
	return b.proc.ProcessLines(ctx, lines)
}

// RecoverStaged consumes a stale staging key left behind by a crashed
// leader's drain.
func (b *ListBuffer) RecoverStaged(ctx context.Context, staged string) (int64, error) {
	defer func() {
		if err := b.store.Del(context.WithoutCancel(ctx), staged); err != nil {
			log.Errorf("buffer %s: deleting recovered key %s: %v", b.key, staged, err)
		}
	}()
	lines, err := b.store.LRange(ctx, staged, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("reading stale staging key %s: %w", staged, err)
	}
	if len(lines) == 0 {
		return 0, nil
	}
	return b.proc.ProcessLines(ctx, lines)
}
