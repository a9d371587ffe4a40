// Package timeseries maintains the short-lived dashboard counters in the
// staging store. Counters are hashes keyed per area and metric whose fields
// are unix-minute timestamps; the webhook path increments them on a
// pipeline and the leader-side pruner trims fields past retention.
package timeseries

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psyduckv2/psyduckd/internal/events"
)

// Key patterns shared with the dashboard readers.
const (
	prefixPokemon    = "ts:pokemon:"
	prefixTTHPokemon = "ts:tth_pokemon:"
	prefixRaids      = "ts:raids_total:"
	prefixInvasions  = "ts:invasion:"
	prefixQuests     = "ts:quests_total:"
)

// Patterns lists the key globs the pruner sweeps.
func Patterns() []string {
	return []string{
		prefixPokemon + "*",
		prefixTTHPokemon + "*",
		prefixRaids + "*",
		prefixInvasions + "*",
		prefixQuests + "*",
	}
}

// minuteField buckets a timestamp to its minute, the resolution the
// dashboards plot at.
func minuteField(t time.Time) string {
	return strconv.FormatInt(t.UTC().Truncate(time.Minute).Unix(), 10)
}

func area(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

// tthBucket labels the remaining despawn time in 5-minute steps, capped at
// 55+. Sightings without a despawn report get no tth counter.
func tthBucket(firstSeen, despawn time.Time) (string, bool) {
	if despawn.IsZero() || !despawn.After(firstSeen) {
		return "", false
	}
	mins := int(despawn.Sub(firstSeen).Minutes())
	step := mins / 5 * 5
	if step >= 55 {
		return "55_plus", true
	}
	return strconv.Itoa(step) + "_" + strconv.Itoa(step+5), true
}

// UpdatePokemon enqueues the sighting counters. Every sighting counts
// toward total; the IV extremes and shinies get their own metric so the
// dashboards can plot rates without touching the relational store.
func UpdatePokemon(ctx context.Context, pipe redis.Pipeliner, p *events.Pokemon) {
	base := prefixPokemon + area(p.AreaName) + ":"
	field := minuteField(p.FirstSeen)

	pipe.HIncrBy(ctx, base+"total", field, 1)
	switch p.IV {
	case 100:
		pipe.HIncrBy(ctx, base+"iv100", field, 1)
	case 0:
		pipe.HIncrBy(ctx, base+"iv0", field, 1)
	}
	if p.Shiny {
		pipe.HIncrBy(ctx, base+"shiny", field, 1)
	}

	if bucket, ok := tthBucket(p.FirstSeen, p.Despawn); ok {
		pipe.HIncrBy(ctx, prefixTTHPokemon+area(p.AreaName)+":"+bucket, field, 1)
	}
}

// UpdateRaid enqueues the per-level raid counter.
func UpdateRaid(ctx context.Context, pipe redis.Pipeliner, r *events.Raid) {
	key := prefixRaids + area(r.AreaName) + ":level_" + strconv.FormatInt(r.RaidLevel, 10)
	pipe.HIncrBy(ctx, key, minuteField(r.FirstSeen), 1)
}

// UpdateInvasion enqueues the per-character invasion counter.
func UpdateInvasion(ctx context.Context, pipe redis.Pipeliner, i *events.Invasion) {
	key := prefixInvasions + area(i.AreaName) + ":char_" + strconv.FormatInt(i.Character, 10)
	pipe.HIncrBy(ctx, key, minuteField(i.FirstSeen), 1)
}

// UpdateQuest enqueues the per-reward-kind quest counter.
func UpdateQuest(ctx context.Context, pipe redis.Pipeliner, q *events.Quest) {
	kind := "item"
	if q.Kind == events.QuestRewardPokemon {
		kind = "pokemon"
	}
	key := prefixQuests + area(q.AreaName) + ":" + kind
	pipe.HIncrBy(ctx, key, minuteField(q.FirstSeen), 1)
}
