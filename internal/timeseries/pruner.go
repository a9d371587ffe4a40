package timeseries

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

// pruneScript deletes hash fields whose numeric name is older than the
// cutoff. Runs server-side so a large counter hash costs one round trip.
// KEYS[1] = counter hash, ARGV[1] = cutoff unix seconds.
var pruneScript = redis.NewScript(`
local removed = 0
local fields = redis.call('HKEYS', KEYS[1])
for _, f in ipairs(fields) do
	local ts = tonumber(f)
	if ts ~= nil and ts < tonumber(ARGV[1]) then
		redis.call('HDEL', KEYS[1], f)
		removed = removed + 1
	end
end
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1])
end
return removed
`)

// defaultRetention applies to patterns without an explicit override.
const defaultRetention = 24 * time.Hour

// Pruner sweeps the counter hashes on an interval, dropping minute fields
// past retention. Leader only.
type Pruner struct {
	Store    *staging.Client
	Interval time.Duration

	// Retention maps a key pattern (as returned by Patterns) to how long
	// its fields live. Missing patterns use defaultRetention.
	Retention map[string]time.Duration
}

// Run prunes once immediately, then on the configured interval.
func (p *Pruner) Run(ctx context.Context) {
	for {
		p.PruneAll(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// PruneAll sweeps every pattern once.
func (p *Pruner) PruneAll(ctx context.Context, now time.Time) {
	for _, pattern := range Patterns() {
		retention := defaultRetention
		if r, ok := p.Retention[pattern]; ok && r > 0 {
			retention = r
		}
		cutoff := now.UTC().Add(-retention).Unix()

		keys, err := p.Store.ScanKeys(ctx, pattern)
		if err != nil {
			log.Errorf("timeseries pruner: scanning %s: %v", pattern, err)
			continue
		}

		var removed int64
		for _, key := range keys {
			res, err := p.Store.RunScript(ctx, pruneScript, []string{key}, cutoff)
			if err != nil {
				log.Errorf("timeseries pruner: pruning %s: %v", key, err)
				continue
			}
			if n, ok := res.(int64); ok {
				removed += n
			}
		}
		if removed > 0 {
			log.Debugf("timeseries pruner: %s: removed %d fields from %d keys", pattern, removed, len(keys))
		}
	}
}
