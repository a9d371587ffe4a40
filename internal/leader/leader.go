// Package leader implements single-holder advisory locking over the staging
// store. One worker per fleet holds the lock and runs the background
// services; the rest only serve ingress.
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

// LockKey is the shared election key.
const LockKey = "psyduckv2:leader"

// releaseScript deletes the lock only while we still own it, so a new
// leader's lock is never clobbered by a slow shutdown.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript refreshes the TTL only while we still own the lock. A zero
// return means ownership was lost (expiry plus takeover).
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Elector campaigns for the advisory lock and renews it while held.
type Elector struct {
	store    *staging.Client
	key      string
	workerID string
	ttl      time.Duration

	leader atomic.Bool

	// OnElected runs once per term, before IsLeader turns true. The daemon
	// hooks stale staging-key recovery here.
	OnElected func(ctx context.Context)
	// OnDemoted runs when the lock is lost or released.
	OnDemoted func()
}

// New creates an elector with a unique worker identity.
func New(store *staging.Client, ttl time.Duration) *Elector {
	host, _ := os.Hostname()
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return &Elector{
		store:    store,
		key:      LockKey,
		workerID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf)),
		ttl:      ttl,
	}
}

// WorkerID returns this worker's election identity.
func (e *Elector) WorkerID() string {
	return e.workerID
}

// IsLeader reports whether this worker currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns until ctx is done. Followers retry on an interval bounded
// by the TTL; the winner renews every ttl/3 and steps down when renewal
// reports lost ownership. On return the lock is released if still held.
func (e *Elector) Run(ctx context.Context) {
	defer e.release()

	for {
		won, err := e.store.SetNX(ctx, e.key, e.workerID, e.ttl)
		if err != nil {
			log.Warnf("leader: acquire failed: %v", err)
		}
		if won {
			log.Infof("leader: elected (worker %s, ttl %v)", e.workerID, e.ttl)
			if e.OnElected != nil {
				e.OnElected(ctx)
			}
			e.leader.Store(true)
			e.heartbeat(ctx)
			e.leader.Store(false)
			if e.OnDemoted != nil {
				e.OnDemoted()
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("leader: lost leadership, rejoining election")
		}

		select {
		case <-time.After(e.ttl):
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat renews the lock every ttl/3 and returns when renewal fails or
// ctx is done.
func (e *Elector) heartbeat(ctx context.Context) {
	interval := e.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := e.store.RunScript(ctx, renewScript, []string{e.key},
				e.workerID, int(e.ttl.Seconds()))
			if err != nil {
				log.Warnf("leader: renewal failed: %v", err)
				continue // TTL still has slack; next tick may succeed
			}
			if n, ok := res.(int64); !ok || n == 0 {
				return // lock expired or taken over
			}
		case <-ctx.Done():
			return
		}
	}
}

// release drops the lock if still owned. Runs on a fresh context because
// the run context is already cancelled during shutdown.
func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.store.RunScript(ctx, releaseScript, []string{e.key}, e.workerID)
	if err != nil {
		log.Warnf("leader: release failed: %v", err)
		return
	}
	if n, ok := res.(int64); ok && n > 0 {
		log.Infof("leader: released lock (worker %s)", e.workerID)
	}
	e.leader.Store(false)
}
