// Package state holds the cross-worker globals: the geofence set, the
// per-area pokestop counts and the process timezone. The authoritative copy
// lives in the staging store; each worker keeps a TTL-bounded local cache
// and falls back to the last successful value when the store is unreachable.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/staging"
)

// Staging-store keys. The geofence and pokestop keys predate this service
// and are shared with the dashboard readers, so the names stay as-is.
const (
	KeyGeofences = "koji_geofences"
	KeyPokestops = "cached_pokestops"
	KeyTimezone  = "psyduckv2:state:user_timezone"
)

// DefaultCacheTTL bounds how long a local copy is trusted before the store
// is consulted again.
const DefaultCacheTTL = 3600 * time.Second

// Geofence is a named polygon as delivered by the Koji API.
type Geofence struct {
	Name        string        `json:"name"`
	Coordinates [][][]float64 `json:"coordinates"`
}

// PokestopCounts carries the per-area counts the dashboards display.
type PokestopCounts struct {
	Areas      map[string]int `json:"areas"`
	GrandTotal int            `json:"grand_total"`
}

type cacheEntry struct {
	value     []byte
	fetchedAt time.Time
}

func (e *cacheEntry) fresh(ttl time.Duration) bool {
	return e.value != nil && time.Since(e.fetchedAt) <= ttl
}

// SharedState is the façade over the three globals. Readers are any worker;
// writers are the leader's refreshers (and SetTimezone at startup).
type SharedState struct {
	store    *staging.Client
	cacheTTL time.Duration

	mu        sync.Mutex
	geofences cacheEntry
	pokestops cacheEntry
	timezone  cacheEntry
}

// New builds a SharedState over the given staging client. ttl <= 0 selects
// the default 3600s cache window.
func New(store *staging.Client, ttl time.Duration) *SharedState {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SharedState{store: store, cacheTTL: ttl}
}

// load returns the cached value when fresh, otherwise reads from the store.
// On store failure the stale local value is served when one exists.
func (s *SharedState) load(ctx context.Context, key string, entry *cacheEntry) ([]byte, error) {
	s.mu.Lock()
	if entry.fresh(s.cacheTTL) {
		v := entry.value
		s.mu.Unlock()
		return v, nil
	}
	fallback := entry.value
	s.mu.Unlock()

	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			return nil, err
		}
		if fallback != nil {
			log.Warnf("state: staging store unreachable for %s, serving stale local copy: %v", key, err)
			return fallback, nil
		}
		return nil, fmt.Errorf("state: loading %s: %w", key, err)
	}

	s.mu.Lock()
	*entry = cacheEntry{value: []byte(raw), fetchedAt: time.Now()}
	s.mu.Unlock()
	return []byte(raw), nil
}

// save writes to the store first (fail fast on outage) and refreshes the
// local cache only after the write succeeded.
func (s *SharedState) save(ctx context.Context, key string, raw []byte, ttl time.Duration, entry *cacheEntry) error {
	if err := s.store.Set(ctx, key, string(raw), ttl); err != nil {
		return fmt.Errorf("state: writing %s: %w", key, err)
	}
	s.mu.Lock()
	*entry = cacheEntry{value: raw, fetchedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Geofences returns the current geofence set, or nil when none has been
// published yet.
func (s *SharedState) Geofences(ctx context.Context) ([]Geofence, error) {
	raw, err := s.load(ctx, KeyGeofences, &s.geofences)
	if errors.Is(err, staging.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fences []Geofence
	if err := json.Unmarshal(raw, &fences); err != nil {
		return nil, fmt.Errorf("state: decoding geofences: %w", err)
	}
	return fences, nil
}

// SetGeofences publishes a new geofence set with the given store TTL
// (0 means no expiry).
func (s *SharedState) SetGeofences(ctx context.Context, fences []Geofence, ttl time.Duration) error {
	raw, err := json.Marshal(fences)
	if err != nil {
		return fmt.Errorf("state: encoding geofences: %w", err)
	}
	return s.save(ctx, KeyGeofences, raw, ttl, &s.geofences)
}

// Pokestops returns the cached per-area pokestop counts, or nil when none
// have been published yet.
func (s *SharedState) Pokestops(ctx context.Context) (*PokestopCounts, error) {
	raw, err := s.load(ctx, KeyPokestops, &s.pokestops)
	if errors.Is(err, staging.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var counts PokestopCounts
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, fmt.Errorf("state: decoding pokestop counts: %w", err)
	}
	return &counts, nil
}

// SetPokestops publishes new per-area counts.
func (s *SharedState) SetPokestops(ctx context.Context, counts *PokestopCounts, ttl time.Duration) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("state: encoding pokestop counts: %w", err)
	}
	return s.save(ctx, KeyPokestops, raw, ttl, &s.pokestops)
}

// Timezone returns the shared IANA timezone name, defaulting to UTC when
// none is set.
func (s *SharedState) Timezone(ctx context.Context) (string, error) {
	raw, err := s.load(ctx, KeyTimezone, &s.timezone)
	if errors.Is(err, staging.ErrNotFound) {
		return "UTC", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetTimezone publishes the shared timezone. The name must parse as an IANA
// location.
func (s *SharedState) SetTimezone(ctx context.Context, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("state: invalid timezone %q: %w", tz, err)
	}
	return s.save(ctx, KeyTimezone, []byte(tz), 0, &s.timezone)
}

// WaitForGeofences polls until a geofence set appears or the timeout
// elapses. Followers call this at startup so the webhook path never runs
// without area data.
func (s *SharedState) WaitForGeofences(ctx context.Context, timeout time.Duration) ([]Geofence, error) {
	deadline := time.Now().Add(timeout)
	for {
		fences, err := s.Geofences(ctx)
		if err == nil && len(fences) > 0 {
			return fences, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("state: no geofences after %v", timeout)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
