// Package refresh runs the leader's external-data pulls: the Koji geofence
// set over HTTP and the per-area pokestop counts from the upstream scanner
// database. Results are published through the shared state layer.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/state"
)

// kojiResponse mirrors the Koji geofence feature-collection envelope.
type kojiResponse struct {
	Data struct {
		Features []kojiFeature `json:"features"`
	} `json:"data"`
}

type kojiFeature struct {
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
	Geometry struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
}

// GeofenceRefresher pulls the named polygon set and publishes it with a TTL
// slightly above the refresh interval so readers never see an expired key
// while the leader is healthy.
type GeofenceRefresher struct {
	State    *state.SharedState
	URL      string
	Token    string
	Interval time.Duration

	// HTTPClient defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

func (r *GeofenceRefresher) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Run refreshes immediately, then on the configured interval.
func (r *GeofenceRefresher) Run(ctx context.Context) {
	for {
		if err := r.Refresh(ctx); err != nil {
			log.Errorf("geofence refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval):
		}
	}
}

// Refresh fetches and publishes the geofence set once, retrying transient
// failures with exponential backoff for up to a minute.
func (r *GeofenceRefresher) Refresh(ctx context.Context) error {
	var fences []state.Geofence
	op := func() error {
		var err error
		fences, err = r.fetch(ctx)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}
	if len(fences) == 0 {
		return fmt.Errorf("koji returned no geofences")
	}

	ttl := 2 * r.Interval
	if err := r.State.SetGeofences(ctx, fences, ttl); err != nil {
		return err
	}
	log.Infof("geofence refresh: published %d areas", len(fences))
	return nil
}

func (r *GeofenceRefresher) fetch(ctx context.Context) ([]state.Geofence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building koji request: %w", err))
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling koji: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading koji response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("koji returned %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var parsed kojiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding koji response: %w", err))
	}

	fences := make([]state.Geofence, 0, len(parsed.Data.Features))
	for _, f := range parsed.Data.Features {
		fence, err := featureToGeofence(f)
		if err != nil {
			log.Warnf("geofence refresh: skipping feature %q: %v", f.Properties.Name, err)
			continue
		}
		fences = append(fences, fence)
	}
	return fences, nil
}

// featureToGeofence flattens a GeoJSON Polygon or MultiPolygon into the
// ring list the state layer stores. MultiPolygons keep only their outer
// rings; holes are not meaningful for area tagging here.
func featureToGeofence(f kojiFeature) (state.Geofence, error) {
	if f.Properties.Name == "" {
		return state.Geofence{}, fmt.Errorf("feature has no name")
	}
	switch f.Geometry.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &rings); err != nil {
			return state.Geofence{}, fmt.Errorf("decoding polygon: %w", err)
		}
		return state.Geofence{Name: f.Properties.Name, Coordinates: rings}, nil
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &polys); err != nil {
			return state.Geofence{}, fmt.Errorf("decoding multipolygon: %w", err)
		}
		var rings [][][]float64
		for _, p := range polys {
			if len(p) > 0 {
				rings = append(rings, p[0])
			}
		}
		return state.Geofence{Name: f.Properties.Name, Coordinates: rings}, nil
	default:
		return state.Geofence{}, fmt.Errorf("unsupported geometry %q", f.Geometry.Type)
	}
}
