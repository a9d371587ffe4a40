package refresh

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/psyduckv2/psyduckd/internal/db"
	"github.com/psyduckv2/psyduckd/internal/log"
	"github.com/psyduckv2/psyduckd/internal/state"
)

// PokestopRefresher recounts pokestops per geofence against the scanner
// database and publishes the totals for the dashboards.
type PokestopRefresher struct {
	State    *state.SharedState
	Scanner  *db.DB
	Interval time.Duration
}

// Run refreshes immediately, then on the configured interval.
func (r *PokestopRefresher) Run(ctx context.Context) {
	for {
		if err := r.Refresh(ctx); err != nil {
			log.Errorf("pokestop refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval):
		}
	}
}

// Refresh counts each area once. A persistently failing area is skipped so
// the rest still publish; publication happens even on a partial result.
func (r *PokestopRefresher) Refresh(ctx context.Context) error {
	fences, err := r.State.Geofences(ctx)
	if err != nil {
		return fmt.Errorf("loading geofences: %w", err)
	}
	if len(fences) == 0 {
		log.Warnln("pokestop refresh: no geofences published yet, skipping")
		return nil
	}

	counts := &state.PokestopCounts{Areas: make(map[string]int, len(fences))}
	for _, fence := range fences {
		n, err := r.countArea(ctx, fence)
		if err != nil {
			log.Errorf("pokestop refresh: area %s: %v", fence.Name, err)
			continue
		}
		counts.Areas[fence.Name] = n
		counts.GrandTotal += n
	}
	if len(counts.Areas) == 0 {
		return fmt.Errorf("every area count failed")
	}

	ttl := 2 * r.Interval
	if err := r.State.SetPokestops(ctx, counts, ttl); err != nil {
		return err
	}
	log.Infof("pokestop refresh: %d areas, %d pokestops total", len(counts.Areas), counts.GrandTotal)
	return nil
}

// countArea runs the spatial count with a short bounded retry. The scanner
// DB is a foreign system; a flaky link should not burn a whole cycle.
func (r *PokestopRefresher) countArea(ctx context.Context, fence state.Geofence) (int, error) {
	wkt, err := polygonWKT(fence.Coordinates)
	if err != nil {
		return 0, err
	}

	var count int
	op := func() error {
		return r.Scanner.Pool().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pokestop WHERE ST_CONTAINS(ST_GeomFromText(?), POINT(lon, lat))",
			wkt).Scan(&count)
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return 0, err
	}
	return count, nil
}

// polygonWKT renders the ring list as a WKT POLYGON/MULTIPOLYGON. Geofence
// coordinates arrive GeoJSON-ordered (lon, lat); WKT keeps that order. Rings
// are closed when the source left them open.
func polygonWKT(rings [][][]float64) (string, error) {
	if len(rings) == 0 {
		return "", fmt.Errorf("geofence has no rings")
	}

	rendered := make([]string, 0, len(rings))
	for _, ring := range rings {
		if len(ring) < 3 {
			return "", fmt.Errorf("ring has %d points, need >= 3", len(ring))
		}
		pts := make([]string, 0, len(ring)+1)
		for _, pt := range ring {
			if len(pt) < 2 {
				return "", fmt.Errorf("point has %d ordinates", len(pt))
			}
			pts = append(pts, coord(pt[0])+" "+coord(pt[1]))
		}
		if pts[0] != pts[len(pts)-1] {
			pts = append(pts, pts[0])
		}
		rendered = append(rendered, "("+strings.Join(pts, ", ")+")")
	}

	if len(rendered) == 1 {
		return "POLYGON(" + rendered[0] + ")", nil
	}
	parts := make([]string, len(rendered))
	for i, ring := range rendered {
		parts[i] = "(" + ring + ")"
	}
	return "MULTIPOLYGON(" + strings.Join(parts, ", ") + ")", nil
}

func coord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
