package state

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psyduckv2/psyduckd/internal/staging"
)

func newTestState(t *testing.T) (*SharedState, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := staging.New(staging.Config{
		Host:          host,
		Port:          port,
		RetryAttempts: 1,
		RetryDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Hour), mr
}

func TestGeofencesRoundTrip(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	fences, err := s.Geofences(ctx)
	require.NoError(t, err)
	assert.Nil(t, fences)

	in := []Geofence{
		{Name: "downtown", Coordinates: [][][]float64{{{16.3, 48.2}, {16.4, 48.2}, {16.4, 48.3}, {16.3, 48.2}}}},
	}
	require.NoError(t, s.SetGeofences(ctx, in, time.Hour))

	out, err := s.Geofences(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "downtown", out[0].Name)
}

func TestPokestopsRoundTrip(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	counts, err := s.Pokestops(ctx)
	require.NoError(t, err)
	assert.Nil(t, counts)

	in := &PokestopCounts{Areas: map[string]int{"downtown": 42}, GrandTotal: 42}
	require.NoError(t, s.SetPokestops(ctx, in, time.Hour))

	out, err := s.Pokestops(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, out.GrandTotal)
	assert.Equal(t, 42, out.Areas["downtown"])
}

func TestTimezoneDefaultsToUTC(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	tz, err := s.Timezone(ctx)
	require.NoError(t, err)
	assert.Equal(t, "UTC", tz)

	require.NoError(t, s.SetTimezone(ctx, "Europe/Vienna"))
	tz, err = s.Timezone(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Vienna", tz)

	assert.Error(t, s.SetTimezone(ctx, "Not/AZone"))
}

func TestStaleFallbackOnOutage(t *testing.T) {
	s, mr := newTestState(t)
	s.cacheTTL = time.Millisecond // force the store path on the second read
	ctx := context.Background()

	in := []Geofence{{Name: "area-1"}}
	require.NoError(t, s.SetGeofences(ctx, in, 0))

	time.Sleep(5 * time.Millisecond)
	mr.Close()

	out, err := s.Geofences(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "area-1", out[0].Name)

	// Writes fail fast while the store is down.
	assert.Error(t, s.SetGeofences(ctx, in, 0))
}

func TestWaitForGeofences(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	_, err := s.WaitForGeofences(ctx, 10*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, s.SetGeofences(ctx, []Geofence{{Name: "a"}}, 0))
	fences, err := s.WaitForGeofences(ctx, time.Second)
	require.NoError(t, err)
	assert.Len(t, fences, 1)
}
