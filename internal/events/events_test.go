package events

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIVBucket(t *testing.T) {
	cases := []struct {
		raw, want int
	}{
		{0, 0},
		{24, 0},
		{25, 25},
		{49, 25},
		{50, 50},
		{74, 50},
		{75, 75},
		{89, 75},
		{90, 90},
		{94, 90},
		{95, 95},
		{96, 95},
		{99, 95},
		{100, 100},
		{-1, -1},
		{101, -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IVBucket(c.raw), "raw=%d", c.raw)
	}
}

func TestValidCoords(t *testing.T) {
	assert.True(t, ValidCoords(48.2, 16.3))
	assert.True(t, ValidCoords(-90, 180))
	assert.False(t, ValidCoords(0, 0))
	assert.False(t, ValidCoords(91, 0))
	assert.False(t, ValidCoords(0, -181))
	assert.False(t, ValidCoords(math.NaN(), 10))
	assert.False(t, ValidCoords(10, math.NaN()))
}

func TestMonthYear(t *testing.T) {
	assert.Equal(t, uint16(2509), MonthYear(time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, uint16(2601), MonthYear(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)))
}

func TestDayDateBoundary(t *testing.T) {
	lastSecond := time.Date(2025, 9, 10, 23, 59, 59, 900_000_000, time.UTC)
	midnight := time.Date(2025, 9, 11, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-09-10", DayDate(lastSecond))
	assert.Equal(t, "2025-09-11", DayDate(midnight))
}

func TestNormalizePokemon(t *testing.T) {
	p, err := NormalizePokemon(map[string]any{
		"spawnpoint": float64(0xABCDEF),
		"pokemon_id": float64(25),
		"iv":         float64(96),
		"area_id":    float64(3),
		"latitude":   48.2,
		"longitude":  16.3,
		"first_seen": float64(1757462400),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABCDEF), p.Spawnpoint)
	assert.Equal(t, int64(25), p.PokemonID)
	assert.Equal(t, "0", p.Form)
	assert.Equal(t, 96, p.IV)
	assert.Equal(t, time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC), p.FirstSeen)
}

func TestParseSpawnpointForms(t *testing.T) {
	n, err := parseSpawnpoint(float64(11259375))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABCDEF), n)

	n, err = parseSpawnpoint("abcdef")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABCDEF), n)

	_, err = parseSpawnpoint(float64(0))
	assert.Error(t, err)
	_, err = parseSpawnpoint(nil)
	assert.Error(t, err)
}

func TestNormalizePokemonRejectsBadInput(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"spawnpoint": float64(1),
			"pokemon_id": float64(25),
			"iv":         float64(50),
			"area_id":    float64(3),
			"latitude":   48.2,
			"longitude":  16.3,
			"first_seen": float64(1757462400),
		}
	}

	m := base()
	delete(m, "spawnpoint")
	_, err := NormalizePokemon(m)
	assert.Error(t, err)

	m = base()
	m["latitude"] = 0.0
	m["longitude"] = 0.0
	_, err = NormalizePokemon(m)
	assert.Error(t, err)

	m = base()
	m["iv"] = float64(150)
	_, err = NormalizePokemon(m)
	assert.Error(t, err)
}

func TestNormalizeQuestRewardBranches(t *testing.T) {
	base := map[string]any{
		"pokestop":   "stop-1",
		"area_id":    float64(2),
		"latitude":   10.0,
		"longitude":  20.0,
		"first_seen": float64(1757462400),
	}

	t.Run("item reward", func(t *testing.T) {
		m := map[string]any{}
		for k, v := range base {
			m[k] = v
		}
		m["reward_item_id"] = float64(3)
		m["reward_item_amount"] = float64(5)
		q, err := NormalizeQuest(m)
		require.NoError(t, err)
		assert.Equal(t, QuestRewardItem, q.Kind)
		assert.Equal(t, int64(3), q.ItemID)
		assert.Equal(t, int64(5), q.ItemAmount)
		assert.Zero(t, q.PokeID)
	})

	t.Run("pokemon reward wins over item", func(t *testing.T) {
		m := map[string]any{}
		for k, v := range base {
			m[k] = v
		}
		m["reward_poke_id"] = float64(1)
		m["reward_item_id"] = float64(3)
		q, err := NormalizeQuest(m)
		require.NoError(t, err)
		assert.Equal(t, QuestRewardPokemon, q.Kind)
		assert.Equal(t, int64(1), q.PokeID)
		assert.Zero(t, q.ItemID)
	})

	t.Run("no reward at all", func(t *testing.T) {
		m := map[string]any{}
		for k, v := range base {
			m[k] = v
		}
		_, err := NormalizeQuest(m)
		assert.Error(t, err)
	})
}

func TestNormalizeInvasion(t *testing.T) {
	inv, err := NormalizeInvasion(map[string]any{
		"pokestop":     "stop-9",
		"area_id":      float64(4),
		"latitude":     1.5,
		"longitude":    2.5,
		"first_seen":   float64(1757462400),
		"display_type": float64(8),
		"character":    float64(41),
		"grunt":        float64(12),
		"confirmed":    true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), inv.Character)
	assert.True(t, inv.Confirmed)
}
