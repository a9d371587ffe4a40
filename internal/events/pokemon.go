package events

import (
	"fmt"
	"strconv"
	"time"
)

// Pokemon is a normalized Pokémon sighting carrying the fields the IV and
// shiny-rate aggregates consume.
type Pokemon struct {
	Spawnpoint uint64
	PokemonID  int64
	Form       string
	IV         int
	AreaID     int64
	AreaName   string
	Latitude   float64
	Longitude  float64
	Username   string
	Shiny      bool
	FirstSeen  time.Time
	Despawn    time.Time // zero when the scanner did not report one
}

// NormalizePokemon builds a Pokemon from an untyped webhook payload.
// IV is the raw 0-100 percentage; spawnpoint arrives as a decimal or hex
// string depending on the scanner.
func NormalizePokemon(m map[string]any) (*Pokemon, error) {
	sp, err := parseSpawnpoint(m["spawnpoint"])
	if err != nil {
		return nil, err
	}
	pid, err := requireInt(m, "pokemon_id")
	if err != nil {
		return nil, err
	}
	iv, err := requireInt(m, "iv")
	if err != nil {
		return nil, err
	}
	if IVBucket(int(iv)) < 0 {
		return nil, fmt.Errorf("iv out of range: %d", iv)
	}
	areaID, err := requireInt(m, "area_id")
	if err != nil {
		return nil, err
	}
	lat, err := requireFloat(m, "latitude")
	if err != nil {
		return nil, err
	}
	lon, err := requireFloat(m, "longitude")
	if err != nil {
		return nil, err
	}
	if !ValidCoords(lat, lon) {
		return nil, fmt.Errorf("invalid coordinates (%v, %v)", lat, lon)
	}
	firstSeen, err := requireInt(m, "first_seen")
	if err != nil {
		return nil, err
	}

	form := optString(m, "form")
	if form == "" {
		form = "0"
	}

	var despawn time.Time
	if d := optInt(m, "despawn_time"); d > 0 {
		despawn = time.Unix(d, 0).UTC()
	}

	return &Pokemon{
		Spawnpoint: sp,
		PokemonID:  pid,
		Form:       form,
		IV:         int(iv),
		AreaID:     areaID,
		AreaName:   optString(m, "area_name"),
		Latitude:   lat,
		Longitude:  lon,
		Username:   optString(m, "username"),
		Shiny:      asBool(m["shiny"]),
		FirstSeen:  time.Unix(firstSeen, 0).UTC(),
		Despawn:    despawn,
	}, nil
}

// parseSpawnpoint accepts a numeric id or a string, trying decimal first
// and then hex (some scanners send the id already hex-encoded).
func parseSpawnpoint(v any) (uint64, error) {
	if n, ok := asInt64(v); ok {
		if n <= 0 {
			return 0, fmt.Errorf("spawnpoint must be positive, got %d", n)
		}
		return uint64(n), nil
	}
	if s, ok := v.(string); ok && s != "" {
		if n, err := strconv.ParseUint(s, 16, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("spawnpoint is missing or unparseable: %v", v)
}
