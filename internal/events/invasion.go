package events

import (
	"fmt"
	"time"
)

// Invasion is a normalized Team Rocket invasion event.
type Invasion struct {
	Pokestop     string
	PokestopName string
	Latitude     float64
	Longitude    float64
	DisplayType  int64
	Character    int64
	Grunt        int64
	Confirmed    bool
	AreaID       int64
	AreaName     string
	FirstSeen    time.Time
}

// NormalizeInvasion builds an Invasion from an untyped webhook payload.
func NormalizeInvasion(m map[string]any) (*Invasion, error) {
	stop, err := requireString(m, "pokestop")
	if err != nil {
		return nil, err
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

	return &Invasion{
		Pokestop:     stop,
		PokestopName: optString(m, "pokestop_name"),
		Latitude:     lat,
		Longitude:    lon,
		DisplayType:  optInt(m, "display_type"),
		Character:    optInt(m, "character"),
		Grunt:        optInt(m, "grunt"),
		Confirmed:    asBool(m["confirmed"]),
		AreaID:       areaID,
		AreaName:     optString(m, "area_name"),
		FirstSeen:    time.Unix(firstSeen, 0).UTC(),
	}, nil
}
