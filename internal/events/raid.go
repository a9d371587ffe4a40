package events

import (
	"fmt"
	"time"
)

// Raid is a normalized raid event.
type Raid struct {
	Gym            string
	GymName        string
	Latitude       float64
	Longitude      float64
	RaidPokemon    int64
	RaidLevel      int64
	RaidForm       string
	RaidTeam       int64
	RaidCostume    string
	IsExclusive    bool
	ExRaidEligible bool
	AreaID         int64
	AreaName       string
	FirstSeen      time.Time
}

// NormalizeRaid builds a Raid from an untyped webhook payload.
func NormalizeRaid(m map[string]any) (*Raid, error) {
	gym, err := requireString(m, "gym")
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

	form := optString(m, "raid_form")
	if form == "" {
		form = "0"
	}
	costume := optString(m, "raid_costume")
	if costume == "" {
		costume = "0"
	}

	return &Raid{
		Gym:            gym,
		GymName:        optString(m, "gym_name"),
		Latitude:       lat,
		Longitude:      lon,
		RaidPokemon:    optInt(m, "raid_pokemon"),
		RaidLevel:      optInt(m, "raid_level"),
		RaidForm:       form,
		RaidTeam:       optInt(m, "raid_team"),
		RaidCostume:    costume,
		IsExclusive:    asBool(m["raid_is_exclusive"]),
		ExRaidEligible: asBool(m["raid_ex_raid_eligible"]),
		AreaID:         areaID,
		AreaName:       optString(m, "area_name"),
		FirstSeen:      time.Unix(firstSeen, 0).UTC(),
	}, nil
}
