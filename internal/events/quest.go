package events

import (
	"fmt"
	"time"
)

// Quest reward kinds. A quest rewards either an item or a pokemon; the
// fields of the unused branch are zeroed during normalization.
const (
	QuestRewardItem    = 0
	QuestRewardPokemon = 1
)

// Quest is a normalized quest event.
type Quest struct {
	Pokestop     string
	PokestopName string
	Latitude     float64
	Longitude    float64
	Kind         int // QuestRewardItem or QuestRewardPokemon
	ItemID       int64
	ItemAmount   int64
	PokeID       int64
	PokeForm     string
	AreaID       int64
	AreaName     string
	FirstSeen    time.Time
}

// NormalizeQuest builds a Quest from an untyped webhook payload. The reward
// branch is picked from whichever of reward_item_id / reward_poke_id is
// present; the other branch is zeroed.
func NormalizeQuest(m map[string]any) (*Quest, error) {
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

	q := &Quest{
		Pokestop:     stop,
		PokestopName: optString(m, "pokestop_name"),
		Latitude:     lat,
		Longitude:    lon,
		AreaID:       areaID,
		AreaName:     optString(m, "area_name"),
		FirstSeen:    time.Unix(firstSeen, 0).UTC(),
	}

	if pokeID := optInt(m, "reward_poke_id"); pokeID > 0 {
		q.Kind = QuestRewardPokemon
		q.PokeID = pokeID
		q.PokeForm = optString(m, "reward_poke_form")
		if q.PokeForm == "" {
			q.PokeForm = "0"
		}
		return q, nil
	}

	itemID := optInt(m, "reward_item_id")
	if itemID <= 0 {
		return nil, fmt.Errorf("quest has neither reward_poke_id nor reward_item_id")
	}
	q.Kind = QuestRewardItem
	q.ItemID = itemID
	q.ItemAmount = optInt(m, "reward_item_amount")
	if q.ItemAmount == 0 {
		q.ItemAmount = 1
	}
	q.PokeForm = "0"
	return q, nil
}
