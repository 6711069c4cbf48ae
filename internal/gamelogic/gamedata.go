package gamelogic

import "time"

// UnitRank is the kind of a unit; it determines its strength in a war
type UnitRank string

const (
	RankInfantry  UnitRank = "infantry"
	RankCavalry   UnitRank = "cavalry"
	RankArtillery UnitRank = "artillery"
)

// Location is one of the board's continents
type Location string

var locations = map[Location]struct{}{
	"americas":   {},
	"europe":     {},
	"africa":     {},
	"asia":       {},
	"antarctica": {},
	"australia":  {},
}

var rankPower = map[UnitRank]int{
	RankInfantry:  1,
	RankCavalry:   5,
	RankArtillery: 10,
}

// Locations returns the valid board locations
func Locations() []Location {
	return []Location{"americas", "europe", "africa", "asia", "antarctica", "australia"}
}

// IsValidLocation reports whether l is on the board
func IsValidLocation(l Location) bool {
	_, ok := locations[l]
	return ok
}

// IsValidRank reports whether r is a known rank
func IsValidRank(r UnitRank) bool {
	_, ok := rankPower[r]
	return ok
}

// Power returns the strength a rank contributes in a war
func (r UnitRank) Power() int {
	return rankPower[r]
}

// Unit is a single army unit owned by a player
type Unit struct {
	ID       int      `json:"id"`
	Rank     UnitRank `json:"rank"`
	Location Location `json:"location"`
}

// Player is a snapshot of a player and its units
type Player struct {
	Username string       `json:"username"`
	Units    map[int]Unit `json:"units"`
}

// PlayingState is the pause/resume control message
type PlayingState struct {
	IsPaused bool `json:"isPaused"`
}

// ArmyMove announces that a player moved units to a location
type ArmyMove struct {
	Player     Player   `json:"player"`
	Units      []Unit   `json:"units"`
	ToLocation Location `json:"toLocation"`
}

// RecognitionOfWar is published when a move lands on an occupied location
type RecognitionOfWar struct {
	Attacker Player `json:"attacker"`
	Defender Player `json:"defender"`
}

// GameLog is a human readable entry aggregated by the server
type GameLog struct {
	CurrentTime time.Time `json:"currentTime"`
	Message     string    `json:"message"`
	Username    string    `json:"username"`
}
