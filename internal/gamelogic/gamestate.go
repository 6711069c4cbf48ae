package gamelogic

import (
	"errors"
	"sync"
)

var (
	ErrGamePaused      = errors.New("the game is paused")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidRank     = errors.New("invalid rank")
	ErrUnknownUnit     = errors.New("unknown unit")
	ErrUsage           = errors.New("invalid usage")
)

// GameState is the single owned state of one client. Every handler and
// command goes through its mutex.
type GameState struct {
	mu     sync.RWMutex
	player Player
	paused bool
	nextID int
}

// NewGameState creates an empty state for username
func NewGameState(username string) *GameState {
	return &GameState{
		player: Player{
			Username: username,
			Units:    make(map[int]Unit),
		},
		nextID: 1,
	}
}

// Username returns the owning player's name
func (gs *GameState) Username() string {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.player.Username
}

// IsPaused reports the current pause state
func (gs *GameState) IsPaused() bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.paused
}

// PlayerSnapshot returns a deep copy of the player
func (gs *GameState) PlayerSnapshot() Player {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.snapshot()
}

func (gs *GameState) snapshot() Player {
	units := make(map[int]Unit, len(gs.player.Units))
	for id, u := range gs.player.Units {
		units[id] = u
	}
	return Player{Username: gs.player.Username, Units: units}
}

func (gs *GameState) unitsAt(l Location) []Unit {
	var units []Unit
	for _, u := range gs.player.Units {
		if u.Location == l {
			units = append(units, u)
		}
	}
	return units
}

// HandlePause applies a pause/resume control message
func (gs *GameState) HandlePause(ps PlayingState) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.paused = ps.IsPaused
}
