package gamelogic

import (
	"fmt"
	"strconv"
)

// Spawn adds a new unit of rank at location and returns its id
func (gs *GameState) Spawn(location Location, rank UnitRank) (int, error) {
	if !IsValidLocation(location) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidLocation, location)
	}
	if !IsValidRank(rank) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRank, rank)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.paused {
		return 0, ErrGamePaused
	}
	id := gs.nextID
	gs.nextID++
	gs.player.Units[id] = Unit{ID: id, Rank: rank, Location: location}
	return id, nil
}

// Move relocates the given units and returns the move to announce
func (gs *GameState) Move(to Location, unitIDs []int) (ArmyMove, error) {
	if !IsValidLocation(to) {
		return ArmyMove{}, fmt.Errorf("%w: %s", ErrInvalidLocation, to)
	}
	if len(unitIDs) == 0 {
		return ArmyMove{}, fmt.Errorf("%w: at least one unit is required", ErrUsage)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.paused {
		return ArmyMove{}, ErrGamePaused
	}
	for _, id := range unitIDs {
		if _, ok := gs.player.Units[id]; !ok {
			return ArmyMove{}, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
		}
	}

	moved := make([]Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		u := gs.player.Units[id]
		u.Location = to
		gs.player.Units[id] = u
		moved = append(moved, u)
	}

	return ArmyMove{
		Player:     gs.snapshot(),
		Units:      moved,
		ToLocation: to,
	}, nil
}

// CommandSpawn parses "spawn <location> <rank>"
func (gs *GameState) CommandSpawn(args []string) (int, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("%w: spawn <location> <rank>", ErrUsage)
	}
	return gs.Spawn(Location(args[0]), UnitRank(args[1]))
}

// CommandMove parses "move <location> <unitID>..."
func (gs *GameState) CommandMove(args []string) (ArmyMove, error) {
	if len(args) < 2 {
		return ArmyMove{}, fmt.Errorf("%w: move <location> <unitID> <unitID>...", ErrUsage)
	}
	ids := make([]int, 0, len(args)-1)
	for _, raw := range args[1:] {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return ArmyMove{}, fmt.Errorf("%w: unit id %q is not a number", ErrUsage, raw)
		}
		ids = append(ids, id)
	}
	return gs.Move(Location(args[0]), ids)
}
