package gamelogic

// MoveOutcome is the result of applying another player's move
type MoveOutcome int

const (
	MoveOutcomeSamePlayer MoveOutcome = iota
	MoveOutComeSafe
	MoveOutcomeMakeWar
)

func (o MoveOutcome) String() string {
	switch o {
	case MoveOutcomeSamePlayer:
		return "same-player"
	case MoveOutComeSafe:
		return "safe"
	case MoveOutcomeMakeWar:
		return "make-war"
	default:
		return "unknown"
	}
}

// WarOutcome is the result of resolving a war recognition
type WarOutcome int

const (
	WarOutcomeNotInvolved WarOutcome = iota
	WarOutcomeNoUnits
	WarOutcomeOpponentWon
	WarOutcomeYouWon
	WarOutcomeDraw
)

func (o WarOutcome) String() string {
	switch o {
	case WarOutcomeNotInvolved:
		return "not-involved"
	case WarOutcomeNoUnits:
		return "no-units"
	case WarOutcomeOpponentWon:
		return "opponent-won"
	case WarOutcomeYouWon:
		return "you-won"
	case WarOutcomeDraw:
		return "draw"
	default:
		return "unknown"
	}
}

// HandleMove applies a move announced by any player, including ourselves
func (gs *GameState) HandleMove(move ArmyMove) MoveOutcome {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	if move.Player.Username == gs.player.Username {
		return MoveOutcomeSamePlayer
	}
	if len(gs.unitsAt(move.ToLocation)) > 0 {
		return MoveOutcomeMakeWar
	}
	return MoveOutComeSafe
}

// HandleWar resolves a war if this player is a party to it. Winner and loser
// are usernames; for a draw they are the attacker and defender.
func (gs *GameState) HandleWar(rw RecognitionOfWar) (outcome WarOutcome, winner string, loser string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	self := gs.player.Username
	if rw.Attacker.Username != self && rw.Defender.Username != self {
		return WarOutcomeNotInvolved, "", ""
	}

	location, ok := contestedLocation(rw)
	if !ok {
		return WarOutcomeNoUnits, "", ""
	}

	var opponent Player
	if rw.Attacker.Username == self {
		opponent = rw.Defender
	} else {
		opponent = rw.Attacker
	}

	ours := gs.unitsAt(location)
	if len(ours) == 0 {
		return WarOutcomeNoUnits, "", ""
	}
	theirs := unitsOf(opponent, location)

	ourPower := power(ours)
	theirPower := power(theirs)

	switch {
	case ourPower > theirPower:
		return WarOutcomeYouWon, self, opponent.Username
	case ourPower < theirPower:
		gs.removeUnits(ours)
		return WarOutcomeOpponentWon, opponent.Username, self
	default:
		gs.removeUnits(ours)
		return WarOutcomeDraw, rw.Attacker.Username, rw.Defender.Username
	}
}

// contestedLocation is any location both sides hold units in
func contestedLocation(rw RecognitionOfWar) (Location, bool) {
	for _, l := range Locations() {
		if len(unitsOf(rw.Attacker, l)) > 0 && len(unitsOf(rw.Defender, l)) > 0 {
			return l, true
		}
	}
	return "", false
}

func unitsOf(p Player, l Location) []Unit {
	var units []Unit
	for _, u := range p.Units {
		if u.Location == l {
			units = append(units, u)
		}
	}
	return units
}

func power(units []Unit) int {
	total := 0
	for _, u := range units {
		total += u.Rank.Power()
	}
	return total
}

func (gs *GameState) removeUnits(units []Unit) {
	for _, u := range units {
		delete(gs.player.Units, u.ID)
	}
}
