package peril

import (
	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/messaging"
)

// PauseAck settles a pause control message; it is always consumed
func PauseAck() messaging.AckType {
	return messaging.Ack
}

// MoveAck settles an army move. publishErr is the result of announcing the
// war and only matters for MoveOutcomeMakeWar.
func MoveAck(outcome gamelogic.MoveOutcome, publishErr error) messaging.AckType {
	switch outcome {
	case gamelogic.MoveOutcomeSamePlayer:
		return messaging.NackDiscard
	case gamelogic.MoveOutComeSafe:
		return messaging.Ack
	case gamelogic.MoveOutcomeMakeWar:
		if publishErr != nil {
			return messaging.NackRequeue
		}
		return messaging.Ack
	default:
		return messaging.NackDiscard
	}
}

// WarAck settles a war recognition. publishErr is the result of publishing
// the game log for a resolved war.
func WarAck(outcome gamelogic.WarOutcome, publishErr error) messaging.AckType {
	switch outcome {
	case gamelogic.WarOutcomeNotInvolved:
		return messaging.NackRequeue
	case gamelogic.WarOutcomeNoUnits:
		return messaging.NackDiscard
	case gamelogic.WarOutcomeOpponentWon, gamelogic.WarOutcomeYouWon, gamelogic.WarOutcomeDraw:
		if publishErr != nil {
			return messaging.NackRequeue
		}
		return messaging.Ack
	default:
		return messaging.NackDiscard
	}
}

func warResolved(outcome gamelogic.WarOutcome) bool {
	switch outcome {
	case gamelogic.WarOutcomeOpponentWon, gamelogic.WarOutcomeYouWon, gamelogic.WarOutcomeDraw:
		return true
	default:
		return false
	}
}
