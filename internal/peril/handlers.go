package peril

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/reliability"
	"github.com/glimte/peril-go/messaging"
	"github.com/glimte/peril-go/routing"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of messaging.ConfirmedPublisher the handlers use
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, key string, v interface{}) error
	PublishGob(ctx context.Context, exchange, key string, v interface{}) error
}

var _ Publisher = (*messaging.ConfirmedPublisher)(nil)

// HandlerPause applies pause and resume control messages
func HandlerPause(gs *gamelogic.GameState, console *Console) func(context.Context, gamelogic.PlayingState) messaging.AckType {
	return func(_ context.Context, ps gamelogic.PlayingState) messaging.AckType {
		gs.HandlePause(ps)
		if ps.IsPaused {
			console.Notify("The game is paused")
		} else {
			console.Notify("The game is resumed")
		}
		return PauseAck()
	}
}

// HandlerMove applies other players' moves. A move onto one of our
// locations is answered with a war recognition naming us as defender.
func HandlerMove(gs *gamelogic.GameState, pub Publisher, console *Console, logger *slog.Logger) func(context.Context, gamelogic.ArmyMove) messaging.AckType {
	return func(ctx context.Context, move gamelogic.ArmyMove) messaging.AckType {
		outcome := gs.HandleMove(move)

		var err error
		switch outcome {
		case gamelogic.MoveOutComeSafe:
			console.Notify("%s moved %d units to %s", move.Player.Username, len(move.Units), move.ToLocation)
		case gamelogic.MoveOutcomeMakeWar:
			defender := gs.PlayerSnapshot()
			err = pub.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey(defender.Username),
				gamelogic.RecognitionOfWar{Attacker: move.Player, Defender: defender})
			if err != nil {
				logger.Error("failed to publish war recognition", "attacker", move.Player.Username, "error", err)
				console.Warn("could not declare war on %s: %v", move.Player.Username, err)
			} else {
				console.Notify("%s moved into %s, war!", move.Player.Username, move.ToLocation)
			}
		}
		return MoveAck(outcome, err)
	}
}

// HandlerWar resolves war recognitions we are a party to and publishes the
// result as a game log
func HandlerWar(gs *gamelogic.GameState, pub Publisher, console *Console, logger *slog.Logger) func(context.Context, gamelogic.RecognitionOfWar) messaging.AckType {
	return func(ctx context.Context, rw gamelogic.RecognitionOfWar) messaging.AckType {
		outcome, winner, loser := gs.HandleWar(rw)
		if !warResolved(outcome) {
			return WarAck(outcome, nil)
		}

		self := gs.Username()
		entry := gamelogic.WarLog(self, outcome, winner, loser, time.Now().UTC())
		err := pub.PublishGob(ctx, routing.ExchangePerilTopic, routing.GameLogRoutingKey(self), entry)
		if err != nil {
			logger.Error("failed to publish game log", "outcome", outcome.String(), "error", err)
			console.Warn("could not record war result: %v", err)
		} else {
			console.Notify("%s", entry.Message)
		}
		return WarAck(outcome, err)
	}
}

// HandlerGameLog prints aggregated log entries
func HandlerGameLog(console *Console) func(context.Context, gamelogic.GameLog) messaging.AckType {
	return func(_ context.Context, entry gamelogic.GameLog) messaging.AckType {
		console.GameLog(entry)
		return messaging.Ack
	}
}

// HandlerDeadLetter records dead-lettered deliveries and removes them from
// the dead letter queue
func HandlerDeadLetter(inspector *reliability.DLQInspector, console *Console) messaging.RawHandler {
	return func(_ context.Context, d amqp.Delivery) messaging.AckType {
		console.DeadLetter(inspector.Record(d))
		return messaging.Ack
	}
}
