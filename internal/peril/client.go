package peril

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/messaging"
	"github.com/glimte/peril-go/routing"
)

// Client is one player's connection to the game
type Client struct {
	conn    rabbitmq.Connection
	state   *gamelogic.GameState
	console *Console
	opts    *options
	logger  *slog.Logger

	pubCh rabbitmq.Channel
	pub   *messaging.ConfirmedPublisher
	subs  []*messaging.Subscription
}

// NewClient creates a client for username. Start must be called before
// commands are executed.
func NewClient(conn rabbitmq.Connection, username string, console *Console, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		conn:    conn,
		state:   gamelogic.NewGameState(username),
		console: console,
		opts:    o,
		logger:  o.logger.With("username", username),
	}
}

// State returns the client's game state
func (c *Client) State() *gamelogic.GameState {
	return c.state
}

// Subscriptions returns the pause, move and war subscriptions once started
func (c *Client) Subscriptions() []*messaging.Subscription {
	return c.subs
}

// Start opens the publish channel and subscribes to pause, move and war
// traffic. Subscriptions stop when ctx ends.
func (c *Client) Start(ctx context.Context) error {
	username := c.state.Username()

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	c.pubCh = ch

	pub, err := messaging.NewConfirmedPublisher(ch, c.opts.publisherOptions("peril-client-"+username)...)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("create publisher: %w", err)
	}
	c.pub = pub

	subOpts := c.opts.subscriberOptions()

	pause, err := messaging.SubscribeJSON(ctx, c.conn,
		routing.ExchangePerilDirect, routing.PauseQueue(username), routing.PauseRoutingKey(username),
		messaging.Transient, HandlerPause(c.state, c.console), subOpts...)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("subscribe to pause: %w", err)
	}
	c.subs = append(c.subs, pause)

	moves, err := messaging.SubscribeJSON(ctx, c.conn,
		routing.ExchangePerilTopic, routing.ArmyMovesQueue(username), routing.ArmyMovesBindingKey(),
		messaging.Transient, HandlerMove(c.state, c.pub, c.console, c.logger), subOpts...)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("subscribe to moves: %w", err)
	}
	c.subs = append(c.subs, moves)

	wars, err := messaging.SubscribeJSON(ctx, c.conn,
		routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(),
		messaging.Durable, HandlerWar(c.state, c.pub, c.console, c.logger), subOpts...)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("subscribe to wars: %w", err)
	}
	c.subs = append(c.subs, wars)

	c.logger.Info("client started", "subscriptions", len(c.subs))
	return nil
}

// Run reads commands from in until quit, EOF or ctx ends
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	return runLoop(ctx, in, c.console, ParseClientCommand, c.Execute)
}

// Execute runs one client command and reports whether the client should
// quit
func (c *Client) Execute(ctx context.Context, cmd Command) (bool, error) {
	switch cmd.Kind {
	case CommandEmpty:
		return false, nil
	case CommandSpawn:
		id, err := c.state.CommandSpawn(cmd.Args)
		if err != nil {
			return false, err
		}
		c.console.Printf("Spawned a(n) %s in %s with id %d", cmd.Args[1], cmd.Args[0], id)
		return false, nil
	case CommandMove:
		return false, c.move(ctx, cmd.Args)
	case CommandStatus:
		c.console.Status(c.state.PlayerSnapshot(), c.state.IsPaused())
		return false, nil
	case CommandSpam:
		return false, c.spam(ctx, cmd.Args)
	case CommandHelp:
		c.console.Help(clientHelp)
		return false, nil
	case CommandQuit:
		c.console.Printf("Goodbye!")
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
}

func (c *Client) move(ctx context.Context, args []string) error {
	if c.pub == nil {
		return rabbitmq.ErrConnectionNotReady
	}
	move, err := c.state.CommandMove(args)
	if err != nil {
		return err
	}
	if err := c.pub.PublishJSON(ctx, routing.ExchangePerilTopic, routing.ArmyMoveRoutingKey(c.state.Username()), move); err != nil {
		return fmt.Errorf("publish move: %w", err)
	}
	c.console.Printf("Moved %d unit(s) to %s", len(move.Units), move.ToLocation)
	return nil
}

func (c *Client) spam(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: spam <n>", ErrUsage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("%w: %q is not a positive number", ErrUsage, args[0])
	}
	if c.pub == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	username := c.state.Username()
	for i := 0; i < n; i++ {
		entry := gamelogic.GameLog{
			CurrentTime: time.Now().UTC(),
			Message:     gamelogic.GetMaliciousLog(),
			Username:    username,
		}
		if err := c.pub.PublishGob(ctx, routing.ExchangePerilTopic, routing.GameLogRoutingKey(username), entry); err != nil {
			return fmt.Errorf("publish game log %d of %d: %w", i+1, n, err)
		}
	}
	c.console.Printf("Published %d malicious log(s)", n)
	return nil
}

// Close stops every subscription and closes the publish channel
func (c *Client) Close() error {
	return closeAll(c.subs, c.pubCh)
}

// closeAll closes the publish channel before the subscriptions, failing any
// handler still waiting on a confirm
func closeAll(subs []*messaging.Subscription, ch rabbitmq.Channel) error {
	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
