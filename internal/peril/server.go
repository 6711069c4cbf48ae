package peril

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glimte/peril-go/health"
	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/internal/reliability"
	"github.com/glimte/peril-go/messaging"
	"github.com/glimte/peril-go/routing"
	"github.com/glimte/peril-go/serialization"
)

const statusTimeout = 5 * time.Second

// Server pauses and resumes players, aggregates game logs and drains the
// dead letter queue
type Server struct {
	conn      health.BrokerConnection
	console   *Console
	opts      *options
	logger    *slog.Logger
	registry  *health.Registry
	inspector *reliability.DLQInspector

	pubCh rabbitmq.Channel
	pub   *messaging.ConfirmedPublisher
	subs  []*messaging.Subscription
}

// NewServer creates a server. Start must be called before commands are
// executed.
func NewServer(conn health.BrokerConnection, console *Console, opts ...Option) *Server {
	o := newOptions(opts)
	registry := health.NewRegistry()
	registry.Register(health.NewRabbitMQChecker(conn, o.logger))

	return &Server{
		conn:      conn,
		console:   console,
		opts:      o,
		logger:    o.logger,
		registry:  registry,
		inspector: reliability.NewDLQInspector(
			reliability.WithDLQLogger(o.logger),
			reliability.WithQueueCodec(routing.GameLogQueue(), serialization.GobCodec{}),
		),
	}
}

// Inspector returns the dead letter inspector
func (s *Server) Inspector() *reliability.DLQInspector {
	return s.inspector
}

// Health runs every registered check
func (s *Server) Health(ctx context.Context) health.OverallHealth {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return s.registry.Check(ctx)
}

// Start opens the publish channel and consumes game logs and dead letters.
// Subscriptions stop when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	s.pubCh = ch

	pub, err := messaging.NewConfirmedPublisher(ch, s.opts.publisherOptions("peril-server")...)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("create publisher: %w", err)
	}
	s.pub = pub

	subOpts := s.opts.subscriberOptions()

	logs, err := messaging.SubscribeGob(ctx, s.conn,
		routing.ExchangePerilTopic, routing.GameLogQueue(), routing.GameLogBindingKey(),
		messaging.Durable, HandlerGameLog(s.console), subOpts...)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("subscribe to game logs: %w", err)
	}
	s.track(logs)

	dead, err := messaging.SubscribeRaw(ctx, s.conn,
		routing.ExchangePerilDeadLetter, routing.DeadLetterQueue, "",
		messaging.Durable, HandlerDeadLetter(s.inspector, s.console), subOpts...)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("subscribe to dead letters: %w", err)
	}
	s.track(dead)

	s.logger.Info("server started", "subscriptions", len(s.subs))
	return nil
}

func (s *Server) track(sub *messaging.Subscription) {
	s.subs = append(s.subs, sub)
	s.registry.Register(subscriptionChecker(sub))
}

func consumerCheckName(sub *messaging.Subscription) string {
	return "consumer:" + sub.Queue()
}

func subscriptionChecker(sub *messaging.Subscription) *health.ComponentChecker {
	return health.NewComponentChecker(consumerCheckName(sub), func(context.Context) (health.Status, string, map[string]interface{}, error) {
		stats := sub.Stats()
		details := map[string]interface{}{
			"acked":           stats.Acked,
			"requeued":        stats.Requeued,
			"discarded":       stats.Discarded,
			"decode_failures": stats.DecodeFailures,
			"handler_panics":  stats.HandlerPanics,
		}
		select {
		case <-sub.Done():
			return health.StatusUnhealthy, "consumer stopped", details, nil
		default:
			return health.StatusHealthy, "consuming", details, nil
		}
	})
}

// Run reads commands from in until quit, EOF or ctx ends
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	return runLoop(ctx, in, s.console, ParseServerCommand, s.Execute)
}

// Execute runs one server command and reports whether the server should
// quit
func (s *Server) Execute(ctx context.Context, cmd Command) (bool, error) {
	switch cmd.Kind {
	case CommandEmpty:
		return false, nil
	case CommandPause:
		return false, s.setPaused(ctx, cmd.Args, true)
	case CommandResume:
		return false, s.setPaused(ctx, cmd.Args, false)
	case CommandStatus:
		s.console.Health(s.Health(ctx), s.inspector.Counts())
		return false, nil
	case CommandHelp:
		s.console.Help(serverHelp)
		return false, nil
	case CommandQuit:
		s.console.Printf("Shutting down")
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
}

func (s *Server) setPaused(ctx context.Context, usernames []string, paused bool) error {
	verb := "resume"
	if paused {
		verb = "pause"
	}
	if len(usernames) == 0 {
		return fmt.Errorf("%w: %s <username>...", ErrUsage, verb)
	}
	if s.pub == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	state := gamelogic.PlayingState{IsPaused: paused}
	for _, username := range usernames {
		if err := s.pub.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey(username), state); err != nil {
			return fmt.Errorf("%s %s: %w", verb, username, err)
		}
		s.logger.Info("published playing state", "username", username, "paused", paused)
		s.console.Printf("Sent %s to %s", verb, username)
	}
	return nil
}

// Close stops every subscription, drops their health checks and closes the
// publish channel
func (s *Server) Close() error {
	err := closeAll(s.subs, s.pubCh)
	for _, sub := range s.subs {
		s.registry.Unregister(consumerCheckName(sub))
	}
	return err
}
