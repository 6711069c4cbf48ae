package peril

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glimte/peril-go/internal/config"
	"github.com/glimte/peril-go/internal/rabbitmq"
)

// ErrConnectionLost is returned by Serve when the broker closes the
// connection while the loop is running
var ErrConnectionLost = errors.New("connection to the broker was lost")

// Dial connects with cfg's broker settings and declares the shared
// topology
func Dial(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (*rabbitmq.ConnectionManager, error) {
	cm := rabbitmq.NewConnectionManager(cfg.Broker.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialTimeout(cfg.Broker.DialTimeout),
		rabbitmq.WithDialAttempts(cfg.Broker.DialAttempts),
		rabbitmq.WithConnectionName(name),
	)
	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}

	topology := rabbitmq.NewTopologyManager(cm, rabbitmq.WithTopologyLogger(logger))
	if err := topology.DeclareTopology(ctx, rabbitmq.PerilTopology()); err != nil {
		_ = cm.Close()
		return nil, err
	}
	return cm, nil
}

// OptionsFromConfig maps configuration onto client and server options
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) []Option {
	return []Option{
		WithLogger(logger),
		WithPrefetch(cfg.Subscriber.Prefetch),
		WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
	}
}

// Serve runs loop until it returns or closed delivers a broker error. A
// closed channel without an error means a local shutdown.
func Serve(ctx context.Context, loop func(context.Context) error, closed <-chan error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- loop(ctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case err, ok := <-closed:
		cancel()
		<-done
		if ok && err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return nil
	}
}

// PromptUsername asks for a username until a single non-empty word is
// given
func PromptUsername(console *Console, in *bufio.Reader) (string, error) {
	for {
		console.Printf("Please enter your username:")
		console.Prompt()
		line, err := in.ReadString('\n')
		words := strings.Fields(line)
		if len(words) == 1 {
			return words[0], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: username is required", ErrUsage)
			}
			return "", err
		}
		console.Printf("The username must be a single word")
	}
}
