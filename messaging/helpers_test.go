package messaging

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/internal/rabbitmqtest"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestBroker(t *testing.T) *rabbitmqtest.Broker {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	require.NoError(t, rabbitmq.NewTopologyManager(broker).DeclareTopology(context.Background(), rabbitmq.PerilTopology()))
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func newTestPublisher(t *testing.T, broker *rabbitmqtest.Broker, options ...PublisherOption) (*ConfirmedPublisher, rabbitmq.Channel) {
	t.Helper()
	ch, err := broker.Channel()
	require.NoError(t, err)
	options = append([]PublisherOption{WithPublisherLogger(quietLogger)}, options...)
	p, err := NewConfirmedPublisher(ch, options...)
	require.NoError(t, err)
	return p, ch
}

func receiveValue[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
