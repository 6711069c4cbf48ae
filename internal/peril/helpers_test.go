package peril

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/internal/rabbitmqtest"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// safeBuffer lets tests read console output while handlers write it
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *safeBuffer) Contains(s string) bool {
	return strings.Contains(b.String(), s)
}

func newTestBroker(t *testing.T) *rabbitmqtest.Broker {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	require.NoError(t, rabbitmq.NewTopologyManager(broker).DeclareTopology(context.Background(), rabbitmq.PerilTopology()))
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func startClient(t *testing.T, broker *rabbitmqtest.Broker, username string) (*Client, *safeBuffer) {
	t.Helper()
	out := &safeBuffer{}
	client := NewClient(broker, username, NewConsole(out), WithLogger(quietLogger))
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client, out
}

func startServer(t *testing.T, broker *rabbitmqtest.Broker) (*Server, *safeBuffer) {
	t.Helper()
	out := &safeBuffer{}
	server := NewServer(broker, NewConsole(out), WithLogger(quietLogger))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Close() })
	return server, out
}

type publishCall struct {
	exchange string
	key      string
	value    interface{}
	codec    string
}

// stubPublisher records publishes and fails with err when set
type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *stubPublisher) PublishJSON(_ context.Context, exchange, key string, v interface{}) error {
	return p.record(exchange, key, v, "json")
}

func (p *stubPublisher) PublishGob(_ context.Context, exchange, key string, v interface{}) error {
	return p.record(exchange, key, v, "gob")
}

func (p *stubPublisher) record(exchange, key string, v interface{}, codec string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{exchange: exchange, key: key, value: v, codec: codec})
	return p.err
}

// pipeReader returns a reader that blocks until release is called
func pipeReader() (io.Reader, func()) {
	r, w := io.Pipe()
	return r, func() { _ = w.Close() }
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
