package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/peril-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

type dialFunc func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the broker connection. It retries the initial dial
// but does not reconnect once an established connection drops.
type ConnectionManager struct {
	url            string
	name           string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dialTimeout    time.Duration
	heartbeat      time.Duration
	retryPolicy    reliability.RetryPolicy
	dial           dialFunc
	logger         *slog.Logger
	isConnected    bool
	closing        bool
	closed         chan error
	closeOnce      sync.Once
	closeErr       error
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds each TCP dial and AMQP handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialAttempts sets how many times Connect dials before giving up
func WithDialAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if attempts < 1 {
			attempts = 1
		}
		cm.retryPolicy = reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, attempts-1)
	}
}

// WithRetryPolicy replaces the startup dial retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryPolicy = policy
	}
}

// WithConnectionName sets the client connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		name:        "peril",
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		retryPolicy: reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 2),
		dial:        amqp.DialConfig,
		logger:      slog.Default(),
		closed:      make(chan error, 1),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying according to the retry policy
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	if cm.closing {
		return ErrConnectionClosed
	}

	if _, err := amqp.ParseURI(cm.url); err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	var conn *amqp.Connection
	attempts := 0
	err := reliability.Retry(ctx, "dial", cm.retryPolicy, func(attempt int) error {
		attempts = attempt + 1
		c, err := cm.dial(cm.url, cm.config())
		if err != nil {
			cm.logger.Warn("dial failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err)
			if !IsRetryable(err) {
				return reliability.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempts)

	cm.notifyConnected()
	return nil
}

func (cm *ConnectionManager) config() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)

	return amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(cm.dialTimeout),
		Properties: props,
	}
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		if cm.closeErr != nil || cm.closing {
			return nil, ErrConnectionClosed
		}
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Closed delivers the error that ended the connection, once. It is closed
// without a value after Close.
func (cm *ConnectionManager) Closed() <-chan error {
	return cm.closed
}

// Err returns the error that ended the connection, if any
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.closeErr
}

// Close closes the connection. It is safe to call more than once.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		return nil
	}
	cm.closing = true
	conn := cm.conn
	connected := cm.isConnected
	cm.mu.Unlock()

	if !connected || conn == nil {
		cm.markClosed(nil)
		return nil
	}

	err := conn.Close()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	cm.markClosed(nil)
	return err
}

// watch waits for the broker to close the connection
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok || amqpErr == nil {
		cm.markClosed(nil)
		return
	}
	cm.markClosed(amqpErr)
}

func (cm *ConnectionManager) markClosed(err error) {
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.closeErr = err
		cm.mu.Unlock()

		if err != nil {
			cm.logger.Error("connection closed", "error", err)
			cm.notifyDisconnected(err)
			cm.closed <- err
		} else {
			cm.logger.Info("connection manager shutting down")
		}
		close(cm.closed)
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
