package peril

import (
	"log/slog"
	"time"

	"github.com/glimte/peril-go/messaging"
)

type options struct {
	logger         *slog.Logger
	prefetch       int
	confirmTimeout time.Duration
}

// Option configures a Client or Server
type Option func(*options)

// WithLogger sets the logger passed to every subscription and publisher
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPrefetch sets the per-subscription prefetch count
func WithPrefetch(count int) Option {
	return func(o *options) {
		o.prefetch = count
	}
}

// WithConfirmTimeout bounds how long a publish waits for its confirmation
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.confirmTimeout = timeout
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:   slog.Default(),
		prefetch: messaging.DefaultPrefetch,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) subscriberOptions() []messaging.SubscriberOption {
	return []messaging.SubscriberOption{
		messaging.WithPrefetch(o.prefetch),
		messaging.WithSubscriberLogger(o.logger),
	}
}

func (o *options) publisherOptions(appID string) []messaging.PublisherOption {
	opts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(o.logger),
		messaging.WithAppID(appID),
	}
	if o.confirmTimeout > 0 {
		opts = append(opts, messaging.WithConfirmTimeout(o.confirmTimeout))
	}
	return opts
}
