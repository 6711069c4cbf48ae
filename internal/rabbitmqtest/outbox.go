package rabbitmqtest

import "sync"

// outbox forwards values to a consumer-owned channel without ever blocking
// the broker lock. The destination is closed once the outbox stops. sent,
// when set, runs after each value the consumer has taken.
type outbox[T any] struct {
	out      chan T
	sent     func()
	mu       sync.Mutex
	buf      []T
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newOutbox[T any](out chan T, sent func()) *outbox[T] {
	o := &outbox[T]{
		out:  out,
		sent: sent,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox[T]) push(v T) {
	o.mu.Lock()
	o.buf = append(o.buf, v)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox[T]) close() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *outbox[T]) run() {
	defer close(o.done)
	defer close(o.out)

	for {
		o.mu.Lock()
		if len(o.buf) == 0 {
			o.mu.Unlock()
			select {
			case <-o.wake:
				continue
			case <-o.stop:
				return
			}
		}
		v := o.buf[0]
		o.buf = o.buf[1:]
		o.mu.Unlock()

		select {
		case o.out <- v:
			if o.sent != nil {
				o.sent()
			}
		case <-o.stop:
			return
		}
	}
}
