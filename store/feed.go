package store

import (
	"context"
	"sync"
)

// Feed queues change events for one watcher and delivers them in order on a
// channel, without ever blocking the publisher.
type Feed struct {
	mu      sync.Mutex
	pending []ChangeEvent
	signal  chan struct{}
	out     chan ChangeEvent
	done    chan struct{}
}

// NewFeed starts a feed that closes its channel once ctx ends.
func NewFeed(ctx context.Context) *Feed {
	f := &Feed{
		signal: make(chan struct{}, 1),
		out:    make(chan ChangeEvent),
		done:   make(chan struct{}),
	}
	go f.pump(ctx)
	return f
}

// C is the delivery channel.
func (f *Feed) C() <-chan ChangeEvent {
	return f.out
}

// Done is closed once the feed has stopped.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Publish queues event for delivery.
func (f *Feed) Publish(event ChangeEvent) {
	f.mu.Lock()
	f.pending = append(f.pending, event)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *Feed) pump(ctx context.Context) {
	defer close(f.done)
	defer close(f.out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.signal:
		}

		for {
			f.mu.Lock()
			if len(f.pending) == 0 {
				f.mu.Unlock()
				break
			}
			next := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()

			select {
			case f.out <- next:
			case <-ctx.Done():
				return
			}
		}
	}
}
