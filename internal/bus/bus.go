// ABOUTME: Typed publish/subscribe event bus with asynchronous fan-out
// ABOUTME: One FIFO dispatch loop feeds a bounded worker pool per handler call

package bus

import (
	"log/slog"
	"sync"
)

const (
	// DefaultWorkers bounds the number of handler invocations running at once.
	DefaultWorkers = 4

	// DefaultQueueSize is the admission capacity of the publish queue.
	DefaultQueueSize = 256
)

// Handler receives events for the types it subscribed to. Implementations
// must be comparable (use pointer receivers); the bus deduplicates
// subscriptions by handler identity.
type Handler interface {
	HandleEvent(Event)
}

// Bus is an in-process typed pub/sub broker. Publish enqueues into a single
// FIFO queue; a dispatch goroutine submits each event to every registered
// handler for its type via a bounded worker pool. Events are admitted to
// dispatch in publish order, but handler completion is unordered: a slow
// handler for event N does not delay dispatch of event N+1.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue   chan Event
	slots   chan struct{}
	stop    chan struct{}
	drained chan struct{}
	tasks   sync.WaitGroup

	closeOnce sync.Once
	logger    *slog.Logger
}

// Options configures a Bus. Zero values fall back to defaults.
type Options struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// New creates a Bus and starts its dispatch loop.
func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, opts.QueueSize),
		slots:    make(chan struct{}, opts.Workers),
		stop:     make(chan struct{}),
		drained:  make(chan struct{}),
		logger:   logger.With("component", "bus"),
	}

	go b.dispatchLoop()
	return b
}

// Subscribe registers handler for events of the given type. Subscribing the
// same handler twice for the same type is a no-op.
func (b *Bus) Subscribe(t EventType, h Handler) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.handlers[t] {
		if existing == h {
			return
		}
	}
	b.handlers[t] = append(b.handlers[t], h)
}

// Unsubscribe removes handler for the given type. Removing a handler that
// was never subscribed is a no-op.
func (b *Bus) Unsubscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.handlers[t]
	for i, existing := range hs {
		if existing == h {
			b.handlers[t] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for dispatch. It never executes handlers
// synchronously and blocks only on queue admission. Publishing after
// Shutdown drops the event.
func (b *Bus) Publish(evt Event) {
	select {
	case <-b.stop:
		b.logger.Debug("dropped event published after shutdown", "type", evt.Type)
	case b.queue <- evt:
	}
}

// dispatchLoop dequeues events in FIFO order and fans each one out to the
// handlers registered for its type at dispatch time.
func (b *Bus) dispatchLoop() {
	defer close(b.drained)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			// Drain whatever made it into the queue before shutdown.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

// dispatch submits every registered handler for the event to the worker
// pool. Handlers are copied out under the read lock so slow handlers never
// hold up subscription changes.
func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[evt.Type]))
	copy(hs, b.handlers[evt.Type])
	b.mu.RUnlock()

	for _, h := range hs {
		b.slots <- struct{}{}
		b.tasks.Add(1)
		go func(h Handler) {
			defer func() {
				<-b.slots
				b.tasks.Done()
				if r := recover(); r != nil {
					b.logger.Error("handler panicked",
						"type", evt.Type,
						"panic", r)
				}
			}()
			h.HandleEvent(evt)
		}(h)
	}
}

// Shutdown stops the dispatch loop. With wait=true it first drains the
// queue and waits for all in-flight handler invocations to return.
func (b *Bus) Shutdown(wait bool) {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	if wait {
		<-b.drained
		b.tasks.Wait()
	}
	b.logger.Debug("bus stopped", "waited", wait)
}
