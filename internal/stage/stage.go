// ABOUTME: Pipeline-stage runner for speech-input, model and speech-output collaborators
// ABOUTME: Each runner owns a buffered inbox fed from the bus and a worker goroutine

package stage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/bus"
)

// Stage is one pipeline collaborator. Process is called from the runner's
// worker goroutine, one event at a time.
type Stage interface {
	Name() string
	Process(ctx context.Context, evt bus.Event) error
}

// DefaultInboxSize is the runner's inbox capacity.
const DefaultInboxSize = 64

// Runner feeds bus events of the subscribed types through a stage. A slow
// stage sheds load: events that arrive while the inbox is full are dropped
// with a warning rather than stalling the bus workers.
type Runner struct {
	stage Stage
	bus   *bus.Bus
	types []bus.EventType

	inbox chan bus.Event
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	handler *inboxHandler
	logger  *slog.Logger
}

// NewRunner creates a runner for the stage, subscribed to the given event
// types once started.
func NewRunner(b *bus.Bus, stage Stage, types ...bus.EventType) *Runner {
	r := &Runner{
		stage:  stage,
		bus:    b,
		types:  types,
		inbox:  make(chan bus.Event, DefaultInboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "stage", "stage", stage.Name()),
	}
	r.handler = &inboxHandler{r: r}
	return r
}

type inboxHandler struct{ r *Runner }

func (h *inboxHandler) HandleEvent(evt bus.Event) {
	select {
	case h.r.inbox <- evt:
	default:
		h.r.logger.Warn("inbox full, dropping event", "type", evt.Type)
	}
}

// Start subscribes the runner and launches its worker. Calling Start more
// than once is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for _, t := range r.types {
			r.bus.Subscribe(t, r.handler)
		}
		go r.run(ctx)
		r.logger.Info("stage started")
	})
}

// Stop unsubscribes the runner and waits for the worker to exit. Events
// already in the inbox are discarded.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		for _, t := range r.types {
			r.bus.Unsubscribe(t, r.handler)
		}
		close(r.stop)
		<-r.done
		r.logger.Info("stage stopped")
	})
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case evt := <-r.inbox:
			if err := r.stage.Process(ctx, evt); err != nil {
				r.logger.Error("stage processing failed",
					"type", evt.Type, "error", err)
			}
		}
	}
}
