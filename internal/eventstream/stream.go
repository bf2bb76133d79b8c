package eventstream

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/eventprocessor"
)

// DefaultBatchSize bounds the number of events handled per drain cycle.
const DefaultBatchSize = 256

// Recorder receives batch level statistics.
type Recorder interface {
	ObserveEvent()
	RecordBatch(n int)
}

// State is the loop state.
type State uint32

const (
	// Idle waits for the first event of the next batch.
	Idle State = iota
	// Draining handles queued events until the source is momentarily empty.
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Stream reads events from a channel and dispatches them to a handler in batches.
type Stream struct {
	events    <-chan event.Event
	handler   eventprocessor.EventHandler
	recorder  Recorder
	batchSize int
	logger    *zap.Logger

	state    atomic.Uint32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// New creates a new Stream. A batchSize below one uses DefaultBatchSize.
func New(events <-chan event.Event, handler eventprocessor.EventHandler, recorder Recorder, batchSize int, logger *zap.Logger) *Stream {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Stream{
		events:    events,
		handler:   handler,
		recorder:  recorder,
		batchSize: batchSize,
		logger:    logger.Named("eventstream"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins processing events in a goroutine.
// It returns immediately and processes events in the background until
// the context is cancelled, Stop is called or the event channel is closed.
// Run's result is available from Err once Done is closed.
func (s *Stream) Start(ctx context.Context) {
	go func() {
		_ = s.Run(ctx)
	}()
}

// Stop signals the event processing loop to stop after the current batch.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// Done is closed when the loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the loop exited with. It is only meaningful after Done
// is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the current loop state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Run is the main event loop. It blocks until the context is cancelled, Stop is
// called or the event channel is closed, and always finishes the batch in progress.
func (s *Stream) Run(ctx context.Context) (err error) {
	defer func() {
		s.err = err
		close(s.done)
	}()

	for {
		if _, more := s.Drain(ctx); !more {
			s.logger.Debug("event loop stopped")
			return nil
		}
	}
}

// Drain runs one cycle: wait for an event, then handle queued events until none is
// immediately available or the batch is full. It returns the number of events
// handled and whether the loop should continue.
func (s *Stream) Drain(ctx context.Context) (int, bool) {
	s.state.Store(uint32(Idle))

	var first event.Event
	select {
	case <-ctx.Done():
		return 0, false
	case <-s.stopCh:
		return 0, false
	case ev, ok := <-s.events:
		if !ok {
			return 0, false
		}
		first = ev
	}

	s.state.Store(uint32(Draining))
	defer s.state.Store(uint32(Idle))

	s.handle(first)
	n, open := 1, true

drain:
	for n < s.batchSize {
		select {
		case ev, ok := <-s.events:
			if !ok {
				open = false
				break drain
			}
			s.handle(ev)
			n++
		default:
			break drain
		}
	}

	s.recorder.RecordBatch(n)
	return n, open
}

func (s *Stream) handle(ev event.Event) {
	// Snapshots are produced by the source itself, not read from the kernel's event
	// groups, so they stay out of the observed count.
	if ev.Kind != event.KindSync {
		s.recorder.ObserveEvent()
	}
	if err := s.handler.HandleEvent(ev); err != nil {
		s.logger.Error("handling event", zap.Stringer("kind", ev.Kind), zap.Stringer("tuple", ev.Tuple), zap.Error(err))
	}
}
