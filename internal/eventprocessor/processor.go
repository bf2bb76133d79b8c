package eventprocessor

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Ongy/conntracker/internal/classifier"
	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/telemetry"
	"github.com/Ongy/conntracker/internal/tracker"
)

// EventHandler is the interface for handling decoded conntrack events.
type EventHandler interface {
	HandleEvent(ev event.Event) error
}

// Store is the subset of tracker.Store the processor mutates.
type Store interface {
	Lookup(tuple event.Tuple) (tracker.ConnectionID, bool)
	Get(id tracker.ConnectionID) (tracker.Record, bool)
	Create(tuple, reply event.Tuple, kernelID uint32, now time.Time) (tracker.ConnectionID, error)
	Touch(id tracker.ConnectionID, now time.Time) error
	Transition(id tracker.ConnectionID, state tracker.State, tcpState event.TCPState, status event.Status) error
	AttachSpan(id tracker.ConnectionID, span tracker.SpanHandle) error
	MarkInClose(id tracker.ConnectionID) error
	Range(fn func(tracker.Record) bool)
	Remove(tuple event.Tuple) (tracker.Record, bool)
}

var _ Store = (*tracker.Store)(nil)

// Processor coordinates event processing.
// It looks up the connection, classifies the event, applies the decision to the
// store and hands it to the emitter.
type Processor struct {
	store   Store
	emitter *telemetry.Emitter
	clock   clock.Clock
	logger  *zap.Logger
}

// NewProcessor creates a new event processor.
func NewProcessor(store Store, emitter *telemetry.Emitter, clk clock.Clock, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		emitter: emitter,
		clock:   clk,
		logger:  logger.Named("processor"),
	}
}

// HandleEvent classifies one event and emits its telemetry. Every call produces
// exactly one decision counter increment, including calls that return an error.
// SYNC events are the exception: they reconcile the store and count no decision.
func (p *Processor) HandleEvent(ev event.Event) error {
	at := ev.Observed
	if at.IsZero() {
		at = p.clock.Now()
	}

	if ev.Kind == event.KindSync {
		p.reconcile(ev.Snapshot, at)
		return nil
	}

	var prior *tracker.Record
	if id, ok := p.store.Lookup(ev.Tuple); ok {
		if rec, ok := p.store.Get(id); ok {
			prior = &rec
		}
	}

	d := classifier.Classify(classifier.Input{Event: ev, Prior: prior})
	return p.apply(d, ev, prior, at)
}

func (p *Processor) apply(d classifier.Decision, ev event.Event, prior *tracker.Record, at time.Time) error {
	if ce := p.logger.Check(zap.DebugLevel, "classified event"); ce != nil {
		ce.Write(
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("tuple", ev.Tuple),
			zap.Stringer("outcome", d.Outcome),
			zap.Stringer("action", d.Action),
			zap.String("reason", d.Reason),
		)
	}

	if d.Supersede {
		p.closeStale(ev.Tuple, at)
	}

	switch {
	case d.CreateRecord:
		return p.handleOpen(d, ev, at)
	case d.RemoveRecord:
		return p.handleClose(d, ev, at)
	case prior != nil:
		return p.handleUpdate(d, ev, prior, at)
	default:
		p.emitter.Emit(d, ev, nil, at)
		return nil
	}
}

// handleOpen creates the record, emits the creation telemetry and stores the span.
func (p *Processor) handleOpen(d classifier.Decision, ev event.Event, at time.Time) error {
	id, err := p.store.Create(ev.Tuple, ev.Reply, ev.Payload.KernelID, at)
	if err != nil {
		var dup *tracker.DuplicateTupleError
		if errors.As(err, &dup) {
			p.emitter.RecordError(telemetry.ErrorKindDuplicateTuple)
		}
		p.emitter.Emit(skipped("record creation failed"), ev, nil, at)
		return fmt.Errorf("creating record for %s: %w", ev.Tuple, err)
	}

	transitionErr := p.store.Transition(id, d.NextState, ev.Payload.TCPState, ev.Payload.Status)
	if d.InClose {
		if err := p.store.MarkInClose(id); err != nil {
			transitionErr = errors.Join(transitionErr, err)
		}
	}

	rec, _ := p.store.Get(id)
	if span := p.emitter.Emit(d, ev, &rec, at); span != nil {
		if err := p.store.AttachSpan(id, span); err != nil {
			return fmt.Errorf("attaching span to connection %d: %w", id, err)
		}
	}
	if transitionErr != nil {
		return fmt.Errorf("initialising connection %d: %w", id, transitionErr)
	}
	return nil
}

// handleUpdate records activity on a tracked connection. A record that vanished
// between lookup and update is recovered by classifying the event as unseen.
func (p *Processor) handleUpdate(d classifier.Decision, ev event.Event, prior *tracker.Record, at time.Time) error {
	if err := p.store.Touch(prior.ID, at); err != nil {
		var unknown *tracker.UnknownIDError
		if !errors.As(err, &unknown) {
			p.emitter.Emit(d, ev, prior, at)
			return fmt.Errorf("touching connection %d: %w", prior.ID, err)
		}

		p.emitter.RecordError(telemetry.ErrorKindUnknownID)
		p.logger.Warn("connection vanished before update, treating as unseen",
			zap.Uint64("id", uint64(unknown.ID)),
			zap.Stringer("tuple", ev.Tuple),
		)
		return p.apply(classifier.Classify(classifier.Input{Event: ev}), ev, nil, at)
	}

	if err := p.store.Transition(prior.ID, d.NextState, ev.Payload.TCPState, ev.Payload.Status); err != nil {
		p.emitter.Emit(d, ev, prior, at)
		return fmt.Errorf("transitioning connection %d: %w", prior.ID, err)
	}

	rec, _ := p.store.Get(prior.ID)
	p.emitter.Emit(d, ev, &rec, at)
	return nil
}

// handleClose removes the record and emits the closure telemetry.
func (p *Processor) handleClose(d classifier.Decision, ev event.Event, at time.Time) error {
	rec, ok := p.store.Remove(ev.Tuple)
	if !ok {
		p.emitter.RecordError(telemetry.ErrorKindUnknownID)
		p.emitter.Emit(classifier.Classify(classifier.Input{Event: ev}), ev, nil, at)
		return nil
	}

	p.emitter.Emit(d, ev, &rec, at)

	p.logger.Debug("connection closed",
		zap.Uint64("id", uint64(rec.ID)),
		zap.Stringer("tuple", rec.Tuple),
		zap.Duration("lifetime", rec.Lifetime(at)),
		zap.Uint64("updates", rec.UpdateCount),
	)
	return nil
}

// reconcile retires every record whose tuple is missing from the table snapshot.
func (p *Processor) reconcile(snap *event.Snapshot, at time.Time) {
	var stale []event.Tuple
	p.store.Range(func(rec tracker.Record) bool {
		if !snap.Contains(rec.Tuple) {
			stale = append(stale, rec.Tuple)
		}
		return true
	})
	for _, tuple := range stale {
		p.closeStale(tuple, at)
	}

	p.logger.Info("reconciled with conntrack table",
		zap.Int("kernel_flows", snap.Len()),
		zap.Int("retired", len(stale)),
	)
}

// closeStale retires the record currently holding tuple. Its DESTROY was lost, so
// the closure is reported on its behalf.
func (p *Processor) closeStale(tuple event.Tuple, at time.Time) {
	rec, ok := p.store.Remove(tuple)
	if !ok {
		return
	}
	p.emitter.CloseStale(rec, at)

	p.logger.Info("closed stale connection",
		zap.Uint64("id", uint64(rec.ID)),
		zap.Stringer("tuple", rec.Tuple),
		zap.Uint32("kernel_id", rec.KernelID),
		zap.Duration("lifetime", rec.Lifetime(at)),
	)
}

func skipped(reason string) classifier.Decision {
	return classifier.Decision{
		Outcome: classifier.InsignificantUpdate,
		Action:  classifier.ActionSkip,
		Reason:  reason,
	}
}
