// Package classifier decides which telemetry a conntrack event produces.
//
// Classify is a pure function of the event and the tracker's record for the event's
// tuple, if any. It never touches the store or the sinks: the event processor applies
// the returned Decision to both.
//
// Every decision carries exactly one Action, so counting actions accounts for every
// event that was classified.
package classifier

import (
	"fmt"

	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/tracker"
)

// Outcome is the lifecycle meaning of an event.
type Outcome uint8

// Event outcomes.
const (
	NewConnection Outcome = iota
	SignificantUpdate
	InsignificantUpdate
	ConnectionClosed
)

func (o Outcome) String() string {
	switch o {
	case NewConnection:
		return "new_connection"
	case SignificantUpdate:
		return "significant_update"
	case InsignificantUpdate:
		return "insignificant_update"
	case ConnectionClosed:
		return "connection_closed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Action selects the counter an event is reported on.
type Action uint8

// Telemetry actions.
const (
	ActionDirect Action = iota
	ActionDelayed
	ActionSkip
	ActionCreatedInClose
)

func (a Action) String() string {
	switch a {
	case ActionDirect:
		return "direct"
	case ActionDelayed:
		return "delayed"
	case ActionSkip:
		return "skip"
	case ActionCreatedInClose:
		return "created_in_close"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Input is what the classifier sees for one event.
type Input struct {
	Event event.Event
	// Prior is the live record for Event.Tuple, nil when the tuple is not tracked.
	Prior *tracker.Record
}

// Decision is the classifier's verdict on one event.
type Decision struct {
	Outcome    Outcome
	Action     Action
	GaugeDelta int64

	// NextState is the lifecycle state the record moves to. Meaningless when no
	// record exists after the event.
	NextState tracker.State

	CreateRecord bool
	RemoveRecord bool
	StartSpan    bool // open the per-connection creation span
	CloseSpan    bool // emit a closure span

	// InClose is set for connections first seen already closing: the record is
	// created without a creation span and is never counted as active.
	InClose bool
	// Supersede closes the prior record for the tuple as stale before the event is
	// applied as a new connection. GaugeDelta covers the new connection only; the
	// stale record's gauge step belongs to its closure.
	Supersede bool

	Reason string
}

// reportedStatus are the status bits whose appearance is worth a signal of its own.
const reportedStatus = event.StatusSeenReply | event.StatusAssured | event.StatusDying

// Classify maps an event and the prior record for its tuple to a Decision.
func Classify(in Input) Decision {
	ev := in.Event

	switch ev.Kind {
	case event.KindDestroy:
		if in.Prior == nil {
			return Decision{
				Outcome:   ConnectionClosed,
				Action:    ActionCreatedInClose,
				NextState: tracker.StateClosed,
				CloseSpan: true,
				InClose:   true,
				Reason:    "destroy for untracked tuple",
			}
		}
		d := Decision{
			Outcome:      ConnectionClosed,
			Action:       ActionSkip,
			GaugeDelta:   -1,
			NextState:    tracker.StateClosed,
			RemoveRecord: true,
			CloseSpan:    true,
			Reason:       "destroy",
		}
		if in.Prior.InClose {
			d.GaugeDelta = 0
			d.InClose = true
		}
		return d

	case event.KindNew, event.KindUpdate:
		if in.Prior == nil {
			return classifyUnseen(ev)
		}
		if reason, ok := superseded(ev, in.Prior); ok {
			d := classifyUnseen(ev)
			d.Supersede = true
			d.Reason = reason
			return d
		}
		return classifyUpdate(ev, in.Prior)

	default:
		state := tracker.StateCreating
		if in.Prior != nil {
			state = in.Prior.State
		}
		return Decision{
			Outcome:   InsignificantUpdate,
			Action:    ActionSkip,
			NextState: state,
			Reason:    "unknown event kind",
		}
	}
}

// superseded reports whether the event belongs to a different flow than the record
// for its tuple. The kernel announces each flow with exactly one NEW, and a changed
// kernel id means the tuple was reused after a DESTROY that never reached us.
func superseded(ev event.Event, prior *tracker.Record) (string, bool) {
	if ev.Kind == event.KindNew {
		return "new for tracked tuple", true
	}
	if id := ev.Payload.KernelID; id != 0 && prior.KernelID != 0 && id != prior.KernelID {
		return fmt.Sprintf("kernel id %d replaced %d", id, prior.KernelID), true
	}
	return "", false
}

// classifyUnseen handles NEW and UPDATE for a tuple without a record. A flow that is
// already terminal still gets a record so that its remaining UPDATEs and its DESTROY
// are attributed to it instead of counting as further closures.
func classifyUnseen(ev event.Event) Decision {
	if ev.Payload.Terminal() {
		return Decision{
			Outcome:      ConnectionClosed,
			Action:       ActionCreatedInClose,
			NextState:    tracker.StateClosing,
			CreateRecord: true,
			InClose:      true,
			Reason:       fmt.Sprintf("%s for untracked tuple already terminal", ev.Kind),
		}
	}

	reason := "new"
	if ev.Kind == event.KindUpdate {
		reason = "update for untracked tuple"
	}
	return Decision{
		Outcome:      NewConnection,
		Action:       ActionDirect,
		GaugeDelta:   1,
		NextState:    stateFor(tracker.StateCreating, ev.Payload),
		CreateRecord: true,
		StartSpan:    true,
		Reason:       reason,
	}
}

func classifyUpdate(ev event.Event, prior *tracker.Record) Decision {
	next := stateFor(prior.State, ev.Payload)

	reason, significant := significance(prior, ev.Payload)
	if !significant {
		return Decision{
			Outcome:   InsignificantUpdate,
			Action:    ActionSkip,
			NextState: next,
			Reason:    "no reportable change",
		}
	}

	action := ActionDirect
	if prior.State == tracker.StateClosing {
		action = ActionDelayed
	}
	return Decision{
		Outcome:   SignificantUpdate,
		Action:    action,
		NextState: next,
		Reason:    reason,
	}
}

// significance reports whether the payload changes anything dashboards care about
// compared to the record: a TCP phase change or a newly set reported status bit.
func significance(prior *tracker.Record, p event.Payload) (string, bool) {
	if p.TCPState != event.TCPStateNone {
		from, to := prior.TCPState.Phase(), p.TCPState.Phase()
		if to != event.PhaseUnknown && from != to {
			return fmt.Sprintf("tcp %s -> %s", prior.TCPState, p.TCPState), true
		}
	}
	if added := p.Status.Added(prior.Status) & reportedStatus; added != 0 {
		return "status +" + added.String(), true
	}
	return "", false
}

// stateFor derives the lifecycle state from the payload. States only move forward.
func stateFor(current tracker.State, p event.Payload) tracker.State {
	derived := tracker.StateCreating
	switch {
	case p.Terminal() || p.TCPState.Phase() == event.PhaseClosing:
		derived = tracker.StateClosing
	case p.TCPState.Phase() == event.PhaseEstablished || p.Status.Has(event.StatusAssured):
		derived = tracker.StateTracked
	}
	if derived < current {
		return current
	}
	return derived
}
