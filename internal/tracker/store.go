package tracker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Ongy/conntracker/internal/event"
)

// Store maps connection tuples to live connection records.
type Store struct {
	records map[ConnectionID]*Record    // arena: id -> record
	index   map[event.Tuple]ConnectionID // original tuple -> id
	lastID  ConnectionID
	live    atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[ConnectionID]*Record),
		index:   make(map[event.Tuple]ConnectionID),
	}
}

// Lookup resolves a tuple to the id of its live connection.
func (s *Store) Lookup(tuple event.Tuple) (ConnectionID, bool) {
	id, ok := s.index[tuple]
	return id, ok
}

// Get returns a copy of the live record for id.
func (s *Store) Get(id ConnectionID) (Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Create assigns a new id to an unseen tuple and stores its record in StateCreating.
func (s *Store) Create(tuple, reply event.Tuple, kernelID uint32, now time.Time) (ConnectionID, error) {
	if id, ok := s.index[tuple]; ok {
		return 0, &DuplicateTupleError{Tuple: tuple, ID: id}
	}

	s.lastID++
	id := s.lastID
	s.records[id] = &Record{
		ID:         id,
		Tuple:      tuple,
		Reply:      reply,
		State:      StateCreating,
		KernelID:   kernelID,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	s.index[tuple] = id
	s.live.Store(int64(len(s.records)))

	return id, nil
}

// Touch records an update on the connection.
func (s *Store) Touch(id ConnectionID, now time.Time) error {
	rec, ok := s.records[id]
	if !ok {
		return &UnknownIDError{ID: id}
	}
	rec.LastSeenAt = now
	rec.UpdateCount++
	return nil
}

// Transition moves the connection to state and stores the latest conntrack fields.
// StateClosed is reached only through Remove.
func (s *Store) Transition(id ConnectionID, state State, tcpState event.TCPState, status event.Status) error {
	rec, ok := s.records[id]
	if !ok {
		return &UnknownIDError{ID: id}
	}
	if state == StateClosed {
		return fmt.Errorf("connection %d: closed records are removed, not transitioned", id)
	}
	rec.State = state
	rec.TCPState = tcpState
	rec.Status = status
	return nil
}

// MarkInClose flags the connection as first seen already closing.
func (s *Store) MarkInClose(id ConnectionID) error {
	rec, ok := s.records[id]
	if !ok {
		return &UnknownIDError{ID: id}
	}
	rec.InClose = true
	return nil
}

// AttachSpan hands the connection's span to its record. The span is returned to the
// caller exactly once, by Remove.
func (s *Store) AttachSpan(id ConnectionID, span SpanHandle) error {
	rec, ok := s.records[id]
	if !ok {
		return &UnknownIDError{ID: id}
	}
	rec.Span = span
	return nil
}

// Remove drops the connection for tuple and returns its final record in StateClosed.
// Removing an unknown tuple is a no-op: connections that existed before the tracker
// started are destroyed without ever having been seen.
func (s *Store) Remove(tuple event.Tuple) (Record, bool) {
	id, ok := s.index[tuple]
	if !ok {
		return Record{}, false
	}

	rec := s.records[id]
	delete(s.index, tuple)
	delete(s.records, id)
	s.live.Store(int64(len(s.records)))

	final := *rec
	final.State = StateClosed
	return final, true
}

// Range calls fn with a copy of every live record until fn returns false. fn must
// not mutate the store; collect what to change and apply it afterwards.
func (s *Store) Range(fn func(Record) bool) {
	for _, rec := range s.records {
		if !fn(*rec) {
			return
		}
	}
}

// Size returns the number of live connections.
func (s *Store) Size() int {
	return len(s.records)
}

// Snapshot returns the live connection count as of the last mutation.
// Safe to call from any goroutine.
func (s *Store) Snapshot() int64 {
	return s.live.Load()
}

// CheckConsistency verifies that the index and the arena describe the same set of
// connections.
func (s *Store) CheckConsistency() error {
	if len(s.index) != len(s.records) {
		return fmt.Errorf("index has %d tuples but arena has %d records", len(s.index), len(s.records))
	}
	for tuple, id := range s.index {
		rec, ok := s.records[id]
		if !ok {
			return fmt.Errorf("tuple %s points at missing connection %d", tuple, id)
		}
		if rec.Tuple != tuple {
			return fmt.Errorf("connection %d is indexed by %s but holds %s", id, tuple, rec.Tuple)
		}
		if rec.State == StateClosed {
			return fmt.Errorf("connection %d is closed but still indexed", id)
		}
	}
	return nil
}
