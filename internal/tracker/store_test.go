package tracker

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ongy/conntracker/internal/event"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func tuple(sport uint16) event.Tuple {
	return event.Tuple{
		Protocol: event.ProtoTCP,
		Src:      netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), sport),
		Dst:      netip.MustParseAddrPort("192.0.2.10:443"),
	}
}

func TestStore_CreateAndLookup(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)

	id, err := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, err)

	got, ok := s.Lookup(tup)
	require.True(t, ok)
	assert.Equal(t, id, got)

	rec, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCreating, rec.State)
	assert.Equal(t, tup, rec.Tuple)
	assert.Equal(t, tup.Mirror(), rec.Reply)
	assert.Equal(t, t0, rec.CreatedAt)
	assert.Equal(t, t0, rec.LastSeenAt)
	assert.Zero(t, rec.UpdateCount)

	assert.Equal(t, 1, s.Size())
	assert.Equal(t, int64(1), s.Snapshot())
	assert.NoError(t, s.CheckConsistency())
}

func TestStore_LookupNonExistent(t *testing.T) {
	s := NewStore()

	if _, ok := s.Lookup(tuple(1)); ok {
		t.Error("Lookup() found a tuple in an empty store")
	}
	if _, ok := s.Get(1); ok {
		t.Error("Get() found an id in an empty store")
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)

	id, err := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, err)

	_, err = s.Create(tup, tup.Mirror(), 0, t0)
	var dup *DuplicateTupleError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, id, dup.ID)
	assert.Equal(t, tup, dup.Tuple)

	assert.Equal(t, 1, s.Size())
	assert.NoError(t, s.CheckConsistency())
}

func TestStore_IDsAreNeverReused(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)

	first, err := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, err)
	_, ok := s.Remove(tup)
	require.True(t, ok)

	second, err := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestStore_Touch(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)
	id, err := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, err)

	later := t0.Add(3 * time.Second)
	require.NoError(t, s.Touch(id, later))
	require.NoError(t, s.Touch(id, later))

	rec, _ := s.Get(id)
	assert.Equal(t, later, rec.LastSeenAt)
	assert.Equal(t, uint64(2), rec.UpdateCount)
	assert.Equal(t, 3*time.Second, rec.Lifetime(later))
}

func TestStore_UnknownID(t *testing.T) {
	s := NewStore()

	var unknown *UnknownIDError
	assert.ErrorAs(t, s.Touch(7, t0), &unknown)
	assert.Equal(t, ConnectionID(7), unknown.ID)
	assert.ErrorAs(t, s.Transition(7, StateTracked, event.TCPStateEstablished, 0), &unknown)
	assert.ErrorAs(t, s.AttachSpan(7, "span"), &unknown)
}

func TestStore_Transition(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)
	id, _ := s.Create(tup, tup.Mirror(), 0, t0)

	status := event.StatusConfirmed | event.StatusAssured
	require.NoError(t, s.Transition(id, StateTracked, event.TCPStateEstablished, status))

	rec, _ := s.Get(id)
	assert.Equal(t, StateTracked, rec.State)
	assert.Equal(t, event.TCPStateEstablished, rec.TCPState)
	assert.Equal(t, status, rec.Status)

	err := s.Transition(id, StateClosed, event.TCPStateClose, status)
	require.Error(t, err)
	var unknown *UnknownIDError
	assert.False(t, errors.As(err, &unknown))
}

func TestStore_RemoveReturnsSpan(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)
	id, _ := s.Create(tup, tup.Mirror(), 0, t0)
	require.NoError(t, s.AttachSpan(id, "creation-span"))

	rec, ok := s.Remove(tup)
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, "creation-span", rec.Span)

	_, ok = s.Lookup(tup)
	assert.False(t, ok)
	_, ok = s.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, int64(0), s.Snapshot())
	assert.NoError(t, s.CheckConsistency())
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)

	rec, ok := s.Remove(tup)
	assert.False(t, ok)
	assert.Equal(t, Record{}, rec)

	_, _ = s.Create(tup, tup.Mirror(), 0, t0)
	_, ok = s.Remove(tup)
	assert.True(t, ok)
	_, ok = s.Remove(tup)
	assert.False(t, ok)
	assert.NoError(t, s.CheckConsistency())
}

func TestStore_ConsistencyUnderChurn(t *testing.T) {
	s := NewStore()
	now := t0

	for i := 0; i < 200; i++ {
		tup := tuple(uint16(30000 + i%37))
		now = now.Add(time.Millisecond)

		switch i % 3 {
		case 0, 1:
			if id, ok := s.Lookup(tup); ok {
				require.NoError(t, s.Touch(id, now))
			} else {
				_, err := s.Create(tup, tup.Mirror(), 0, now)
				require.NoError(t, err)
			}
		case 2:
			s.Remove(tup)
		}

		require.NoError(t, s.CheckConsistency(), "after step %d", i)
		assert.Equal(t, int64(s.Size()), s.Snapshot(), "after step %d", i)
	}
}

func TestStore_CheckConsistencyDetectsOrphans(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)
	id, _ := s.Create(tup, tup.Mirror(), 0, t0)

	delete(s.records, id)
	err := s.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(id))
}

func TestStore_KernelIDAndInClose(t *testing.T) {
	s := NewStore()
	tup := tuple(40000)
	id, err := s.Create(tup, tup.Mirror(), 4242, t0)
	require.NoError(t, err)

	require.NoError(t, s.MarkInClose(id))
	rec, _ := s.Get(id)
	assert.Equal(t, uint32(4242), rec.KernelID)
	assert.True(t, rec.InClose)

	final, ok := s.Remove(tup)
	require.True(t, ok)
	assert.True(t, final.InClose)

	var unknown *UnknownIDError
	assert.ErrorAs(t, s.MarkInClose(id), &unknown)
}

func TestStore_Range(t *testing.T) {
	s := NewStore()
	for port := uint16(1); port <= 5; port++ {
		tup := tuple(port)
		_, err := s.Create(tup, tup.Mirror(), uint32(port), t0)
		require.NoError(t, err)
	}

	seen := map[uint32]bool{}
	s.Range(func(rec Record) bool {
		seen[rec.KernelID] = true
		return true
	})
	assert.Len(t, seen, 5)

	calls := 0
	s.Range(func(Record) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "creating", StateCreating.String())
	assert.Equal(t, "tracked", StateTracked.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
