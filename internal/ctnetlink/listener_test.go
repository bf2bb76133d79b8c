package ctnetlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ti-mo/conntrack"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSub struct {
	events chan conntrack.Event
	errs   chan error
	closed bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan conntrack.Event, 16), errs: make(chan error, 1)}
}

func (f *fakeSub) subscription() *subscription {
	return &subscription{events: f.events, errs: f.errs, close: func() error {
		f.closed = true
		return nil
	}}
}

// fakeKernel hands out prepared subscriptions, failing while failures > 0.
type fakeKernel struct {
	mu       sync.Mutex
	subs     []*fakeSub
	failures int
	dials    int
}

func (k *fakeKernel) dial(Options) (*subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dials++
	if k.failures > 0 {
		k.failures--
		return nil, errors.New("netlink: permission denied")
	}
	if len(k.subs) == 0 {
		return nil, errors.New("no more subscriptions")
	}
	s := k.subs[0]
	k.subs = k.subs[1:]
	return s.subscription(), nil
}

type errorCounts struct {
	mu    sync.Mutex
	kinds map[string]int
}

func (e *errorCounts) RecordError(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kinds == nil {
		e.kinds = make(map[string]int)
	}
	e.kinds[kind]++
}

func (e *errorCounts) count(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kinds[kind]
}

func newEvent(typ conntrack.Event) conntrack.Event {
	typ.Flow = tcpFlow()
	return typ
}

func receive(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestSubscribe_FailureIsReturned(t *testing.T) {
	kernel := &fakeKernel{failures: 1}
	_, err := subscribe(Options{}, kernel.dial, &errorCounts{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "permission denied")
	assert.Equal(t, 1, kernel.dials)
}

func TestListener_DeliversInOrder(t *testing.T) {
	first := newFakeSub()
	kernel := &fakeKernel{subs: []*fakeSub{first}}
	l, err := subscribe(Options{}, kernel.dial, &errorCounts{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	first.events <- newEvent(conntrack.Event{Type: conntrack.EventNew})
	first.events <- conntrack.Event{Type: conntrack.EventExpNew, Expect: &conntrack.Expect{}}
	first.events <- newEvent(conntrack.Event{Type: conntrack.EventUpdate})
	first.events <- newEvent(conntrack.Event{Type: conntrack.EventDestroy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, event.KindNew, receive(t, l.Events()).Kind)
	assert.Equal(t, event.KindUpdate, receive(t, l.Events()).Kind)
	assert.Equal(t, event.KindDestroy, receive(t, l.Events()).Kind)

	cancel()
	require.NoError(t, <-done)
	_, open := <-l.Events()
	assert.False(t, open)
	assert.True(t, first.closed)
}

func TestListener_Resubscribes(t *testing.T) {
	first, second := newFakeSub(), newFakeSub()
	kernel := &fakeKernel{subs: []*fakeSub{first, second}}
	errs := &errorCounts{}
	l, err := subscribe(Options{}, kernel.dial, errs, zaptest.NewLogger(t))
	require.NoError(t, err)
	l.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	// Two dial attempts fail before the second subscription comes up.
	kernel.mu.Lock()
	kernel.failures = 2
	kernel.mu.Unlock()

	first.events <- newEvent(conntrack.Event{Type: conntrack.EventNew})
	first.errs <- errors.New("netlink receive: recvmsg: no buffer space available")
	second.events <- newEvent(conntrack.Event{Type: conntrack.EventDestroy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, event.KindNew, receive(t, l.Events()).Kind)
	assert.Equal(t, event.KindDestroy, receive(t, l.Events()).Kind)

	cancel()
	require.NoError(t, <-done)

	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Equal(t, 4, kernel.dials)
	// one for the socket failure, one per failed dial
	assert.Equal(t, 3, errs.count(telemetry.ErrorKindSource))
}

func TestListener_ResyncAfterResubscribe(t *testing.T) {
	first, second := newFakeSub(), newFakeSub()
	kernel := &fakeKernel{subs: []*fakeSub{first, second}}
	l, err := subscribe(Options{}, kernel.dial, &errorCounts{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	l.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	dumps := 0
	l.dump = func(Options) ([]conntrack.Flow, error) {
		dumps++
		return []conntrack.Flow{*tcpFlow()}, nil
	}

	first.events <- newEvent(conntrack.Event{Type: conntrack.EventNew})
	first.errs <- errors.New("netlink receive: recvmsg: no buffer space available")
	second.events <- newEvent(conntrack.Event{Type: conntrack.EventDestroy})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, event.KindNew, receive(t, l.Events()).Kind)
	sync := receive(t, l.Events())
	assert.Equal(t, event.KindSync, sync.Kind)
	assert.Equal(t, 1, sync.Snapshot.Len())
	assert.Equal(t, event.KindDestroy, receive(t, l.Events()).Kind)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, dumps)
}

func TestListener_FailedDumpIsSkipped(t *testing.T) {
	first, second := newFakeSub(), newFakeSub()
	kernel := &fakeKernel{subs: []*fakeSub{first, second}}
	errs := &errorCounts{}
	l, err := subscribe(Options{}, kernel.dial, errs, zaptest.NewLogger(t))
	require.NoError(t, err)
	l.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	l.dump = func(Options) ([]conntrack.Flow, error) {
		return nil, errors.New("netlink: operation not permitted")
	}

	first.errs <- errors.New("socket closed")
	second.events <- newEvent(conntrack.Event{Type: conntrack.EventUpdate})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, event.KindUpdate, receive(t, l.Events()).Kind)

	cancel()
	require.NoError(t, <-done)
	// the socket failure and the failed dump
	assert.Equal(t, 2, errs.count(telemetry.ErrorKindSource))
}

func TestListener_PermanentResubscribeFailure(t *testing.T) {
	first := newFakeSub()
	kernel := &fakeKernel{subs: []*fakeSub{first}}
	l, err := subscribe(Options{}, kernel.dial, &errorCounts{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	l.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}

	first.errs <- errors.New("socket closed")
	err = l.Run(context.Background())
	assert.ErrorContains(t, err, "no more subscriptions")
	_, open := <-l.Events()
	assert.False(t, open)
}
