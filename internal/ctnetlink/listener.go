package ctnetlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ti-mo/conntrack"
	"go.uber.org/zap"

	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/telemetry"
)

// ErrNotSupported is returned when conntrack events cannot be subscribed to on
// this platform.
var ErrNotSupported = errors.New("conntrack event subscription is only supported on linux")

const (
	// Size of the decoded event channel handed to the batch loop.
	eventBuffer = 4096
	// Socket receive buffer requested from the kernel. Bursts of short-lived flows
	// overflow the default buffer quickly.
	readBufferSize = 8 << 20
)

// ErrorRecorder counts absorbed errors by kind.
type ErrorRecorder interface {
	RecordError(kind string)
}

// Options configures the subscription.
type Options struct {
	// NetNS is the path of a network namespace to subscribe in, such as
	// /var/run/netns/blue. Empty means the current namespace.
	NetNS string
}

// subscription is one live netlink subscription.
type subscription struct {
	events <-chan conntrack.Event
	errs   <-chan error
	close  func() error
}

type (
	dialFunc func(opts Options) (*subscription, error)
	dumpFunc func(opts Options) ([]conntrack.Flow, error)
)

// Listener delivers decoded conntrack events, resubscribing when the socket fails.
type Listener struct {
	opts       Options
	dial       dialFunc
	dump       dumpFunc // nil disables resync after resubscribing
	newBackOff func() backoff.BackOff
	recorder   ErrorRecorder
	logger     *zap.Logger

	sub *subscription
	out chan event.Event
}

// Subscribe opens the conntrack subscription. A failure here is not retried: the
// caller cannot do anything useful without events.
func Subscribe(opts Options, recorder ErrorRecorder, logger *zap.Logger) (*Listener, error) {
	l, err := subscribe(opts, dialKernel, recorder, logger)
	if err != nil {
		return nil, err
	}
	l.dump = dumpKernel
	return l, nil
}

func subscribe(opts Options, dial dialFunc, recorder ErrorRecorder, logger *zap.Logger) (*Listener, error) {
	sub, err := dial(opts)
	if err != nil {
		return nil, fmt.Errorf("subscribing to conntrack events: %w", err)
	}

	return &Listener{
		opts:       opts,
		dial:       dial,
		newBackOff: defaultBackOff,
		recorder:   recorder,
		logger:     logger.Named("ctnetlink"),
		sub:        sub,
		out:        make(chan event.Event, eventBuffer),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry until cancelled
	return b
}

// Events returns the channel decoded events are delivered on. It is closed when
// Run returns.
func (l *Listener) Events() <-chan event.Event {
	return l.out
}

// Run pumps events until ctx is cancelled. It returns an error only when
// resubscribing fails permanently.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.out)
	defer l.closeSubscription()

	for {
		select {
		case <-ctx.Done():
			return nil

		case raw := <-l.sub.events:
			if !l.forward(ctx, raw) {
				return nil
			}

		case err := <-l.sub.errs:
			l.logger.Warn("conntrack subscription failed", zap.Error(err))
			l.recorder.RecordError(telemetry.ErrorKindSource)
			if !l.drain(ctx) {
				return nil
			}
			l.closeSubscription()

			if err := l.resubscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			l.logger.Info("resubscribed to conntrack events")
			if !l.resync(ctx) {
				return nil
			}
		}
	}
}

// forward decodes and delivers one event. It reports false when ctx ended first.
func (l *Listener) forward(ctx context.Context, raw conntrack.Event) bool {
	ev, ok := Convert(raw)
	if !ok {
		return true
	}
	select {
	case l.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain delivers events the failed subscription had already received.
func (l *Listener) drain(ctx context.Context) bool {
	for {
		select {
		case raw := <-l.sub.events:
			if !l.forward(ctx, raw) {
				return false
			}
		default:
			return true
		}
	}
}

// resync delivers a snapshot of the kernel table ahead of the new subscription's
// events, so connections whose DESTROY fell into the gap can be retired. A failed
// dump is counted and skipped. It reports false when ctx ended first.
func (l *Listener) resync(ctx context.Context) bool {
	if l.dump == nil {
		return true
	}
	flows, err := l.dump(l.opts)
	if err != nil {
		l.logger.Warn("dumping conntrack table after resubscribe", zap.Error(err))
		l.recorder.RecordError(telemetry.ErrorKindSource)
		return true
	}
	l.logger.Debug("dumped conntrack table", zap.Int("flows", len(flows)))

	select {
	case l.out <- SyncEvent(flows):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) resubscribe(ctx context.Context) error {
	b := backoff.WithContext(l.newBackOff(), ctx)
	return backoff.RetryNotify(func() error {
		sub, err := l.dial(l.opts)
		if err != nil {
			return err
		}
		l.sub = sub
		return nil
	}, b, func(err error, wait time.Duration) {
		l.logger.Warn("resubscribing to conntrack events", zap.Error(err), zap.Duration("retry_in", wait))
		l.recorder.RecordError(telemetry.ErrorKindSource)
	})
}

func (l *Listener) closeSubscription() {
	if l.sub == nil || l.sub.close == nil {
		return
	}
	if err := l.sub.close(); err != nil {
		l.logger.Debug("closing conntrack subscription", zap.Error(err))
	}
	l.sub.close = nil
}
