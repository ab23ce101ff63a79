package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// link owns the connection lifecycle shared by every protocol: the live
// flag, the lifetime context, event emission and the reconnection loop.
// Protocols supply dial, which opens a session, and hangup, which tears it
// down and must be safe to call repeatedly.
type link struct {
	sensorID string
	out      chan<- Event
	policy   BackoffPolicy
	log      *logrus.Entry

	dial   func(ctx context.Context) error
	hangup func()

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	retrying  bool
	wg        sync.WaitGroup
}

func newLink(sensorID string, out chan<- Event, policy BackoffPolicy, log *logrus.Entry) *link {
	return &link{
		sensorID: sensorID,
		out:      out,
		policy:   policy.withDefaults(),
		log:      log.WithField("sensor_id", sensorID),
	}
}

// connect dials once. On failure the error is returned and the
// reconnection loop is armed in the background, with this dial counted as
// the first failed attempt.
func (l *link) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	if l.retrying {
		l.mu.Unlock()
		return errors.Wrap(ErrNotConnected, "reconnection in progress")
	}
	if l.cancel == nil {
		l.ctx, l.cancel = context.WithCancel(context.Background())
	}
	life := l.ctx
	l.mu.Unlock()

	if err := l.dial(life); err != nil {
		l.hangup()
		l.log.WithError(err).Warn("connect failed")
		l.startRetry(1)
		return err
	}

	l.mu.Lock()
	l.connected = life.Err() == nil
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		l.hangup()
		return errors.Wrap(ErrNotConnected, "disconnected while connecting")
	}
	l.log.Info("connected")
	return nil
}

// lost is called by the protocol when a live session drops.
func (l *link) lost(err error) {
	l.mu.Lock()
	if !l.connected || l.ctx == nil {
		l.mu.Unlock()
		return
	}
	l.connected = false
	life := l.ctx
	l.mu.Unlock()

	l.hangup()
	l.log.WithError(err).Warn("connection lost")
	l.emit(life, ErrorEvent(l.sensorID, errors.Wrap(err, "connection lost"), false))
	l.emit(life, StatusEvent(l.sensorID, data.StatusConnecting))
	l.startRetry(0)
}

// startRetry arms the reconnection loop. failed is the number of dials
// that already failed in this outage.
func (l *link) startRetry(failed int) {
	l.mu.Lock()
	if l.retrying || l.ctx == nil || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.retrying = true
	life := l.ctx
	l.wg.Add(1)
	l.mu.Unlock()

	go l.retryLoop(life, failed)
}

// retryLoop schedules attempt n at min(base*2^n, cap) after the outage
// began, n counting every dial of the outage from zero.
func (l *link) retryLoop(ctx context.Context, failed int) {
	defer l.wg.Done()

	bo := NewBackoff(l.policy)
	for i := 0; i < failed; i++ {
		bo.Next()
	}
	for {
		delay, ok := bo.Next()
		if !ok {
			l.mu.Lock()
			l.retrying = false
			l.mu.Unlock()

			err := errors.Wrapf(ErrRetriesExhausted, "sensor %s gave up after %d attempts", l.sensorID, bo.Attempts())
			l.log.WithError(err).Error("reconnection stopped")
			l.emit(ctx, ErrorEvent(l.sensorID, err, true))
			l.emit(ctx, StatusEvent(l.sensorID, data.StatusError))
			return
		}

		l.log.WithFields(logrus.Fields{"attempt": bo.Attempts(), "delay": delay}).Debug("reconnect scheduled")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			l.retrying = false
			l.mu.Unlock()
			return
		case <-timer.C:
		}

		if err := l.dial(ctx); err != nil {
			l.hangup()
			l.log.WithError(err).WithField("attempt", bo.Attempts()).Warn("reconnect failed")
			continue
		}

		l.mu.Lock()
		l.retrying = false
		l.connected = ctx.Err() == nil
		l.mu.Unlock()
		l.log.WithField("attempt", bo.Attempts()).Info("reconnected")
		l.emit(ctx, StatusEvent(l.sensorID, data.StatusActive))
		return
	}
}

// close cancels the lifetime, waits for background work and tears the
// session down. Safe to call any number of times.
func (l *link) close() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.ctx = nil
	l.connected = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.hangup()
}

func (l *link) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// life returns the current lifetime context, or nil when closed.
func (l *link) life() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx
}

// emit delivers ev unless the lifetime ends first. Nothing is delivered
// once close has started.
func (l *link) emit(ctx context.Context, ev Event) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	select {
	case l.out <- ev:
	case <-ctx.Done():
	}
}

// emitCurrent emits on the current lifetime, for protocol callbacks that
// run outside of connect.
func (l *link) emitCurrent(ev Event) {
	l.emit(l.life(), ev)
}

// goroutine runs fn tracked by close, provided ctx is still the current
// lifetime.
func (l *link) goroutine(ctx context.Context, fn func()) bool {
	l.mu.Lock()
	if l.ctx == nil || l.ctx != ctx {
		l.mu.Unlock()
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		fn()
	}()
	return true
}
