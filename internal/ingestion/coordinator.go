// Package ingestion keeps one protocol adapter per registered sensor and
// fans their events into a single stream.
package ingestion

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/adapter"
	"github.com/industriverse/capsuleflow/internal/data"
)

var (
	ErrSensorNotFound = errors.New("sensor not found")
	ErrSensorExists   = errors.New("sensor already registered")
)

// AdapterFactory builds the adapter for a sensor's protocol.
type AdapterFactory interface {
	Supports(p data.Protocol) bool
	New(cfg data.SensorConfig, out chan<- adapter.Event) (adapter.Adapter, error)
}

// HistoryDropper discards per-sensor reading history.
type HistoryDropper interface {
	Drop(sensorID string)
}

const (
	defaultEventBuffer   = 1024
	perSensorEventBuffer = 64
)

type entry struct {
	mu      sync.RWMutex
	cfg     data.SensorConfig
	adapter adapter.Adapter

	removed atomic.Bool
	inbox   chan adapter.Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// handoff is held while one of this sensor's events is being passed to
	// the consumer. RemoveSensor takes it once removed is set, so nothing
	// is handed out after it returns.
	handoff sync.Mutex
}

// queued is an event waiting for the dispatcher, tagged with the
// registration it came from.
type queued struct {
	e  *entry
	ev adapter.Event
}

func (e *entry) snapshot() data.SensorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

func (e *entry) setStatus(s data.SensorStatus) (prev data.SensorStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev = e.cfg.Status
	e.cfg.Status = s
	return prev
}

// Coordinator owns the sensor registry. It holds no business logic: events
// are forwarded as they arrive.
type Coordinator struct {
	factory AdapterFactory
	history HistoryDropper
	log     *logrus.Entry

	mu      sync.RWMutex
	sensors map[string]*entry

	queue     chan queued
	events    chan adapter.Event
	stop      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator builds a coordinator and starts its dispatcher. history
// may be nil.
func NewCoordinator(factory AdapterFactory, history HistoryDropper, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		factory: factory,
		history: history,
		log:     log,
		sensors: make(map[string]*entry),
		queue:   make(chan queued, defaultEventBuffer),
		events:  make(chan adapter.Event),
		stop:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Events is the fan-in of every adapter's readings, errors and status
// changes. It is unbuffered: an event counts as delivered once the
// consumer has received it, and events of a removed sensor are discarded
// instead.
func (c *Coordinator) Events() <-chan adapter.Event {
	return c.events
}

// AddSensor registers and connects a sensor. Configuration problems are
// returned and leave nothing registered. A failed connection is not an
// error here: the sensor stays registered with status error and its adapter
// keeps retrying.
func (c *Coordinator) AddSensor(ctx context.Context, cfg data.SensorConfig) (data.SensorConfig, error) {
	e, err := c.prepare(cfg)
	if err != nil {
		return data.SensorConfig{}, err
	}
	return c.start(ctx, e)
}

// prepare validates cfg and builds its adapter without registering or
// connecting anything.
func (c *Coordinator) prepare(cfg data.SensorConfig) (*entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !c.factory.Supports(cfg.Protocol) {
		return nil, errors.Wrapf(adapter.ErrUnsupportedProtocol, "sensor %s: %q", cfg.ID, cfg.Protocol)
	}

	e := &entry{
		cfg:   cfg.Clone(),
		inbox: make(chan adapter.Event, perSensorEventBuffer),
		done:  make(chan struct{}),
	}
	e.cfg.Status = data.StatusConnecting

	a, err := c.factory.New(e.cfg, e.inbox)
	if err != nil {
		return nil, err
	}
	e.adapter = a
	return e, nil
}

func (c *Coordinator) start(ctx context.Context, e *entry) (data.SensorConfig, error) {
	id := e.cfg.ID
	e.ctx, e.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	if _, exists := c.sensors[id]; exists {
		c.mu.Unlock()
		e.cancel()
		return data.SensorConfig{}, errors.Wrapf(ErrSensorExists, "sensor %s", id)
	}
	c.sensors[id] = e
	c.mu.Unlock()

	go c.forward(e)

	log := c.log.WithFields(logrus.Fields{"sensor_id": id, "protocol": e.cfg.Protocol})
	c.emit(e, adapter.StatusEvent(id, data.StatusConnecting))

	if err := e.adapter.Connect(ctx); err != nil {
		log.WithError(err).Warn("sensor connect failed")
		if !e.removed.Load() {
			c.emit(e, adapter.ErrorEvent(id, errors.Wrap(err, "connect"), false))
			// The adapter keeps retrying and reports error itself once it
			// gives up. A cancelled ctx means no dial was made at all.
			if ctx.Err() != nil {
				e.setStatus(data.StatusError)
				c.emit(e, adapter.StatusEvent(id, data.StatusError))
			}
		}
		return e.snapshot(), nil
	}

	if !e.removed.Load() {
		e.setStatus(data.StatusActive)
		c.emit(e, adapter.StatusEvent(id, data.StatusActive))
	}
	log.Info("sensor added")
	return e.snapshot(), nil
}

// RemoveSensor disconnects the adapter, stops forwarding and forgets the
// sensor and its history. Once it returns no further event of the sensor
// reaches Events, including ones already queued. Unknown ids are a no-op.
func (c *Coordinator) RemoveSensor(id string) {
	c.mu.RLock()
	e, ok := c.sensors[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if e.removed.Swap(true) {
		return
	}

	if err := e.adapter.Disconnect(); err != nil {
		c.log.WithError(err).WithField("sensor_id", id).Warn("adapter disconnect")
	}
	e.cancel()
	<-e.done
	e.handoff.Lock()
	e.handoff.Unlock()

	c.mu.Lock()
	if c.sensors[id] == e {
		delete(c.sensors, id)
	}
	c.mu.Unlock()

	if c.history != nil {
		c.history.Drop(id)
	}
	c.log.WithField("sensor_id", id).Info("sensor removed")
}

// UpdateSensor applies patch by removing the sensor and adding the patched
// config. The replacement adapter is built before the old one is removed,
// so a patch that fails validation or adapter construction leaves the
// sensor untouched.
func (c *Coordinator) UpdateSensor(ctx context.Context, id string, patch data.SensorPatch) (data.SensorConfig, error) {
	c.mu.RLock()
	e, ok := c.sensors[id]
	c.mu.RUnlock()
	if !ok || e.removed.Load() {
		return data.SensorConfig{}, errors.Wrapf(ErrSensorNotFound, "sensor %s", id)
	}

	next := patch.Apply(e.snapshot())
	next.ID = id
	replacement, err := c.prepare(next)
	if err != nil {
		return data.SensorConfig{}, err
	}

	c.RemoveSensor(id)
	return c.start(ctx, replacement)
}

func (c *Coordinator) GetSensor(id string) (data.SensorConfig, bool) {
	c.mu.RLock()
	e, ok := c.sensors[id]
	c.mu.RUnlock()
	if !ok {
		return data.SensorConfig{}, false
	}
	return e.snapshot(), true
}

// ListSensors returns a snapshot sorted by id.
func (c *Coordinator) ListSensors() []data.SensorConfig {
	c.mu.RLock()
	out := make([]data.SensorConfig, 0, len(c.sensors))
	for _, e := range c.sensors {
		out = append(out, e.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statistics counts registered sensors by status and by protocol.
type Statistics struct {
	Total      int                       `json:"total"`
	ByStatus   map[data.SensorStatus]int `json:"byStatus"`
	ByProtocol map[data.Protocol]int     `json:"byProtocol"`
}

func (c *Coordinator) Statistics() Statistics {
	stats := Statistics{
		ByStatus: map[data.SensorStatus]int{
			data.StatusConnecting: 0,
			data.StatusActive:     0,
			data.StatusError:      0,
			data.StatusInactive:   0,
		},
		ByProtocol: make(map[data.Protocol]int),
	}
	for _, cfg := range c.ListSensors() {
		stats.Total++
		stats.ByStatus[cfg.Status]++
		stats.ByProtocol[cfg.Protocol]++
	}
	return stats
}

// Close removes every sensor and stops the dispatcher.
func (c *Coordinator) Close() {
	for _, cfg := range c.ListSensors() {
		c.RemoveSensor(cfg.ID)
	}
	c.closeOnce.Do(func() { close(c.stop) })
}

// forward relays one sensor's events to the dispatcher, tracking status on
// the way.
func (c *Coordinator) forward(e *entry) {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.inbox:
			if e.removed.Load() {
				continue
			}
			switch ev.Kind {
			case adapter.EventStatus:
				e.setStatus(ev.Status)
			case adapter.EventError:
				if ev.Fatal {
					e.setStatus(data.StatusError)
				}
			}
			select {
			case c.queue <- queued{e: e, ev: ev}:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// emit queues a coordinator-originated event. The sensor's status has
// already been set by the caller, so it bypasses the forwarder.
func (c *Coordinator) emit(e *entry, ev adapter.Event) {
	if e.removed.Load() {
		return
	}
	select {
	case c.queue <- queued{e: e, ev: ev}:
	case <-e.ctx.Done():
	}
}

// dispatch hands queued events to the consumer, dropping those whose
// sensor has been removed in the meantime.
func (c *Coordinator) dispatch() {
	for {
		select {
		case <-c.stop:
			return
		case q := <-c.queue:
			c.deliver(q)
		}
	}
}

func (c *Coordinator) deliver(q queued) {
	q.e.handoff.Lock()
	defer q.e.handoff.Unlock()
	if q.e.removed.Load() {
		return
	}
	select {
	case c.events <- q.ev:
	case <-q.e.ctx.Done():
	case <-c.stop:
	}
}
