package adapter

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// PushRegistry routes payloads POSTed to the ingest endpoint to the HTTP
// adapter registered for the sensor.
type PushRegistry struct {
	mu       sync.RWMutex
	adapters map[string]*HTTPAdapter
}

func NewPushRegistry() *PushRegistry {
	return &PushRegistry{adapters: make(map[string]*HTTPAdapter)}
}

// Deliver hands payload to the sensor's adapter. Unknown or disconnected
// sensors get ErrNotConnected.
func (r *PushRegistry) Deliver(sensorID string, payload []byte) error {
	r.mu.RLock()
	a, ok := r.adapters[sensorID]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotConnected, "sensor %s", sensorID)
	}
	return a.Push(payload)
}

func (r *PushRegistry) register(a *HTTPAdapter) {
	r.mu.Lock()
	r.adapters[a.cfg.ID] = a
	r.mu.Unlock()
}

func (r *PushRegistry) unregister(a *HTTPAdapter) {
	r.mu.Lock()
	if r.adapters[a.cfg.ID] == a {
		delete(r.adapters, a.cfg.ID)
	}
	r.mu.Unlock()
}

// HTTPAdapter receives readings pushed over HTTP. "Connected" means the
// sensor is accepting pushes.
type HTTPAdapter struct {
	cfg      data.SensorConfig
	registry *PushRegistry
	link     *link
	dedupe   *DuplicateFilter
	log      *logrus.Entry
}

func NewHTTPAdapter(cfg data.SensorConfig, out chan<- Event, registry *PushRegistry, log *logrus.Entry) (*HTTPAdapter, error) {
	if registry == nil {
		return nil, errors.Wrap(ErrUnsupportedProtocol, "http ingest is not enabled")
	}
	a := &HTTPAdapter{
		cfg:      cfg.Clone(),
		registry: registry,
		log:      log.WithFields(logrus.Fields{"sensor_id": cfg.ID, "protocol": data.ProtocolHTTP}),
	}
	if cfg.Dedupe {
		a.dedupe = NewDuplicateFilter()
	}
	a.link = newLink(cfg.ID, out, DefaultBackoffPolicy(), a.log)
	a.link.dial = func(context.Context) error {
		registry.register(a)
		return nil
	}
	a.link.hangup = func() { registry.unregister(a) }
	return a, nil
}

func (a *HTTPAdapter) SensorID() string { return a.cfg.ID }

func (a *HTTPAdapter) Connect(ctx context.Context) error { return a.link.connect(ctx) }

func (a *HTTPAdapter) Disconnect() error {
	a.link.close()
	return nil
}

func (a *HTTPAdapter) IsConnected() bool { return a.link.isConnected() }

// Push maps one payload. Malformed payloads are reported both to the caller
// and as an error event.
func (a *HTTPAdapter) Push(payload []byte) error {
	if !a.link.isConnected() {
		return errors.Wrapf(ErrNotConnected, "sensor %s", a.cfg.ID)
	}
	reading, hasTimestamp, err := decodeReading(a.cfg.ID, a.cfg.DataMapping, payload)
	if err != nil {
		a.link.emitCurrent(ErrorEvent(a.cfg.ID, err, false))
		return err
	}
	if a.dedupe != nil && hasTimestamp && a.dedupe.Seen(a.cfg.ID, reading.Timestamp) {
		return nil
	}
	if len(reading.Values) == 0 {
		a.log.Debug("no mapped metrics in payload")
		return nil
	}
	a.link.emitCurrent(ReadingEvent(reading))
	return nil
}
