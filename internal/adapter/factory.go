package adapter

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// Options configure every adapter the factory builds.
type Options struct {
	Backoff BackoffPolicy
	MQTT    MQTTOptions
	OPCUA   OPCUAOptions
	// Push enables the http protocol when non-nil.
	Push *PushRegistry
	Log  *logrus.Entry
}

// Factory picks the adapter implementation for a sensor's protocol.
type Factory struct {
	opts Options
}

func NewFactory(opts Options) *Factory {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Factory{opts: opts}
}

func (f *Factory) Supports(p data.Protocol) bool {
	switch p {
	case data.ProtocolMQTT, data.ProtocolOPCUA:
		return true
	case data.ProtocolHTTP:
		return f.opts.Push != nil
	}
	return false
}

// New builds an adapter that emits on out. It does not connect.
func (f *Factory) New(cfg data.SensorConfig, out chan<- Event) (Adapter, error) {
	switch cfg.Protocol {
	case data.ProtocolMQTT:
		return NewMQTTAdapter(cfg, out, f.opts.Backoff, f.opts.MQTT, f.opts.Log)
	case data.ProtocolOPCUA:
		return NewOPCUAAdapter(cfg, out, f.opts.Backoff, f.opts.OPCUA, f.opts.Log)
	case data.ProtocolHTTP:
		if f.opts.Push != nil {
			return NewHTTPAdapter(cfg, out, f.opts.Push, f.opts.Log)
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedProtocol, "sensor %s: %q", cfg.ID, cfg.Protocol)
}
