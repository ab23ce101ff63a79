// Package pipeline connects the ingestion fan-in to the rule engine.
package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/adapter"
	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/metrics"
)

// ReadingProcessor is the rule engine as seen from the pipeline.
type ReadingProcessor interface {
	ProcessReading(reading *data.SensorReading)
}

type Stats struct {
	Readings      int64 `json:"readings"`
	Errors        int64 `json:"errors"`
	FatalErrors   int64 `json:"fatalErrors"`
	StatusChanges int64 `json:"statusChanges"`
}

// Pipeline drains adapter events: readings go to the rule engine, errors and
// status changes are logged and counted.
type Pipeline struct {
	source    <-chan adapter.Event
	processor ReadingProcessor
	metrics   *metrics.Metrics
	log       *logrus.Entry

	readings      atomic.Int64
	errors        atomic.Int64
	fatal         atomic.Int64
	statusChanges atomic.Int64
}

func New(source <-chan adapter.Event, processor ReadingProcessor, m *metrics.Metrics, log *logrus.Entry) *Pipeline {
	return &Pipeline{source: source, processor: processor, metrics: m, log: log}
}

// Run blocks until ctx is cancelled or the source is closed.
func (p *Pipeline) Run(ctx context.Context) {
	p.log.Info("pipeline started")
	defer p.log.Info("pipeline stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.source:
			if !ok {
				return
			}
			p.handle(ev)
		}
	}
}

func (p *Pipeline) handle(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventReading:
		if ev.Reading == nil {
			return
		}
		p.readings.Add(1)
		p.metrics.IncReading(ev.SensorID)
		p.processor.ProcessReading(ev.Reading)

	case adapter.EventError:
		p.errors.Add(1)
		p.metrics.IncAdapterError(ev.SensorID, ev.Fatal)
		entry := p.log.WithFields(logrus.Fields{"sensor_id": ev.SensorID, "error": ev.Err})
		if ev.Fatal {
			p.fatal.Add(1)
			entry.Error("adapter gave up reconnecting; re-add the sensor to retry")
			return
		}
		entry.Warn("adapter error")

	case adapter.EventStatus:
		p.statusChanges.Add(1)
		p.metrics.IncSensorStatus(string(ev.Status))
		p.log.WithFields(logrus.Fields{"sensor_id": ev.SensorID, "status": ev.Status}).Info("sensor status changed")

	default:
		p.log.WithField("kind", ev.Kind).Debug("ignoring unknown event kind")
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Readings:      p.readings.Load(),
		Errors:        p.errors.Load(),
		FatalErrors:   p.fatal.Load(),
		StatusChanges: p.statusChanges.Load(),
	}
}
