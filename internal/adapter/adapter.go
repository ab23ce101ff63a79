// Package adapter connects to field protocols and turns their payloads into
// normalized sensor readings.
package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/industriverse/capsuleflow/internal/data"
)

var (
	// ErrUnsupportedProtocol is returned when no adapter exists for a protocol.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrRetriesExhausted is carried by the fatal error event emitted once
	// reconnection gives up.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("adapter not connected")
)

// Adapter is the lifecycle every protocol implementation exposes.
// Disconnect is idempotent and cancels any pending reconnection.
type Adapter interface {
	SensorID() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventReading EventKind = iota + 1
	EventError
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventReading:
		return "reading"
	case EventError:
		return "error"
	case EventStatus:
		return "status"
	}
	return "unknown"
}

// Event is what adapters emit. Exactly one of Reading, Err or Status is
// meaningful, as selected by Kind.
type Event struct {
	Kind     EventKind
	SensorID string
	Time     time.Time
	Reading  *data.SensorReading
	Err      error
	// Fatal marks an error after which the adapter stops reconnecting.
	Fatal  bool
	Status data.SensorStatus
}

func ReadingEvent(r *data.SensorReading) Event {
	return Event{Kind: EventReading, SensorID: r.SensorID, Time: time.Now(), Reading: r}
}

func ErrorEvent(sensorID string, err error, fatal bool) Event {
	return Event{Kind: EventError, SensorID: sensorID, Time: time.Now(), Err: err, Fatal: fatal}
}

func StatusEvent(sensorID string, status data.SensorStatus) Event {
	return Event{Kind: EventStatus, SensorID: sensorID, Time: time.Now(), Status: status}
}
