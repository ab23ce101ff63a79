package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/logging"
)

func motorSensor() data.SensorConfig {
	return data.SensorConfig{
		ID:       "motor_001",
		Name:     "Motor 001",
		Protocol: data.ProtocolMQTT,
		Endpoint: "tcp://localhost:1883",
		Topics:   []string{"plant/line1/motor_001"},
		DataMapping: map[string]string{
			"temperature": "sensors.temp",
			"vibration":   "sensors.vib",
		},
	}
}

// connectedMQTT returns an adapter whose session is faked so payload
// handling can be exercised without a broker.
func connectedMQTT(t *testing.T, cfg data.SensorConfig) (*MQTTAdapter, chan Event) {
	t.Helper()
	out := make(chan Event, 8)
	a, err := NewMQTTAdapter(cfg, out, fastPolicy, MQTTOptions{}, logging.Discard())
	require.NoError(t, err)
	a.link.dial = func(context.Context) error { return nil }
	a.link.hangup = func() {}
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect() })
	return a, out
}

func TestMQTTAdapter_MapsDotPaths(t *testing.T) {
	a, out := connectedMQTT(t, motorSensor())

	a.handlePayload("plant/line1/motor_001", []byte(`{"sensors":{"temp":85,"rpm":1450}}`))

	ev := nextEvent(t, out)
	require.Equal(t, EventReading, ev.Kind)
	assert.Equal(t, "motor_001", ev.Reading.SensorID)
	assert.Equal(t, map[string]interface{}{"temperature": float64(85)}, ev.Reading.Values)
}

func TestMQTTAdapter_MalformedPayloadIsReported(t *testing.T) {
	a, out := connectedMQTT(t, motorSensor())

	a.handlePayload("plant/line1/motor_001", []byte(`{"sensors":`))
	ev := nextEvent(t, out)
	require.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "motor_001", ev.SensorID)
	assert.False(t, ev.Fatal)
	assert.True(t, errors.Is(ev.Err, data.ErrMalformedPayload))

	// the subscription keeps working
	a.handlePayload("plant/line1/motor_001", []byte(`{"sensors":{"vib":0.4}}`))
	ev = nextEvent(t, out)
	assert.Equal(t, EventReading, ev.Kind)
	assert.Equal(t, 0.4, ev.Reading.Values["vibration"])
}

func TestMQTTAdapter_DedupeDropsRedelivery(t *testing.T) {
	cfg := motorSensor()
	cfg.Dedupe = true
	a, out := connectedMQTT(t, cfg)

	payload := []byte(`{"timestamp":"2024-03-01T10:00:00Z","sensors":{"temp":70}}`)
	a.handlePayload("t", payload)
	a.handlePayload("t", payload)

	ev := nextEvent(t, out)
	assert.Equal(t, EventReading, ev.Kind)
	assert.Empty(t, out)
}

func TestMQTTAdapter_RequiresTopics(t *testing.T) {
	cfg := motorSensor()
	cfg.Topics = nil
	_, err := NewMQTTAdapter(cfg, make(chan Event), fastPolicy, MQTTOptions{}, logging.Discard())
	assert.True(t, errors.Is(err, data.ErrInvalidSensor))
}

func TestMQTTAdapter_DisconnectIsIdempotent(t *testing.T) {
	a, _ := connectedMQTT(t, motorSensor())
	assert.True(t, a.IsConnected())
	assert.NoError(t, a.Disconnect())
	assert.NoError(t, a.Disconnect())
	assert.False(t, a.IsConnected())
}

// pendingToken never completes, like a CONNECT to an unresponsive broker.
type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool                     { <-t.done; return true }
func (t pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t pendingToken) Done() <-chan struct{}          { return t.done }
func (t pendingToken) Error() error                   { return nil }

type stuckClient struct {
	mqtt.Client

	mu          sync.Mutex
	disconnects int
}

func (c *stuckClient) Connect() mqtt.Token    { return pendingToken{done: make(chan struct{})} }
func (c *stuckClient) IsConnectionOpen() bool { return false }
func (c *stuckClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func TestMQTTAdapter_HangupAbortsPendingConnect(t *testing.T) {
	a, err := NewMQTTAdapter(motorSensor(), make(chan Event, 8), fastPolicy, MQTTOptions{ConnectTimeout: 20 * time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	client := &stuckClient{}
	a.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }

	err = a.dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	a.hangup()
	a.hangup()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.disconnects)
}
