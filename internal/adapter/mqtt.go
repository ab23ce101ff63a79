package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// MQTTOptions are the broker session settings shared by all MQTT sensors.
type MQTTOptions struct {
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

func (o MQTTOptions) withDefaults() MQTTOptions {
	if o.ClientIDPrefix == "" {
		o.ClientIDPrefix = "capsuleflow"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	return o
}

// MQTTAdapter subscribes to a sensor's topics and maps JSON payloads to
// readings. The client library's own reconnect is disabled; the link owns
// backoff.
type MQTTAdapter struct {
	cfg    data.SensorConfig
	opts   MQTTOptions
	link   *link
	dedupe *DuplicateFilter
	log    *logrus.Entry

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTAdapter(cfg data.SensorConfig, out chan<- Event, policy BackoffPolicy, opts MQTTOptions, log *logrus.Entry) (*MQTTAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Wrapf(data.ErrInvalidSensor, "sensor %s: mqtt endpoint is required", cfg.ID)
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.Wrapf(data.ErrInvalidSensor, "sensor %s: at least one topic is required", cfg.ID)
	}

	a := &MQTTAdapter{
		cfg:       cfg.Clone(),
		opts:      opts.withDefaults(),
		log:       log.WithFields(logrus.Fields{"sensor_id": cfg.ID, "protocol": data.ProtocolMQTT}),
		newClient: mqtt.NewClient,
	}
	if cfg.Dedupe {
		a.dedupe = NewDuplicateFilter()
	}
	a.link = newLink(cfg.ID, out, policy, a.log)
	a.link.dial = a.dial
	a.link.hangup = a.hangup
	return a, nil
}

func (a *MQTTAdapter) SensorID() string { return a.cfg.ID }

func (a *MQTTAdapter) Connect(ctx context.Context) error { return a.link.connect(ctx) }

func (a *MQTTAdapter) Disconnect() error {
	a.link.close()
	return nil
}

func (a *MQTTAdapter) IsConnected() bool { return a.link.isConnected() }

func (a *MQTTAdapter) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.Endpoint).
		SetClientID(fmt.Sprintf("%s-%s-%s", a.opts.ClientIDPrefix, a.cfg.ID, uuid.NewString()[:8])).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(a.opts.ConnectTimeout).
		SetKeepAlive(a.opts.KeepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.link.lost(err)
		})
	if a.cfg.Credentials != nil {
		opts.SetUsername(a.cfg.Credentials.Username)
		opts.SetPassword(a.cfg.Credentials.Password)
	}
	return opts
}

func (a *MQTTAdapter) dial(ctx context.Context) error {
	client := a.newClient(a.clientOptions())

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	if err := waitToken(ctx, client.Connect(), a.opts.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "mqtt connect %s", a.cfg.Endpoint)
	}

	filters := make(map[string]byte, len(a.cfg.Topics))
	for _, topic := range a.cfg.Topics {
		filters[topic] = a.cfg.QoS
	}
	if err := waitToken(ctx, client.SubscribeMultiple(filters, a.onMessage), a.opts.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "mqtt subscribe %v", a.cfg.Topics)
	}
	a.log.WithField("topics", a.cfg.Topics).Debug("subscribed")
	return nil
}

func (a *MQTTAdapter) hangup() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	// A client still connecting in the background is aborted as well.
	if client != nil {
		client.Disconnect(250)
	}
}

func (a *MQTTAdapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	a.handlePayload(msg.Topic(), msg.Payload())
}

// handlePayload never panics on bad input: malformed payloads become error
// events and the subscription carries on.
func (a *MQTTAdapter) handlePayload(topic string, payload []byte) {
	reading, hasTimestamp, err := decodeReading(a.cfg.ID, a.cfg.DataMapping, payload)
	if err != nil {
		a.log.WithError(err).WithField("topic", topic).Warn("dropping malformed payload")
		a.link.emitCurrent(ErrorEvent(a.cfg.ID, errors.Wrapf(err, "topic %s", topic), false))
		return
	}
	if a.dedupe != nil && hasTimestamp && a.dedupe.Seen(a.cfg.ID, reading.Timestamp) {
		a.log.WithField("topic", topic).Debug("duplicate delivery skipped")
		return
	}
	if len(reading.Values) == 0 {
		a.log.WithField("topic", topic).Debug("no mapped metrics in payload")
		return
	}
	a.link.emitCurrent(ReadingEvent(reading))
}

// waitToken waits for an MQTT token, bounded by ctx and timeout.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Errorf("timed out after %s", timeout)
	}
}
