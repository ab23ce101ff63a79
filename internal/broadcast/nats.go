package broadcast

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "capsuleflow.capsules"

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// natsPublisher is the slice of *nats.Conn the transport needs.
type natsPublisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// NATSTransport publishes each message once per scope, on
// <prefix>.global, <prefix>.tenant.<id> and <prefix>.deployment.<id>.
type NATSTransport struct {
	conn   natsPublisher
	prefix string
	closer func()
}

func NewNATSTransport(conn natsPublisher, prefix string) *NATSTransport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSTransport{conn: conn, prefix: prefix}
}

// DialNATS connects with unlimited reconnects; while the connection is down
// messages are dropped rather than buffered by the client.
func DialNATS(cfg NATSConfig, log *logrus.Entry) (*NATSTransport, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("capsuleflow-broadcast"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", cfg.URL)
	}
	t := NewNATSTransport(nc, cfg.SubjectPrefix)
	t.closer = nc.Close
	return t, nil
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Send(_ context.Context, msg Message) error {
	if !t.conn.IsConnected() {
		return ErrTransportUnavailable
	}
	for _, scope := range msg.Scopes {
		if err := t.conn.Publish(Subject(t.prefix, scope), msg.Body); err != nil {
			return errors.Wrapf(ErrTransportUnavailable, "nats publish %s: %v", scope, err)
		}
	}
	return nil
}

func (t *NATSTransport) Close() {
	if t.closer != nil {
		t.closer()
	}
}
