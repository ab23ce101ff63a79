package broadcast

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "capsuleflow.capsules"

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

// AMQPTransport publishes to a topic exchange with one routing key per
// scope, so consumers bind queues to "capsules.tenant.acme" and the like.
type AMQPTransport struct {
	channel  amqpChannel
	exchange string
	conn     *amqp.Connection
}

func NewAMQPTransport(ch amqpChannel, exchange string) *AMQPTransport {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPTransport{channel: ch, exchange: exchange}
}

// DialAMQP opens a connection and channel and declares the exchange.
func DialAMQP(cfg AMQPConfig) (*AMQPTransport, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}

	t := NewAMQPTransport(ch, cfg.Exchange)
	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", t.exchange)
	}
	t.conn = conn
	return t, nil
}

func (t *AMQPTransport) Name() string { return "amqp" }

func (t *AMQPTransport) Send(ctx context.Context, msg Message) error {
	if t.channel.IsClosed() {
		return ErrTransportUnavailable
	}
	for _, scope := range msg.Scopes {
		err := t.channel.PublishWithContext(ctx, t.exchange, Subject("capsules", scope), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			Type:         string(msg.Type),
			Body:         msg.Body,
		})
		if err != nil {
			return errors.Wrapf(ErrTransportUnavailable, "amqp publish %s: %v", scope, err)
		}
	}
	return nil
}

func (t *AMQPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
