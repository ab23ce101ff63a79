// Package broadcast fans capsule events out to real-time subscribers on a
// global feed plus tenant and deployment feeds.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/metrics"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 2 * time.Second
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrQueueFull            = errors.New("transport queue is full")
)

// Message is an encoded event ready for delivery.
type Message struct {
	Type   data.EventType
	Scopes []string
	Body   []byte
}

// Transport delivers messages to one kind of subscriber. Send returns
// ErrTransportUnavailable (possibly wrapped) when it cannot deliver now.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

// TransportStats counts outcomes for one transport.
type TransportStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

type lane struct {
	transport Transport
	queue     chan Message
	published atomic.Int64
	dropped   atomic.Int64
}

// Gateway encodes each event once and hands it to every transport through
// a bounded per-transport queue. Nothing is retried: a full queue or an
// unavailable transport drops the message and counts it.
type Gateway struct {
	lanes       []*lane
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	log         *logrus.Entry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewGateway(opts Options, transports ...Transport) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &Gateway{
		sendTimeout: opts.SendTimeout,
		metrics:     opts.Metrics,
		log:         opts.Log,
		done:        make(chan struct{}),
	}
	for _, t := range transports {
		l := &lane{transport: t, queue: make(chan Message, opts.QueueSize)}
		g.lanes = append(g.lanes, l)
		g.wg.Add(1)
		go g.deliver(l)
	}
	return g
}

// Publish never blocks.
func (g *Gateway) Publish(ev data.CapsuleEvent) {
	body, err := json.Marshal(data.Envelope{Type: ev.Type, Data: ev.Payload()})
	if err != nil {
		g.log.WithError(err).WithField("type", ev.Type).Error("failed to encode capsule event")
		return
	}
	msg := Message{Type: ev.Type, Scopes: Scopes(ev), Body: body}

	select {
	case <-g.done:
		for _, l := range g.lanes {
			g.drop(l, msg, ErrTransportUnavailable)
		}
		return
	default:
	}

	for _, l := range g.lanes {
		select {
		case l.queue <- msg:
		default:
			g.drop(l, msg, ErrQueueFull)
		}
	}
}

func (g *Gateway) deliver(l *lane) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case msg := <-l.queue:
			ctx, cancel := context.WithTimeout(context.Background(), g.sendTimeout)
			err := l.transport.Send(ctx, msg)
			cancel()
			if err != nil {
				g.drop(l, msg, err)
				continue
			}
			l.published.Add(1)
			g.metrics.IncBroadcastPublished(l.transport.Name())
		}
	}
}

func (g *Gateway) drop(l *lane, msg Message, err error) {
	l.dropped.Add(1)
	g.metrics.IncBroadcastDropped(l.transport.Name())
	g.log.WithFields(logrus.Fields{
		"transport": l.transport.Name(),
		"type":      msg.Type,
		"error":     err,
	}).Warn("broadcast message dropped")
}

func (g *Gateway) Stats() map[string]TransportStats {
	out := make(map[string]TransportStats, len(g.lanes))
	for _, l := range g.lanes {
		out[l.transport.Name()] = TransportStats{Published: l.published.Load(), Dropped: l.dropped.Load()}
	}
	return out
}

// Close stops delivery. Messages still queued are discarded.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}
