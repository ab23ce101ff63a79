// internal/websocket/hub.go
package websocket

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/broadcast"
	"github.com/industriverse/capsuleflow/internal/metrics"
)

const DefaultClientBuffer = 64

type Options struct {
	ClientBuffer   int
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Log            *logrus.Entry
}

// Hub maintains the set of active clients and delivers each message to the
// clients whose scopes match it.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcast.Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      chan chan int

	upgrader     websocket.Upgrader
	clientBuffer int
	metrics      *metrics.Metrics
	log          *logrus.Entry
}

func NewHub(opts Options) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultClientBuffer
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hub{
		clients:      make(map[*Client]bool),
		broadcast:    make(chan broadcast.Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		count:        make(chan chan int),
		clientBuffer: opts.ClientBuffer,
		metrics:      opts.Metrics,
		log:          opts.Log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.metrics.SetWebsocketClients(len(h.clients))
			h.log.WithFields(logrus.Fields{"remote": client.remote, "scopes": client.scopeList()}).Info("websocket client registered")

		case client := <-h.unregister:
			if h.clients[client] {
				h.remove(client)
				h.log.WithField("remote", client.remote).Info("websocket client unregistered")
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.Scopes) {
					continue
				}
				select {
				case client.send <- msg.Body:
				default:
					h.metrics.IncBroadcastDropped(h.Name())
					h.log.WithField("remote", client.remote).Warn("websocket client send buffer full, removing")
					h.remove(client)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.metrics.SetWebsocketClients(len(h.clients))
}

func (h *Hub) Name() string { return "websocket" }

// Send queues a message for the hub loop. It fails once the hub has stopped.
func (h *Hub) Send(ctx context.Context, msg broadcast.Message) error {
	select {
	case <-h.done:
		return errors.Wrap(broadcast.ErrTransportUnavailable, "websocket hub stopped")
	default:
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return errors.Wrap(broadcast.ErrTransportUnavailable, "websocket hub stopped")
	case <-ctx.Done():
		return errors.Wrap(broadcast.ErrTransportUnavailable, ctx.Err().Error())
	}
}

// ClientCount returns the number of connected clients, or 0 once stopped.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// ServeWS upgrades the request and registers the client. Scopes to join can
// be passed as ?scopes=tenant:acme,deployment:plant-3.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	scopes, err := parseScopes(r.URL.Query().Get("scopes"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, scopes)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func parseScopes(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !broadcast.ValidScope(s) {
			return nil, errors.Errorf("invalid scope %q", s)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}
