// internal/websocket/client.go
package websocket

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/industriverse/capsuleflow/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 1024                // Maximum control frame size allowed from peer.
)

// controlFrame is what clients send to change their subscriptions.
type controlFrame struct {
	Action string `json:"action"`
	Scope  string `json:"scope"`
}

type controlReply struct {
	Type   string   `json:"type"`
	Scope  string   `json:"scope,omitempty"`
	Error  string   `json:"error,omitempty"`
	Joined []string `json:"scopes"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	remote  string
	send    chan []byte // owned by the hub, closed on removal
	control chan []byte // replies to control frames, never closed

	mu     sync.RWMutex
	scopes map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, scopes []string) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		send:    make(chan []byte, h.clientBuffer),
		control: make(chan []byte, 8),
		scopes:  make(map[string]bool, len(scopes)),
	}
	for _, s := range scopes {
		c.scopes[s] = true
	}
	return c
}

func (c *Client) wants(eventScopes []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return broadcast.Matches(c.scopes, eventScopes)
}

func (c *Client) scopeList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) handleControl(raw []byte) controlReply {
	var frame controlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return controlReply{Type: "error", Error: "malformed control frame", Joined: c.scopeList()}
	}
	if !broadcast.ValidScope(frame.Scope) {
		return controlReply{Type: "error", Scope: frame.Scope, Error: "invalid scope", Joined: c.scopeList()}
	}

	c.mu.Lock()
	switch frame.Action {
	case "subscribe":
		c.scopes[frame.Scope] = true
	case "unsubscribe":
		delete(c.scopes, frame.Scope)
	default:
		c.mu.Unlock()
		return controlReply{Type: "error", Error: "unknown action " + frame.Action, Joined: c.scopeList()}
	}
	c.mu.Unlock()

	return controlReply{Type: frame.Action + "d", Scope: frame.Scope, Joined: c.scopeList()}
}

// readPump applies subscription changes sent by the peer.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("remote", c.remote).Warn("websocket read error")
			}
			return
		}
		reply, err := json.Marshal(c.handleControl(message))
		if err != nil {
			continue
		}
		select {
		case c.control <- reply:
		default:
		}
	}
}

// writePump pumps messages from the hub to the websocket connection. Each
// event goes out as its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.WithError(err).WithField("remote", c.remote).Debug("websocket write failed")
				return
			}
		case reply := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
