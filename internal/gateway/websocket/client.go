package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	ws "github.com/clawdeck/clawdeck/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Ping cadence (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Grace between a close frame and forced socket termination
	closeGrace = time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Client is a single WebSocket connection with its subscription
// allowlists.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *EventHub
	send   chan []byte
	logger *logger.Logger

	mu         sync.RWMutex
	sessionIDs map[string]bool
	channels   map[string]bool

	sendMu     sync.Mutex
	sendClosed bool
}

// NewClient creates a client. Until a subscribe control message
// arrives, no channel events are delivered.
func NewClient(id string, conn *websocket.Conn, hub *EventHub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		logger:     log.WithFields(zap.String("client_id", id)),
		sessionIDs: make(map[string]bool),
		channels:   make(map[string]bool),
	}
}

// setSubscriptions replaces both allowlists.
func (c *Client) setSubscriptions(req ws.SubscribeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionIDs = make(map[string]bool, len(req.SessionIDs))
	for _, id := range req.SessionIDs {
		c.sessionIDs[id] = true
	}
	c.channels = make(map[string]bool, len(req.Channels))
	for _, ch := range req.Channels {
		c.channels[ch] = true
	}
}

// allows reports whether an event on the given channel, optionally
// scoped to a session, passes this client's filters. The channel set
// must match, and session-scoped events additionally need a session
// match; unscoped events pass the session filter by definition.
func (c *Client) allows(channel, sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.channels[ws.Wildcard] && !c.channels[channel] {
		return false
	}
	if sessionID == "" {
		return true
	}
	return c.sessionIDs[ws.Wildcard] || c.sessionIDs[sessionID]
}

// subscribedSessions returns the explicit session IDs (not the wildcard).
func (c *Client) subscribedSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessionIDs))
	for id := range c.sessionIDs {
		if id != ws.Wildcard {
			out = append(out, id)
		}
	}
	return out
}

// ReadPump pumps control messages from the socket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.ControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid control message", zap.Error(err))
			continue
		}
		c.handleControl(&msg)
	}
}

func (c *Client) handleControl(msg *ws.ControlMessage) {
	switch msg.Type {
	case ws.TypeSubscribe:
		var req ws.SubscribeRequest
		if err := msg.ParseData(&req); err != nil {
			c.logger.Warn("invalid subscribe payload", zap.Error(err))
			return
		}
		c.setSubscriptions(req)
		c.logger.Debug("subscriptions updated",
			zap.Strings("sessions", req.SessionIDs),
			zap.Strings("channels", req.Channels))

	case ws.TypeReconnect:
		var req ws.ReconnectRequest
		if err := msg.ParseData(&req); err != nil {
			c.logger.Warn("invalid reconnect payload", zap.Error(err))
			return
		}
		// No historical replay: respond with current state only.
		sessions := req.RequestedSessions
		if len(sessions) == 0 {
			sessions = c.subscribedSessions()
		}
		c.hub.sendSessionStates(c, sessions)

	case ws.TypePing:
		if env, err := ws.NewEnvelope(ws.TypePong, "", nil); err == nil {
			c.sendEnvelope(env)
		}

	case ws.TypeGetSessionState:
		c.hub.sendSessionStates(c, c.subscribedSessions())

	default:
		c.logger.Debug("unknown control message type", zap.String("type", msg.Type))
	}
}

// sendEnvelope marshals and queues a frame. A full send buffer drops
// the frame; the write pump handles actually-dead peers.
func (c *Client) sendEnvelope(env *ws.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("client send buffer full, dropping frame",
			zap.String("type", env.Type))
	}
}

// trySend queues a frame without blocking. Returns false when the
// buffer is full or the channel has been closed by closeSend. The
// sendMu handshake with closeSend is what makes a concurrent
// disconnect safe: a send never races the close.
func (c *Client) trySend(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. Idempotent.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// WritePump pumps queued frames to the socket and drives the ping
// cadence. A peer that misses the pong deadline fails the read pump,
// which unregisters the client.
func (c *Client) WritePump() {
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
				// Hub closed the channel: graceful close, then the
				// deferred Close forcibly terminates after the grace.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				time.Sleep(closeGrace)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
