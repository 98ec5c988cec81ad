// Package websocket fans session events out to dashboard clients with
// per-client session and channel filtering.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/session"
	"github.com/clawdeck/clawdeck/internal/session/throttle"
	ws "github.com/clawdeck/clawdeck/pkg/websocket"
)

// listUpdateDebounce coalesces session-list-update bursts into one
// trailing delivery.
const listUpdateDebounce = 300 * time.Millisecond

// SessionDirectory is the view of the orchestrator the hub needs for
// reconnect and state snapshots.
type SessionDirectory interface {
	ListActive() []session.StatusSnapshot
	Details(sessionID string) (session.Details, error)
	Get(sessionID string) (*session.Instance, error)
}

// subjectChannels maps bus subjects to client-facing channel names.
var subjectChannels = map[string]string{
	events.SessionCreated:       ws.ChannelSessionCreated,
	events.SessionTerminated:    ws.ChannelSessionTerminated,
	events.SessionStatusChanged: ws.ChannelSessionStatusChanged,
	events.SessionListUpdate:    ws.ChannelSessionListUpdate,
	events.SessionOutput:        ws.ChannelClaudeOutput,
	events.SessionError:         ws.ChannelSessionError,
	events.MessageStatus:        ws.ChannelMessageStatus,
}

// debouncedChannels get trailing-window coalescing instead of immediate
// delivery.
var debouncedChannels = map[string]bool{
	ws.ChannelSessionListUpdate: true,
}

// EventHub owns the client set and subscribes to session and message
// subjects on the event bus.
type EventHub struct {
	bus       bus.EventBus
	directory SessionDirectory
	logger    *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	pendingMu   sync.Mutex
	pendingList *bus.Event
	listFlush   *throttle.Trailing

	subs []bus.Subscription
}

// NewEventHub creates the hub. Start must be called before clients
// connect.
func NewEventHub(eventBus bus.EventBus, directory SessionDirectory, log *logger.Logger) *EventHub {
	h := &EventHub{
		bus:       eventBus,
		directory: directory,
		logger:    log.WithFields(zap.String("component", "ws-hub")),
		clients:   make(map[*Client]bool),
	}
	h.listFlush = throttle.NewTrailing(listUpdateDebounce, h.flushListUpdate)
	return h
}

// Start subscribes the hub to the session and message subject trees.
func (h *EventHub) Start(ctx context.Context) error {
	for _, subject := range []string{events.AllSessionEvents, events.AllMessageEvents} {
		sub, err := h.bus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			h.route(ev)
			return nil
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	h.logger.Info("event hub started")
	return nil
}

// Stop unsubscribes and disconnects every client.
func (h *EventHub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.listFlush.Stop()

	h.mu.Lock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.logger.Info("event hub stopped")
}

// Register adds a connected client.
func (h *EventHub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client registered",
		zap.String("client_id", client.ID), zap.Int("clients", count))
}

// Unregister removes a client and closes its send channel.
func (h *EventHub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client unregistered",
		zap.String("client_id", client.ID), zap.Int("clients", count))
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// route maps a bus event to its channel and delivers or debounces it.
func (h *EventHub) route(ev *bus.Event) {
	channel, ok := subjectChannels[ev.Type]
	if !ok {
		return
	}
	if debouncedChannels[channel] {
		h.pendingMu.Lock()
		h.pendingList = ev
		h.pendingMu.Unlock()
		h.listFlush.Trigger()
		return
	}
	h.deliver(channel, ev)
}

// flushListUpdate delivers the latest coalesced list update.
func (h *EventHub) flushListUpdate() {
	h.pendingMu.Lock()
	ev := h.pendingList
	h.pendingList = nil
	h.pendingMu.Unlock()
	if ev != nil {
		h.deliver(ws.ChannelSessionListUpdate, ev)
	}
}

// deliver fans one event out to every client whose filters match.
// Iterates a snapshot so disconnects during delivery cannot race the
// client map.
func (h *EventHub) deliver(channel string, ev *bus.Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		h.logger.Error("failed to marshal event payload",
			zap.String("channel", channel), zap.Error(err))
		return
	}
	env := &ws.Envelope{
		Type:      channel,
		Data:      payload,
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.allows(channel, ev.SessionID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		// Non-blocking and close-safe: a client disconnecting between
		// the snapshot and the send is skipped, not panicked on.
		client.trySend(frame)
	}
}

// sendSessionStates sends a session-state frame per requested session:
// current status, current screen, current queue. No historical replay.
func (h *EventHub) sendSessionStates(client *Client, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		for _, snap := range h.directory.ListActive() {
			sessionIDs = append(sessionIDs, snap.ID)
		}
	}
	for _, id := range sessionIDs {
		details, err := h.directory.Details(id)
		if err != nil {
			continue
		}
		screen := ""
		if inst, gerr := h.directory.Get(id); gerr == nil {
			screen = inst.Screen()
		}
		env, err := ws.NewEnvelope(ws.TypeSessionState, id, map[string]any{
			"session": details,
			"screen":  screen,
		})
		if err != nil {
			h.logger.Error("failed to build session state", zap.Error(err))
			continue
		}
		client.sendEnvelope(env)
	}
}
