package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	ws "github.com/clawdeck/clawdeck/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections and attaches clients to the hub.
type Handler struct {
	hub    *EventHub
	logger *logger.Logger
}

// NewHandler creates the upgrade handler.
func NewHandler(hub *EventHub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// Handle is the gin route for the websocket upgrade.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	// Handshake frame carries the allocated client ID.
	if env, err := ws.NewEnvelope(ws.TypeConnection, "", ws.ConnectionPayload{
		ClientID: client.ID,
	}); err == nil {
		client.sendEnvelope(env)
	}

	go client.WritePump()
	go client.ReadPump()
}
