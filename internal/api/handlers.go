// Package api exposes the REST boundary: session lifecycle, message
// queue operations, and the health endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/session"
	"github.com/clawdeck/clawdeck/internal/session/queue"
)

const serviceName = "clawdeck"

// Orchestrator is the session surface the REST layer consumes.
type Orchestrator interface {
	Create(ctx context.Context, workingDir string, opts session.CreateOptions) (session.CreateResult, error)
	Terminate(ctx context.Context, sessionID string) bool
	ListActive() []session.StatusSnapshot
	Details(sessionID string) (session.Details, error)
	Status(sessionID string) (session.StatusSnapshot, error)
	Stats() session.Stats
	Enqueue(sessionID, payload string) (queue.Message, error)
	Messages(sessionID string) ([]queue.Message, error)
	RemoveMessage(sessionID, messageID string) error
}

// Handler serves the REST routes.
type Handler struct {
	orch   Orchestrator
	logger *logger.Logger
}

// NewHandler creates the REST handler.
func NewHandler(orch Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)
	r.GET("/sessions", h.listSessions)
	r.POST("/sessions", h.createSession)
	r.GET("/sessions/:id", h.sessionDetails)
	r.DELETE("/sessions/:id", h.terminateSession)
	r.GET("/sessions/:id/status", h.sessionStatus)
	r.POST("/sessions/:id/messages", h.enqueueMessage)
	r.GET("/sessions/:id/messages", h.listMessages)
	r.DELETE("/sessions/:id/messages/:messageId", h.removeMessage)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"service":   serviceName,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.orch.ListActive(),
		"stats":    h.orch.Stats(),
	})
}

type createSessionRequest struct {
	WorkingDirectory string `json:"workingDirectory" binding:"required"`
	SkipPermissions  *bool  `json:"skipPermissions"`
	ThrottleMs       *int   `json:"throttleMs"`
	AutoClearMs      *int   `json:"autoClearMs"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "workingDirectory is required")
		return
	}

	result, err := h.orch.Create(c.Request.Context(), req.WorkingDirectory, session.CreateOptions{
		SkipPermissions: req.SkipPermissions,
		ThrottleMs:      req.ThrottleMs,
		AutoClearMs:     req.AutoClearMs,
	})
	if err != nil {
		h.writeSessionError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) sessionDetails(c *gin.Context) {
	details, err := h.orch.Details(c.Param("id"))
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) sessionStatus(c *gin.Context) {
	status, err := h.orch.Status(c.Param("id"))
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) terminateSession(c *gin.Context) {
	id := c.Param("id")
	if !h.orch.Terminate(c.Request.Context(), id) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "session terminated",
	})
}

type enqueueRequest struct {
	Message string `json:"message"`
}

func (h *Handler) enqueueMessage(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body")
		return
	}

	msg, err := h.orch.Enqueue(c.Param("id"), req.Message)
	if err != nil {
		if errors.Is(err, session.ErrValidation) {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
			return
		}
		h.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.orch.Messages(c.Param("id"))
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	if messages == nil {
		messages = []queue.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) removeMessage(c *gin.Context) {
	err := h.orch.RemoveMessage(c.Param("id"), c.Param("messageId"))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMessageNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		case errors.Is(err, session.ErrMessageProcessing):
			writeError(c, http.StatusConflict, "VALIDATION_ERROR", err.Error())
		default:
			h.writeSessionError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// writeSessionError maps taxonomy errors to HTTP statuses. Single-line
// messages only; stack traces never cross the boundary.
func (h *Handler) writeSessionError(c *gin.Context, err error) {
	kind := session.ErrorKind(err)
	switch kind {
	case "VALIDATION_ERROR":
		writeError(c, http.StatusBadRequest, kind, err.Error())
	case "CAPACITY_ERROR":
		writeError(c, http.StatusConflict, kind, err.Error())
	case "NOT_FOUND":
		writeError(c, http.StatusNotFound, kind, err.Error())
	case "SPAWN_ERROR":
		writeError(c, http.StatusInternalServerError, kind, err.Error())
	default:
		h.logger.Error("internal error at boundary", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": message, "code": code})
}
