package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dio/internal/events"
	"dio/pkg/logger"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// EventsHandler streams registry and autoscaler events over WebSocket
type EventsHandler struct {
	broadcaster *events.Broadcaster
}

// NewEventsHandler creates events handler
func NewEventsHandler(broadcaster *events.Broadcaster) *EventsHandler {
	return &EventsHandler{broadcaster: broadcaster}
}

// Stream streams events as JSON text frames
// @Summary Event stream
// @Description WebSocket stream of worker transitions and scaling intents
// @Tags events
// @Param type query string false "Event type prefix, e.g. worker. or intent."
// @Param model query string false "Only events of this model"
// @Router /v1/events [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	typePrefix := c.Query("type")
	modelID := c.Query("model")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "Failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	sub := h.broadcaster.Subscribe()
	defer sub.Close()

	// the read loop only notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if typePrefix != "" && !strings.HasPrefix(string(e.Type), typePrefix) {
				continue
			}
			if modelID != "" && !e.Concerns(modelID) {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteJSON(e); err != nil {
				logger.DebugCtx(c.Request.Context(), "event stream closed: %v", err)
				return
			}
		}
	}
}
