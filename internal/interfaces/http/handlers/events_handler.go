package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
	"github.com/visor-agent/visor/internal/infrastructure/runstore"
	"github.com/visor-agent/visor/internal/infrastructure/sse"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// maxReplay caps how much history one connection may request.
const maxReplay = 256

// EventsHandler streams engine events over SSE.
type EventsHandler struct {
	broker    *sse.Broker
	turnStore *runstore.TurnStore
	logger    *zap.Logger
}

// NewEventsHandler creates the SSE handler.
func NewEventsHandler(broker *sse.Broker, turnStore *runstore.TurnStore, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{broker: broker, turnStore: turnStore, logger: logger}
}

// Stream handles GET /events?replay=N. Recent turns are replayed first,
// then live events flow until the client disconnects.
func (h *EventsHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	replay := 0
	if v := c.Query("replay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			replay = n
			if replay > maxReplay {
				replay = maxReplay
			}
		}
	}

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub.ID)

	// A turn appended between Subscribe and Replay shows up in both; the
	// live copy is suppressed so clients see each seq exactly once, in order.
	var lastReplayed int64
	for _, turn := range h.turnStore.Replay(replay) {
		h.write(c, sse.Event{Kind: "turn", Data: turn})
		lastReplayed = turn.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if t, isTurn := ev.Data.(*entity.Turn); isTurn && t.Seq <= lastReplayed {
				continue
			}
			h.write(c, ev)
			flusher.Flush()
		case <-heartbeat.C:
			c.Writer.WriteString(": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) write(c *gin.Context, ev sse.Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		h.logger.Warn("Failed to encode event", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}
	c.Writer.WriteString("event: " + ev.Kind + "\n")
	c.Writer.WriteString("data: " + string(payload) + "\n\n")
}
