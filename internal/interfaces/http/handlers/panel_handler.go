package handlers

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
	"github.com/visor-agent/visor/internal/domain/service"
	"github.com/visor-agent/visor/internal/infrastructure/gate"
	"github.com/visor-agent/visor/internal/infrastructure/policy"
	"github.com/visor-agent/visor/internal/infrastructure/runstore"
	"github.com/visor-agent/visor/internal/infrastructure/sse"
)

//go:embed panel.html
var panelHTML []byte

// debugExecTimeout bounds a one-shot /debug/execute run.
const debugExecTimeout = 60 * time.Second

// PanelHandler serves the annotator panel and the control endpoints.
type PanelHandler struct {
	engine    *service.EngineLoop
	executor  service.Executor
	gate      *gate.Gate
	policies  *policy.Store
	turnStore *runstore.TurnStore
	broker    *sse.Broker
	logger    *zap.Logger
	started   time.Time
}

// NewPanelHandler creates the panel/control handler.
func NewPanelHandler(
	engine *service.EngineLoop,
	executor service.Executor,
	g *gate.Gate,
	policies *policy.Store,
	turnStore *runstore.TurnStore,
	broker *sse.Broker,
	logger *zap.Logger,
) *PanelHandler {
	return &PanelHandler{
		engine:    engine,
		executor:  executor,
		gate:      g,
		policies:  policies,
		turnStore: turnStore,
		broker:    broker,
		logger:    logger,
		started:   time.Now(),
	}
}

// Index serves the embedded single-page panel.
func (h *PanelHandler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", panelHTML)
}

// Health reports engine status for GET /health.
func (h *PanelHandler) Health(c *gin.Context) {
	snap := h.engine.Machine().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"ts":          time.Now().UTC().Format(time.RFC3339),
		"state":       snap.State,
		"paused":      h.engine.Paused(),
		"last_seq":    h.turnStore.LastSeq(),
		"turns":       snap.Turns,
		"error_turns": snap.ErrorTurns,
		"last_error":  snap.LastError,
		"subscribers": h.broker.Count(),
		"run_dir":     h.turnStore.Dir(),
		"uptime_s":    int(time.Since(h.started).Seconds()),
	})
}

// RenderJob hands the pending render job to a polling annotator. An empty
// gate answers with the waiting sentinel; polling does not consume the job.
func (h *PanelHandler) RenderJob(c *gin.Context) {
	job := h.gate.Peek()
	if job == nil {
		c.JSON(http.StatusOK, gin.H{"waiting": true})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Annotated accepts the browser's annotated image for the pending job.
func (h *PanelHandler) Annotated(c *gin.Context) {
	var req entity.AnnotatedImage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad_payload", "error": err.Error()})
		return
	}
	if req.Seq <= 0 || req.ImageB64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad_payload", "error": "seq and image_b64 are required"})
		return
	}

	verdict := h.gate.Deliver(req.Seq, req.ImageB64)
	switch verdict {
	case gate.DeliverOK:
		c.JSON(http.StatusOK, gin.H{"status": verdict.String()})
	case gate.DeliverBadPayload:
		c.JSON(http.StatusBadRequest, gin.H{"status": verdict.String()})
	default: // stale, no_pending
		c.JSON(http.StatusConflict, gin.H{"status": verdict.String(), "seq": req.Seq})
	}
}

// Pause holds the engine at the next turn boundary.
func (h *PanelHandler) Pause(c *gin.Context) {
	h.engine.Pause()
	h.persistPauseFlag(true)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "paused": true})
}

// Unpause releases the engine.
func (h *PanelHandler) Unpause(c *gin.Context) {
	h.engine.Unpause()
	h.persistPauseFlag(false)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "paused": false})
}

func (h *PanelHandler) persistPauseFlag(paused bool) {
	snap := h.engine.Machine().Snapshot()
	err := h.turnStore.WriteState(runstore.State{
		LastSeq:   h.turnStore.LastSeq(),
		Paused:    paused,
		LastError: snap.LastError,
	})
	if err != nil {
		h.logger.Warn("Failed to persist pause flag", zap.Error(err))
	}
}

// GetAllowedTools returns the current allowlist as a bare name array.
func (h *PanelHandler) GetAllowedTools(c *gin.Context) {
	c.JSON(http.StatusOK, h.policies.Snapshot().Allowed())
}

// SetAllowedTools replaces the allowlist from a bare name array. Unknown
// names are dropped; a request that leaves nothing allowed is rejected.
func (h *PanelHandler) SetAllowedTools(c *gin.Context) {
	var names []string
	if err := c.ShouldBindJSON(&names); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad_payload", "error": err.Error()})
		return
	}

	if _, err := h.policies.Replace(names); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DebugExecute runs the executor once with an operator-supplied story,
// outside the turn loop. Refused while the engine is running so a manual
// probe cannot race a live turn's child process.
func (h *PanelHandler) DebugExecute(c *gin.Context) {
	if !h.engine.Paused() {
		c.JSON(http.StatusConflict, gin.H{"status": "engine_running", "error": "pause the engine before debug execution"})
		return
	}

	var req struct {
		StoryText string `json:"story_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StoryText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "bad_payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), debugExecTimeout)
	defer cancel()

	out, err := h.executor.Execute(ctx, req.StoryText, h.policies.Snapshot().Allowed(), true)
	if err != nil {
		h.logger.Warn("Debug execution failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"executed":      out.Executed,
		"malformed":     out.Malformed,
		"raw_image_b64": out.RawImageB64,
	})
}
