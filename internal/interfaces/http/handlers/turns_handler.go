package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/visor-agent/visor/internal/infrastructure/persistence"
)

// TurnsHandler serves turn history from the sqlite index.
type TurnsHandler struct {
	index *persistence.TurnIndex
}

// NewTurnsHandler creates the history handler.
func NewTurnsHandler(index *persistence.TurnIndex) *TurnsHandler {
	return &TurnsHandler{index: index}
}

// List handles GET /turns?limit=N.
func (h *TurnsHandler) List(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := h.index.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := h.index.Count()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": recs, "total": total})
}
