package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/bus"
)

// @Summary Live stage events (SSE)
// @Produce text/event-stream
// @Param batch_id query string false "filter to one batch"
// @Router /api/events [get]
func (h *Handler) Events(c *gin.Context) {
	var batchFilter uuid.UUID
	if raw := c.Query("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
			return
		}
		batchFilter = id
	}

	sub, err := h.Bus.Subscribe(bus.DefaultQueueSize)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "BUS_CLOSED", "event stream unavailable", nil)
		return
	}
	defer sub.Unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			if batchFilter != uuid.Nil && ev.BatchID != batchFilter {
				return true
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			c.SSEvent("message", string(payload))
			return true
		}
	})
}
