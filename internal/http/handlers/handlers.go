package handlers

import (
	"context"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/db"
	"github.com/firedesk/backend/internal/ingest"
	"github.com/firedesk/backend/internal/models"
	"github.com/firedesk/backend/internal/pipeline"
)

type Handler struct {
	Store        *db.Store
	Orchestrator *pipeline.Orchestrator
	Bus          *bus.Bus
	Validator    *validator.Validate
	Logger       zerolog.Logger
}

type ImportSummary struct {
	BatchID string `json:"batch_id"`
	Tickets struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"tickets"`
	Agents struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"agents"`
	Offices struct {
		Parsed   int `json:"parsed"`
		Inserted int `json:"inserted"`
		Errors   int `json:"errors"`
	} `json:"offices"`
	Errors []string `json:"errors"`
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, gin.H{"code": code, "message": message, "details": details})
}

// @Summary Service health
// @Produce json
// @Success 200 {object} map[string]any
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Import tickets, agents and offices
// @Accept multipart/form-data
// @Produce json
// @Param tickets formData file true "tickets table (.csv or .xlsx)"
// @Param agents formData file false "agents table"
// @Param offices formData file false "offices table"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/import [post]
func (h *Handler) Import(c *gin.Context) {
	ticketsFile, err := c.FormFile("tickets")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "tickets file required", nil)
		return
	}

	ctx := c.Request.Context()
	summary := ImportSummary{Errors: []string{}}

	batch := models.Batch{
		ID:        uuid.New(),
		Filename:  ticketsFile.Filename,
		Status:    models.BatchUploaded,
		CreatedAt: time.Now().UTC(),
	}
	summary.BatchID = batch.ID.String()

	records, err := readUpload(ticketsFile)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	tickets := ingest.TicketRows(records, batch.ID)
	summary.Tickets.Parsed = len(tickets.Rows)
	summary.Tickets.Errors = len(tickets.Errors)
	summary.Errors = append(summary.Errors, tickets.Errors...)

	batch.TotalRows = len(tickets.Rows)
	if err := h.Store.CreateBatch(ctx, batch); err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "batch create failed", err.Error())
		return
	}
	inserted, err := h.Store.InsertTickets(ctx, tickets.Rows)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "ticket insert failed", err.Error())
		return
	}
	summary.Tickets.Inserted = int(inserted)

	if agentsFile, err := c.FormFile("agents"); err == nil {
		records, err := readUpload(agentsFile)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		} else {
			agents := ingest.AgentRows(records)
			summary.Agents.Parsed = len(agents.Rows)
			summary.Agents.Errors = len(agents.Errors)
			summary.Errors = append(summary.Errors, agents.Errors...)
			if n, err := h.Store.InsertAgents(ctx, agents.Rows); err != nil {
				summary.Errors = append(summary.Errors, "agent insert failed: "+err.Error())
			} else {
				summary.Agents.Inserted = int(n)
			}
		}
	}

	if officesFile, err := c.FormFile("offices"); err == nil {
		records, err := readUpload(officesFile)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		} else {
			offices := ingest.OfficeRows(records)
			summary.Offices.Parsed = len(offices.Rows)
			summary.Offices.Errors = len(offices.Errors)
			summary.Errors = append(summary.Errors, offices.Errors...)
			if n, err := h.Store.InsertOffices(ctx, offices.Rows); err != nil {
				summary.Errors = append(summary.Errors, "office insert failed: "+err.Error())
			} else {
				summary.Offices.Inserted = int(n)
			}
		}
	}

	h.Logger.Info().
		Str("batch_id", batch.ID.String()).
		Int("tickets", summary.Tickets.Parsed).
		Msg("import complete")
	c.JSON(http.StatusOK, summary)
}

func readUpload(fh *multipart.FileHeader) ([][]string, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ReadTable(fh.Filename, f)
}

// @Summary Start batch processing
// @Produce json
// @Param id path string true "batch id"
// @Success 202 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/batches/{id}/process [post]
func (h *Handler) Process(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
		return
	}
	if err := h.Orchestrator.Start(c.Request.Context(), batchID); err != nil {
		writeError(c, http.StatusConflict, "ALREADY_PROCESSING", err.Error(), nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "status": "processing"})
}

// @Summary Cancel batch processing
// @Produce json
// @Param id path string true "batch id"
// @Success 200 {object} map[string]any
// @Router /api/batches/{id}/cancel [post]
func (h *Handler) CancelBatch(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
		return
	}
	cancelled := h.Orchestrator.Cancel(batchID)
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "cancelled": cancelled})
}

// @Summary Batch progress snapshot
// @Produce json
// @Param id path string true "batch id"
// @Success 200 {object} pipeline.Progress
// @Failure 404 {object} map[string]any
// @Router /api/batches/{id}/progress [get]
func (h *Handler) BatchProgress(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
		return
	}
	if p, ok := h.Orchestrator.Progress(batchID); ok {
		c.JSON(http.StatusOK, p)
		return
	}
	// No live run; answer from the durable batch row.
	batch, err := h.Store.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "batch not found", nil)
		return
	}
	c.JSON(http.StatusOK, pipeline.Progress{
		Total:     batch.TotalRows,
		Processed: batch.Processed,
		Spam:      batch.SpamCount,
		Failed:    batch.FailedRows,
		Status:    string(batch.Status),
		Results:   []map[string]any{},
	})
}

// @Summary Stage outcomes of a batch
// @Produce json
// @Param id path string true "batch id"
// @Success 200 {array} models.StageOutcome
// @Router /api/batches/{id}/outcomes [get]
func (h *Handler) BatchOutcomes(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
		return
	}
	outcomes, err := h.Store.ListStageOutcomesByBatch(c.Request.Context(), batchID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "outcome query failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, outcomes)
}

// @Summary Purge PII bindings of a batch
// @Produce json
// @Param id path string true "batch id"
// @Success 200 {object} map[string]any
// @Router /api/batches/{id}/purge-pii [post]
func (h *Handler) PurgePII(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
		return
	}
	n, err := h.Store.PurgePIIBindings(c.Request.Context(), batchID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "purge failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "purged": n})
}

// @Summary List tickets (anonymized projection)
// @Produce json
// @Param batch_id query string false "filter by batch"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {array} map[string]any
// @Router /api/tickets [get]
func (h *Handler) TicketsList(c *gin.Context) {
	batchID := uuid.Nil
	if raw := c.Query("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid batch id", nil)
			return
		}
		batchID = id
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Store.ListTicketView(c.Request.Context(), batchID, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "ticket query failed", err.Error())
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	c.JSON(http.StatusOK, items)
}

// @Summary Ticket details
// @Produce json
// @Param id path string true "ticket id"
// @Success 200 {object} map[string]any
// @Router /api/tickets/{id} [get]
func (h *Handler) TicketDetails(c *gin.Context) {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid ticket id", nil)
		return
	}
	ctx := c.Request.Context()

	result := gin.H{"ticket_id": ticketID}
	if analysis, err := h.Store.GetAnalysis(ctx, ticketID); err == nil {
		result["analysis"] = analysis
	}
	if assignment, err := h.Store.GetAssignment(ctx, ticketID); err == nil && assignment != nil {
		result["assignment"] = assignment
	}
	c.JSON(http.StatusOK, result)
}

// @Summary List agents
// @Produce json
// @Success 200 {array} models.Agent
// @Router /api/agents [get]
func (h *Handler) AgentsList(c *gin.Context) {
	agents, err := h.Store.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "agent query failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, agents)
}

// @Summary List offices
// @Produce json
// @Success 200 {array} models.Office
// @Router /api/offices [get]
func (h *Handler) OfficesList(c *gin.Context) {
	offices, err := h.Store.ListOffices(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "office query failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, offices)
}

type reassignRequest struct {
	AgentID     string `json:"agent_id" validate:"required"`
	OfficeID    string `json:"office_id" validate:"required"`
	Explanation string `json:"explanation"`
}

// @Summary Manually reassign a ticket
// @Accept json
// @Produce json
// @Param id path string true "ticket id"
// @Success 200 {object} map[string]any
// @Router /api/tickets/{id}/reassign [post]
func (h *Handler) Reassign(c *gin.Context) {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid ticket id", nil)
		return
	}
	var req reassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid body", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "validation failed", err.Error())
		return
	}
	explanation := req.Explanation
	if explanation == "" {
		explanation = "manual reassignment"
	}
	if err := h.Store.Reassign(c.Request.Context(), ticketID, req.AgentID, req.OfficeID, explanation); err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "reassign failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": ticketID, "agent_id": req.AgentID})
}
