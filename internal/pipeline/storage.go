package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/models"
)

// Storage is the slice of the relational store the pipeline needs. The
// pgx-backed implementation lives in internal/db; tests use an
// in-memory one.
type Storage interface {
	GetBatch(ctx context.Context, id uuid.UUID) (models.Batch, error)
	UpdateBatch(ctx context.Context, b models.Batch) error

	ListTicketsByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Ticket, error)
	UpdateTicketSpam(ctx context.Context, ticketID uuid.UUID, isSpam bool, probability float64) error
	UpdateTicketScrubbed(ctx context.Context, ticketID uuid.UUID, scrubbed string) error
	UpdateTicketGeo(ctx context.Context, ticketID uuid.UUID, lat, lon *float64, status models.AddressStatus, explanation string) error
	UpdateTicketStatus(ctx context.Context, ticketID uuid.UUID, status models.TicketStatus) error

	InsertPIIBindings(ctx context.Context, bindings []models.PIIBinding) error
	ListPIIBindings(ctx context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error)

	UpsertAnalysis(ctx context.Context, a models.Analysis) error

	UpsertStageOutcome(ctx context.Context, o models.StageOutcome) error
	GetStageOutcome(ctx context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error)

	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListOffices(ctx context.Context) ([]models.Office, error)
	SaveAssignment(ctx context.Context, a models.Assignment, loadDelta int) error
}
