package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/models"
)

// memStore is the in-memory Storage used by the pipeline tests.
type memStore struct {
	mu            sync.Mutex
	batches       map[uuid.UUID]models.Batch
	tickets       map[uuid.UUID]models.Ticket
	bindings      map[uuid.UUID][]models.PIIBinding
	analyses      map[uuid.UUID]models.Analysis
	outcomes      map[string]models.StageOutcome
	assignments   map[uuid.UUID]models.Assignment
	agents        []models.Agent
	offices       []models.Office
	outcomeWrites int
}

func newMemStore() *memStore {
	return &memStore{
		batches:     map[uuid.UUID]models.Batch{},
		tickets:     map[uuid.UUID]models.Ticket{},
		bindings:    map[uuid.UUID][]models.PIIBinding{},
		analyses:    map[uuid.UUID]models.Analysis{},
		outcomes:    map[string]models.StageOutcome{},
		assignments: map[uuid.UUID]models.Assignment{},
	}
}

func outcomeKey(ticketID uuid.UUID, stage models.Stage) string {
	return ticketID.String() + "/" + string(stage)
}

func (m *memStore) GetBatch(_ context.Context, id uuid.UUID) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[id], nil
}

func (m *memStore) UpdateBatch(_ context.Context, b models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *memStore) ListTicketsByBatch(_ context.Context, batchID uuid.UUID) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Ticket
	for _, t := range m.tickets {
		if t.BatchID == batchID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CSVRowIndex < out[j].CSVRowIndex })
	return out, nil
}

func (m *memStore) UpdateTicketSpam(_ context.Context, ticketID uuid.UUID, isSpam bool, probability float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	t.IsSpam = isSpam
	t.SpamProbability = probability
	m.tickets[ticketID] = t
	return nil
}

func (m *memStore) UpdateTicketScrubbed(_ context.Context, ticketID uuid.UUID, scrubbed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	t.DescriptionScrubbed = scrubbed
	m.tickets[ticketID] = t
	return nil
}

func (m *memStore) UpdateTicketGeo(_ context.Context, ticketID uuid.UUID, lat, lon *float64, status models.AddressStatus, explanation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	t.Latitude = lat
	t.Longitude = lon
	t.AddressStatus = status
	t.GeoExplanation = explanation
	m.tickets[ticketID] = t
	return nil
}

func (m *memStore) UpdateTicketStatus(_ context.Context, ticketID uuid.UUID, status models.TicketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	t.Status = status
	m.tickets[ticketID] = t
	return nil
}

func (m *memStore) InsertPIIBindings(_ context.Context, bindings []models.PIIBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bindings {
		m.bindings[b.TicketID] = append(m.bindings[b.TicketID], b)
	}
	return nil
}

func (m *memStore) ListPIIBindings(_ context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PIIBinding(nil), m.bindings[ticketID]...), nil
}

func (m *memStore) UpsertAnalysis(_ context.Context, a models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.TicketID] = a
	return nil
}

func (m *memStore) UpsertStageOutcome(_ context.Context, o models.StageOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomeWrites++
	key := outcomeKey(o.TicketID, o.Stage)
	if prev, ok := m.outcomes[key]; ok && prev.Status.Terminal() && prev.Status != models.StageSkipped {
		return nil
	}
	m.outcomes[key] = o
	return nil
}

func (m *memStore) GetStageOutcome(_ context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[outcomeKey(ticketID, stage)]; ok {
		out := o
		return &out, nil
	}
	return nil, nil
}

func (m *memStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Agent(nil), m.agents...), nil
}

func (m *memStore) ListOffices(_ context.Context) ([]models.Office, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Office(nil), m.offices...), nil
}

func (m *memStore) SaveAssignment(_ context.Context, a models.Assignment, loadDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.TicketID] = a
	if t, ok := m.tickets[a.TicketID]; ok {
		t.Status = models.TicketRouted
		m.tickets[a.TicketID] = t
	}
	for i := range m.agents {
		if m.agents[i].ID == a.AgentID {
			m.agents[i].Load += loadDelta
		}
	}
	return nil
}

var _ Storage = (*memStore)(nil)
