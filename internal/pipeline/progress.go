package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// Progress is the poll-friendly snapshot of a running batch, kept in
// memory next to the durable stage outcomes.
type Progress struct {
	Total     int              `json:"total"`
	Processed int              `json:"processed"`
	Spam      int              `json:"spam"`
	Failed    int              `json:"failed"`
	Routed    int              `json:"routed"`
	Current   int              `json:"current"`
	Status    string           `json:"status"`
	Results   []map[string]any `json:"results"`
}

type progressTracker struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*Progress
}

func newProgressTracker() *progressTracker {
	return &progressTracker{batches: map[uuid.UUID]*Progress{}}
}

func (p *progressTracker) start(batchID uuid.UUID, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches[batchID] = &Progress{Total: total, Status: "processing", Results: []map[string]any{}}
}

func (p *progressTracker) update(batchID uuid.UUID, fn func(*Progress)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.batches[batchID]; ok {
		fn(pr)
	}
}

func (p *progressTracker) get(batchID uuid.UUID) (Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.batches[batchID]
	if !ok {
		return Progress{}, false
	}
	out := *pr
	out.Results = make([]map[string]any, len(pr.Results))
	copy(out.Results, pr.Results)
	return out, true
}
