package routing

import (
	"sync"

	"github.com/firedesk/backend/internal/models"
)

// Ledger owns the committed load per agent. Routing reads a snapshot and
// commits through a single mutex so concurrent batches can never
// double-spend an agent's capacity.
type Ledger struct {
	mu    sync.Mutex
	loads map[string]int
}

func NewLedger() *Ledger {
	return &Ledger{loads: map[string]int{}}
}

// Seed initializes loads from the stored agent roster. Existing entries
// are kept when already higher (another batch may have committed since
// the roster was read).
func (l *Ledger) Seed(agents []models.Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range agents {
		if current, ok := l.loads[a.ID]; !ok || a.Load > current {
			l.loads[a.ID] = a.Load
		}
	}
}

// Snapshot returns a consistent copy of every agent's committed load.
func (l *Ledger) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.loads))
	for id, load := range l.loads {
		out[id] = load
	}
	return out
}

// Commit adds delta to the agent's committed load and returns the value
// before and after.
func (l *Ledger) Commit(agentID string, delta int) (before, after int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	before = l.loads[agentID]
	after = before + delta
	if after < 0 {
		after = 0
	}
	l.loads[agentID] = after
	return before, after
}

func (l *Ledger) Load(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[agentID]
}
