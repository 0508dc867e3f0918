// Package registry supplies worker capability snapshots to the routing
// engine. The static implementation is seeded from configuration and updated
// in place as load reports arrive.
package registry

import (
	"context"
	"sort"
	"sync"

	"signalflow/internal/domain"
)

// Static is an in-memory capability registry. Snapshot hands out copies, so
// the routing engine can never observe a partial update.
type Static struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentCapability
}

// NewStatic creates a registry seeded with the given workers.
func NewStatic(agents []domain.AgentCapability) *Static {
	s := &Static{agents: make(map[string]domain.AgentCapability, len(agents))}
	for _, a := range agents {
		s.agents[a.AgentID] = a
	}
	return s
}

// Snapshot implements domain.CapabilityRegistry. Order is stable by agent id.
func (s *Static) Snapshot(context.Context) ([]domain.AgentCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AgentCapability, 0, len(s.agents))
	for _, a := range s.agents {
		a.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Upsert adds or replaces a worker declaration.
func (s *Static) Upsert(agent domain.AgentCapability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.AgentID] = agent
}

// Remove drops a worker. Unknown ids are a no-op.
func (s *Static) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// SetLoad updates a worker's current load. Reports for unknown workers are
// dropped; false tells the caller so it can log at its own level.
func (s *Static) SetLoad(agentID string, load int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return false
	}
	if load < 0 {
		load = 0
	}
	a.CurrentLoad = load
	s.agents[agentID] = a
	return true
}

var _ domain.CapabilityRegistry = (*Static)(nil)
