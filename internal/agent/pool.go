package agent

import (
	"context"
	"sync"
)

// Pool runs a set of agents and exposes their lifecycle state. Agents in
// the pool share the frozen handle and the bus but never block each other.
type Pool struct {
	mu     sync.RWMutex
	agents []*Agent
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add registers an agent before Run.
func (p *Pool) Add(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = append(p.agents, a)
}

// Agents returns the registered agents.
func (p *Pool) Agents() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// Run drives every agent loop until the context ends or the engagement
// halts, then waits for all loops to exit.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range p.Agents() {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Run(ctx)
		}(a)
	}
	wg.Wait()
}

// Role returns the agent's specialization role.
func (a *Agent) Role() string {
	return a.spec.Role()
}
