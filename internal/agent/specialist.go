package agent

import (
	"fmt"
	"sync"

	"github.com/sgerhart/swarmgate/internal/model"
)

// Roles form a closed set of actor specializations selected by
// configuration, all behind one capability interface.
const (
	RoleRecon       = "recon"
	RoleExploit     = "exploit"
	RolePostExploit = "postexploit"
)

// Finding kinds exchanged between the specializations.
const (
	KindHostDiscovered = "host_discovered"
	KindOpenPort       = "open_port"
	KindCompromise     = "compromise"
	KindCredential     = "credential_found"
)

// Decision is a specialist's chosen next action. ConsumedFindings lists
// the finding ids the decision logic actually used to make this choice;
// the agent feeds them to the decision-context tracker.
type Decision struct {
	Kind             string
	Target           string
	Tool             string
	Conclude         bool
	ConsumedFindings []string
}

// Specialist is the shared capability interface across actor roles:
// observe a signal, decide the next action, emit a finding from a
// completed action.
type Specialist interface {
	Role() string
	// ObserveSignal reports whether the finding was retained as a
	// potential input for a future decision.
	ObserveSignal(f *model.Finding) bool
	// DecideNext returns the next action to take, or nil when this
	// specialist has no work.
	DecideNext() *Decision
	// EmitFinding derives the result finding for a completed action, or
	// nil when the action produced nothing worth publishing.
	EmitFinding(d *Decision, evidence map[string]any) *model.Finding
}

// NewSpecialist selects a role implementation from the closed set.
func NewSpecialist(role, agentID string, seeds []string) (Specialist, error) {
	switch role {
	case RoleRecon:
		return newRecon(agentID, seeds), nil
	case RoleExploit:
		return newReactive(agentID, RoleExploit, KindOpenPort, "exploit", "exploit-kit", KindCompromise, model.SeverityHigh, false), nil
	case RolePostExploit:
		return newReactive(agentID, RolePostExploit, KindCompromise, "loot", "cred-harvester", KindCredential, model.SeverityCritical, true), nil
	}
	return nil, fmt.Errorf("unknown agent role %q", role)
}

// recon works through seed targets unprompted and follows host-discovery
// signals from the swarm.
type recon struct {
	agentID string
	mu      sync.Mutex
	seeds   []string
	leads   []*model.Finding
	visited map[string]struct{}
}

func newRecon(agentID string, seeds []string) *recon {
	s := make([]string, len(seeds))
	copy(s, seeds)
	return &recon{agentID: agentID, seeds: s, visited: make(map[string]struct{})}
}

func (r *recon) Role() string { return RoleRecon }

func (r *recon) ObserveSignal(f *model.Finding) bool {
	if f.Kind != KindHostDiscovered || f.AgentID == r.agentID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visited[f.Target]; ok {
		return false
	}
	r.leads = append(r.leads, f)
	return true
}

func (r *recon) DecideNext() *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Swarm leads take priority over the static seed list.
	for len(r.leads) > 0 {
		lead := r.leads[0]
		r.leads = r.leads[1:]
		if _, ok := r.visited[lead.Target]; ok {
			continue
		}
		r.visited[lead.Target] = struct{}{}
		return &Decision{
			Kind:             "scan",
			Target:           lead.Target,
			Tool:             "portscan",
			ConsumedFindings: []string{lead.ID},
		}
	}

	for len(r.seeds) > 0 {
		seed := r.seeds[0]
		r.seeds = r.seeds[1:]
		if _, ok := r.visited[seed]; ok {
			continue
		}
		r.visited[seed] = struct{}{}
		// Seed scans are genuinely unprompted: empty decision context.
		return &Decision{Kind: "scan", Target: seed, Tool: "portscan"}
	}
	return nil
}

func (r *recon) EmitFinding(d *Decision, evidence map[string]any) *model.Finding {
	f := model.NewFinding(KindOpenPort, model.SeverityMedium, d.Target, r.agentID, d.Tool)
	for k, v := range evidence {
		f.Evidence[k] = v
	}
	return f
}

// reactive covers the exploit and post-exploitation roles: both react to
// one upstream finding kind and emit one downstream kind. Each upstream
// finding is acted on at most once per specialist.
type reactive struct {
	agentID     string
	role        string
	consumeKind string
	actionKind  string
	tool        string
	emitKind    string
	severity    string
	conclude    bool

	mu      sync.Mutex
	pending []*model.Finding
	acted   map[string]struct{}
}

func newReactive(agentID, role, consumeKind, actionKind, tool, emitKind, severity string, conclude bool) *reactive {
	return &reactive{
		agentID:     agentID,
		role:        role,
		consumeKind: consumeKind,
		actionKind:  actionKind,
		tool:        tool,
		emitKind:    emitKind,
		severity:    severity,
		conclude:    conclude,
		acted:       make(map[string]struct{}),
	}
}

func (s *reactive) Role() string { return s.role }

func (s *reactive) ObserveSignal(f *model.Finding) bool {
	if f.Kind != s.consumeKind {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.acted[f.ID]; ok {
		return false
	}
	s.pending = append(s.pending, f)
	return true
}

func (s *reactive) DecideNext() *Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		if _, ok := s.acted[f.ID]; ok {
			continue
		}
		s.acted[f.ID] = struct{}{}
		return &Decision{
			Kind:             s.actionKind,
			Target:           f.Target,
			Tool:             s.tool,
			Conclude:         s.conclude,
			ConsumedFindings: []string{f.ID},
		}
	}
	return nil
}

func (s *reactive) EmitFinding(d *Decision, evidence map[string]any) *model.Finding {
	f := model.NewFinding(s.emitKind, s.severity, d.Target, s.agentID, d.Tool)
	for k, v := range evidence {
		f.Evidence[k] = v
	}
	return f
}
