package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity levels for findings
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ValidSeverity reports whether s is a recognized severity level.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Finding represents a discovered fact published by an agent. Findings are
// immutable once published; they are owned by the publishing agent until
// publish and by the bus/audit log afterwards.
type Finding struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"` // low, medium, high, critical
	Target    string         `json:"target"`
	Evidence  map[string]any `json:"evidence"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool"`
	Topic     string         `json:"topic"`
	Signature string         `json:"signature,omitempty"`
}

// AgentAction records something an agent did. DecisionContext holds the
// ordered ids of findings that causally influenced this action. An empty
// DecisionContext means the action was genuinely unprompted by any swarm
// signal; every referenced finding must have been published strictly before
// the action's timestamp.
type AgentAction struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Kind            string    `json:"kind"`
	Target          string    `json:"target"`
	Timestamp       time.Time `json:"timestamp"`
	DecisionContext []string  `json:"decision_context"`
	ResultFindingID string    `json:"result_finding_id,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// KillCommand requests an engagement-wide halt. Issuing it twice has the
// same effect as issuing it once. The broadcast form on the control
// subject carries a signature like every other bus payload.
type KillCommand struct {
	Issuer    string    `json:"issuer"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Signature string    `json:"signature,omitempty"`
}

// Authorization message types on a sign-off subject.
const (
	AuthRequest  = "request"
	AuthResponse = "response"
)

// Authorization is one message in a human sign-off round trip. Request and
// response share the per-request subject; Type discriminates them. Both
// directions are signed: an unverified approval never releases a gated
// action.
type Authorization struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Target    string `json:"target,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Responder string `json:"responder,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ChainStep is one hop in an attack path: the target an agent acted on, the
// technique it used, and the finding that resulted.
type ChainStep struct {
	Target    string `json:"target"`
	Technique string `json:"technique"`
	FindingID string `json:"finding_id"`
}

// AttackPathChain is the ordered sequence of steps one agent followed to a
// conclusion. Chains are derived from action/finding history during
// emergence validation and never persisted as primary state.
type AttackPathChain struct {
	AgentID string      `json:"agent_id"`
	Steps   []ChainStep `json:"steps"`
}

// EmergenceRun is the paired record produced by one validation execution.
type EmergenceRun struct {
	IsolatedChains    []AttackPathChain `json:"isolated_chains"`
	CoordinatedChains []AttackPathChain `json:"coordinated_chains"`
	Completeness      float64           `json:"decision_context_completeness_ratio"`
}

// NewFinding creates an unsigned finding with a fresh id and UTC timestamp.
func NewFinding(kind, severity, target, agentID, tool string) *Finding {
	return &Finding{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Target:    target,
		Evidence:  make(map[string]any),
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Tool:      tool,
	}
}

// NewAgentAction creates an unsigned action with a fresh id and UTC
// timestamp. decisionContext is copied so the caller's slice stays private.
func NewAgentAction(agentID, kind, target string, decisionContext []string) *AgentAction {
	ctx := make([]string, len(decisionContext))
	copy(ctx, decisionContext)
	return &AgentAction{
		ID:              uuid.New().String(),
		AgentID:         agentID,
		Kind:            kind,
		Target:          target,
		Timestamp:       time.Now().UTC(),
		DecisionContext: ctx,
	}
}

// CheckCausality verifies that every decision_context reference points at a
// finding published strictly before the action's timestamp. findingsByID
// must contain all findings visible in the history being checked.
func CheckCausality(action *AgentAction, findingsByID map[string]*Finding) error {
	for _, fid := range action.DecisionContext {
		f, ok := findingsByID[fid]
		if !ok {
			return fmt.Errorf("action %s references unknown finding %s", action.ID, fid)
		}
		if !f.Timestamp.Before(action.Timestamp) {
			return fmt.Errorf("action %s at %s references finding %s published at %s: no forward causality",
				action.ID, action.Timestamp.Format(time.RFC3339Nano), fid, f.Timestamp.Format(time.RFC3339Nano))
		}
	}
	return nil
}
