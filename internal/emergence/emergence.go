// Package emergence is the validation engine that compares coordinated and
// isolated execution histories to prove the swarm produces coordination
// benefit. It is test-time infrastructure, but its outputs are hard
// release gates, not advisory metrics.
package emergence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sgerhart/swarmgate/internal/model"
)

// History is one run's complete action and finding record.
type History struct {
	Findings []*model.Finding     `json:"findings"`
	Actions  []*model.AgentAction `json:"actions"`
}

// FindingsByID indexes the history's findings.
func (h *History) FindingsByID() map[string]*model.Finding {
	out := make(map[string]*model.Finding, len(h.Findings))
	for _, f := range h.Findings {
		out[f.ID] = f
	}
	return out
}

// CheckCausality verifies the no-forward-reference invariant across the
// whole history.
func (h *History) CheckCausality() error {
	byID := h.FindingsByID()
	for _, a := range h.Actions {
		if err := model.CheckCausality(a, byID); err != nil {
			return err
		}
	}
	return nil
}

// ChainEquality decides when two attack path chains count as the same
// discovery. Structural equality is not rigorously fixed by the source
// requirements, so the policy is configurable.
type ChainEquality string

const (
	// EqualityOrdered treats chains as equal only when the ordered
	// (target, technique) sequence matches exactly. Default.
	EqualityOrdered ChainEquality = "ordered"
	// EqualityUnordered treats chains as equal when they contain the same
	// (target, technique) steps regardless of intermediate ordering.
	EqualityUnordered ChainEquality = "unordered"
)

// key reduces a chain to a comparable form under the policy. Finding ids
// are excluded: two runs discovering the same path produce different ids.
func (eq ChainEquality) key(c model.AttackPathChain) string {
	steps := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		steps[i] = s.Target + "\x1f" + s.Technique
	}
	if eq == EqualityUnordered {
		sort.Strings(steps)
	}
	return strings.Join(steps, "\x1e")
}

// ExtractChains derives the attack path chains from a history: for each
// agent, its actions in timestamp order form a chain of (target,
// technique, result finding) steps, split whenever the agent starts from
// an unprompted action.
func ExtractChains(h *History) []model.AttackPathChain {
	byAgent := make(map[string][]*model.AgentAction)
	var agentOrder []string
	for _, a := range h.Actions {
		if _, ok := byAgent[a.AgentID]; !ok {
			agentOrder = append(agentOrder, a.AgentID)
		}
		byAgent[a.AgentID] = append(byAgent[a.AgentID], a)
	}

	var chains []model.AttackPathChain
	for _, agentID := range agentOrder {
		actions := byAgent[agentID]
		sort.SliceStable(actions, func(i, j int) bool {
			return actions[i].Timestamp.Before(actions[j].Timestamp)
		})

		var current []model.ChainStep
		flush := func() {
			if len(current) > 0 {
				chains = append(chains, model.AttackPathChain{AgentID: agentID, Steps: current})
				current = nil
			}
		}
		for _, a := range actions {
			// An unprompted action begins a fresh path.
			if len(a.DecisionContext) == 0 {
				flush()
			}
			current = append(current, model.ChainStep{
				Target:    a.Target,
				Technique: a.Kind,
				FindingID: a.ResultFindingID,
			})
		}
		flush()
	}
	return chains
}

// NovelChains returns the coordinated chains absent from the isolated set
// under the equality policy.
func NovelChains(coordinated, isolated []model.AttackPathChain, eq ChainEquality) []model.AttackPathChain {
	baseline := make(map[string]struct{}, len(isolated))
	for _, c := range isolated {
		baseline[eq.key(c)] = struct{}{}
	}
	var novel []model.AttackPathChain
	for _, c := range coordinated {
		if _, ok := baseline[eq.key(c)]; !ok {
			novel = append(novel, c)
		}
	}
	return novel
}

// CausalDepth computes the maximum number of alternating Finding→Action
// hops reachable by following decision_context back-references. The
// example chain Finding → Action → Finding → Action has depth 3.
func CausalDepth(h *History) int {
	byID := h.FindingsByID()
	actionByResult := make(map[string]*model.AgentAction)
	for _, a := range h.Actions {
		if a.ResultFindingID != "" {
			actionByResult[a.ResultFindingID] = a
		}
	}

	depthOfFinding := make(map[string]int)
	var findingDepth func(id string, visiting map[string]bool) int

	// actionDepth counts the hops ending at this action: 1 for the
	// Finding→Action hop plus the depth behind the deepest referenced
	// finding.
	actionDepth := func(a *model.AgentAction, visiting map[string]bool) int {
		best := 0
		for _, fid := range a.DecisionContext {
			if d := findingDepth(fid, visiting); d+1 > best {
				best = d + 1
			}
		}
		return best
	}

	findingDepth = func(id string, visiting map[string]bool) int {
		if d, ok := depthOfFinding[id]; ok {
			return d
		}
		if visiting[id] {
			return 0 // defensive: id arenas cannot cycle, but do not hang if one does
		}
		if _, ok := byID[id]; !ok {
			return 0
		}
		visiting[id] = true
		depth := 0
		// An Action→Finding hop exists when the finding resulted from an
		// action.
		if a, ok := actionByResult[id]; ok {
			if d := actionDepth(a, visiting); d > 0 {
				depth = d + 1
			}
		}
		delete(visiting, id)
		depthOfFinding[id] = depth
		return depth
	}

	max := 0
	for _, a := range h.Actions {
		if d := actionDepth(a, make(map[string]bool)); d > max {
			max = d
		}
	}
	return max
}

// Completeness measures decision-context coverage: of the actions that
// were demonstrably influenced by a signal, the fraction carrying a
// non-empty decision context. An action counts as influenced when some
// other agent's finding for the same target was published before it.
// Actions with no prior signal are genuinely unprompted and excluded from
// the denominator.
func Completeness(h *History) float64 {
	influenced := 0
	populated := 0
	for _, a := range h.Actions {
		if !demonstrablyInfluenced(h, a) {
			continue
		}
		influenced++
		if len(a.DecisionContext) > 0 {
			populated++
		}
	}
	if influenced == 0 {
		return 1.0
	}
	return float64(populated) / float64(influenced)
}

func demonstrablyInfluenced(h *History, a *model.AgentAction) bool {
	for _, f := range h.Findings {
		if f.AgentID != a.AgentID && f.Target == a.Target && f.Timestamp.Before(a.Timestamp) {
			return true
		}
	}
	return false
}

// Thresholds are the hard release gates.
type Thresholds struct {
	MinScore        float64       `json:"min_score"`
	MinDepth        int           `json:"min_depth"`
	MinCompleteness float64       `json:"min_completeness"`
	Equality        ChainEquality `json:"equality"`
}

// DefaultThresholds returns the release-gate configuration: score above
// 0.20, depth at least 3, completeness at least 0.95, ordered equality.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinScore:        0.20,
		MinDepth:        3,
		MinCompleteness: 0.95,
		Equality:        EqualityOrdered,
	}
}

// Report is the validation output consumed by the release-gating
// collaborator.
type Report struct {
	EmergenceScore              float64                 `json:"emergence_score"`
	CausalChainDepth            int                     `json:"causal_chain_depth"`
	DecisionContextCompleteness float64                 `json:"decision_context_completeness"`
	NovelChains                 []model.AttackPathChain `json:"novel_chain_list"`
	IsolatedChainCount          int                     `json:"isolated_chain_count"`
	CoordinatedChainCount       int                     `json:"coordinated_chain_count"`
	Run                         model.EmergenceRun      `json:"run"`
	Passed                      bool                    `json:"passed"`
	Failures                    []string                `json:"failures,omitempty"`
}

// Validate compares the two histories over the same scenario and computes
// the gated report. Both histories are checked for the causality invariant
// first; a violation fails validation outright, since a corrupted history
// cannot certify anything.
func Validate(isolated, coordinated *History, th Thresholds) (*Report, error) {
	if err := isolated.CheckCausality(); err != nil {
		return nil, fmt.Errorf("isolated history violates causality: %w", err)
	}
	if err := coordinated.CheckCausality(); err != nil {
		return nil, fmt.Errorf("coordinated history violates causality: %w", err)
	}
	eq := th.Equality
	if eq == "" {
		eq = EqualityOrdered
	}

	isolatedChains := ExtractChains(isolated)
	coordinatedChains := ExtractChains(coordinated)
	novel := NovelChains(coordinatedChains, isolatedChains, eq)

	completeness := Completeness(coordinated)
	report := &Report{
		CausalChainDepth:            CausalDepth(coordinated),
		DecisionContextCompleteness: completeness,
		NovelChains:                 novel,
		IsolatedChainCount:          len(isolatedChains),
		CoordinatedChainCount:       len(coordinatedChains),
		Run: model.EmergenceRun{
			IsolatedChains:    isolatedChains,
			CoordinatedChains: coordinatedChains,
			Completeness:      completeness,
		},
	}
	if len(coordinatedChains) > 0 {
		report.EmergenceScore = float64(len(novel)) / float64(len(coordinatedChains))
	}

	if report.EmergenceScore <= th.MinScore {
		report.Failures = append(report.Failures, fmt.Sprintf(
			"emergence score %.4f did not exceed %.2f", report.EmergenceScore, th.MinScore))
	}
	if report.CausalChainDepth < th.MinDepth {
		report.Failures = append(report.Failures, fmt.Sprintf(
			"causal chain depth %d below minimum %d", report.CausalChainDepth, th.MinDepth))
	}
	if report.DecisionContextCompleteness < th.MinCompleteness {
		report.Failures = append(report.Failures, fmt.Sprintf(
			"decision context completeness %.4f below minimum %.2f", report.DecisionContextCompleteness, th.MinCompleteness))
	}
	report.Passed = len(report.Failures) == 0
	return report, nil
}
