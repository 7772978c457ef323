package kill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/metrics"
	"github.com/sgerhart/swarmgate/internal/model"
)

// Path names reported in results, metrics, and the audit trail.
const (
	PathBus     = "bus_broadcast"
	PathProcess = "process_interrupt"
	PathSandbox = "sandbox_stop"
)

// ProcessHandle is one known actor process or thread group the interrupt
// cascade can reach directly, bypassing the bus.
type ProcessHandle interface {
	ID() string
	Interrupt() error
}

// SandboxManager force-stops execution sandboxes through their management
// interface: a grace period first, then a hard kill.
type SandboxManager interface {
	StopAll(ctx context.Context, grace time.Duration) error
}

// ContextSandbox manages in-process execution: the executors all run under
// one cancellable context, and force-stopping them is cancelling it after
// the grace period.
type ContextSandbox struct {
	cancel context.CancelFunc
}

// NewContextSandbox wraps the cancel func of the context the executors run
// under.
func NewContextSandbox(cancel context.CancelFunc) *ContextSandbox {
	return &ContextSandbox{cancel: cancel}
}

// StopAll waits out the grace period, then cancels the execution context.
func (s *ContextSandbox) StopAll(ctx context.Context, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	s.cancel()
	return nil
}

// ProcessRegistry tracks the live actor process handles for Path B.
type ProcessRegistry struct {
	mu      sync.RWMutex
	handles map[string]ProcessHandle
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{handles: make(map[string]ProcessHandle)}
}

// Register adds or replaces a handle.
func (r *ProcessRegistry) Register(h ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.ID()] = h
}

// Deregister removes a handle.
func (r *ProcessRegistry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Snapshot returns the current handles.
func (r *ProcessRegistry) Snapshot() []ProcessHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProcessHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// PathResult records one delivery path's outcome. A failed path is logged
// and counted but never blocks the other paths.
type PathResult struct {
	Path    string        `json:"path"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the outcome of one Trigger call.
type Result struct {
	AlreadyHalted bool          `json:"already_halted"`
	Latency       time.Duration `json:"latency"`
	WithinBudget  bool          `json:"within_budget"`
	Paths         []PathResult  `json:"paths,omitempty"`
}

// Switch is the tri-path kill switch. It must halt the engagement within
// the latency budget even when the signal bus is fully down.
type Switch struct {
	frozen  *Frozen
	signer  *model.Signer
	bus     bus.Bus
	procs   *ProcessRegistry
	sandbox SandboxManager
	sink    audit.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	budget  time.Duration
	grace   time.Duration
}

// NewSwitch wires the switch. bus and sandbox may be nil when a deployment
// lacks that path; the remaining paths still enforce the halt.
func NewSwitch(frozen *Frozen, signer *model.Signer, b bus.Bus, procs *ProcessRegistry, sandbox SandboxManager, budget, grace time.Duration, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) *Switch {
	return &Switch{
		frozen:  frozen,
		signer:  signer,
		bus:     b,
		procs:   procs,
		sandbox: sandbox,
		sink:    sink,
		metrics: m,
		logger:  logger,
		budget:  budget,
		grace:   grace,
	}
}

// Trigger halts the engagement. The EngagementFrozen flag is set first via
// a single compare-and-swap; only the winning call dispatches the three
// delivery paths, concurrently. Triggering again is a no-op.
func (s *Switch) Trigger(ctx context.Context, cmd model.KillCommand) Result {
	start := time.Now()
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = start.UTC()
	}

	if !s.frozen.Freeze() {
		s.logger.Info("Kill switch already triggered", "issuer", cmd.Issuer)
		return Result{AlreadyHalted: true, WithinBudget: true}
	}

	s.logger.Warn("Kill switch triggered, engagement frozen",
		"issuer", cmd.Issuer, "reason", cmd.Reason)

	results := make([]PathResult, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		results[0] = s.runPath(PathBus, func() error { return s.broadcast(cmd) })
	}()
	go func() {
		defer wg.Done()
		results[1] = s.runPath(PathProcess, s.interruptCascade)
	}()
	go func() {
		defer wg.Done()
		results[2] = s.runPath(PathSandbox, func() error { return s.stopSandboxes(ctx) })
	}()
	wg.Wait()

	latency := time.Since(start)
	result := Result{
		Latency:      latency,
		WithinBudget: latency <= s.budget,
		Paths:        results,
	}
	if s.metrics != nil {
		s.metrics.KillLatencySeconds.Observe(latency.Seconds())
	}
	if !result.WithinBudget {
		s.logger.Error("Kill switch exceeded latency budget",
			"latency", latency, "budget", s.budget)
	}

	entry := audit.NewEntry(audit.KindKill, "", map[string]any{
		"issuer":        cmd.Issuer,
		"reason":        cmd.Reason,
		"latency_ms":    latency.Milliseconds(),
		"within_budget": result.WithinBudget,
		"paths":         pathSummaries(results),
	})
	if err := s.sink.Append(entry); err != nil {
		s.logger.Error("Failed to audit kill command", "error", err)
	}
	return result
}

func (s *Switch) runPath(name string, fn func() error) PathResult {
	start := time.Now()
	err := fn()
	pr := PathResult{Path: name, OK: err == nil, Elapsed: time.Since(start)}
	outcome := "ok"
	if err != nil {
		pr.Error = err.Error()
		outcome = "error"
		s.logger.Error("Kill path failed", "path", name, "error", err)
	}
	if s.metrics != nil {
		s.metrics.KillPathResults.WithLabelValues(name, outcome).Inc()
	}
	return pr
}

// broadcast is Path A: best-effort halt signal over the signal bus.
func (s *Switch) broadcast(cmd model.KillCommand) error {
	if s.bus == nil {
		return fmt.Errorf("no bus configured")
	}
	if err := s.signer.SignKill(&cmd); err != nil {
		return fmt.Errorf("failed to sign kill command: %w", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal kill command: %w", err)
	}
	return s.bus.Publish(bus.SubjectControlKill, data)
}

// interruptCascade is Path B: direct process-level interrupts to every
// known actor, bypassing the bus entirely.
func (s *Switch) interruptCascade() error {
	handles := s.procs.Snapshot()
	failures := 0
	for _, h := range handles {
		if err := h.Interrupt(); err != nil {
			failures++
			s.logger.Error("Failed to interrupt actor process", "actor", h.ID(), "error", err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d actor interrupts failed", failures, len(handles))
	}
	return nil
}

// stopSandboxes is Path C: force-stop every execution sandbox with a short
// grace timeout before the hard kill.
func (s *Switch) stopSandboxes(ctx context.Context) error {
	if s.sandbox == nil {
		return fmt.Errorf("no sandbox manager configured")
	}
	return s.sandbox.StopAll(ctx, s.grace)
}

func pathSummaries(results []PathResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{"path": r.Path, "ok": r.OK, "error": r.Error}
	}
	return out
}
