package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/kill"
	"github.com/sgerhart/swarmgate/internal/metrics"
	"github.com/sgerhart/swarmgate/internal/model"
	"github.com/sgerhart/swarmgate/internal/scope"
)

// Executor runs the externally-executed part of an action and returns the
// evidence it produced. Execution itself is outside the coordination
// core's scope.
type Executor interface {
	Execute(ctx context.Context, a *model.AgentAction) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a *model.AgentAction) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, a *model.AgentAction) (map[string]any, error) {
	return f(ctx, a)
}

// Options tunes one agent's loop pacing and throttling. OnTerminate, when
// set, runs once as the loop exits; the pool builder uses it to deregister
// the agent's process handle.
type Options struct {
	ThrottleHighWater float64
	ThrottleLowWater  float64
	ThrottleInterval  time.Duration
	IdleInterval      time.Duration
	Heartbeat         time.Duration
	OnTerminate       func()
}

// DefaultOptions returns the standard loop tuning.
func DefaultOptions() Options {
	return Options{
		ThrottleHighWater: 0.80,
		ThrottleLowWater:  0.50,
		ThrottleInterval:  250 * time.Millisecond,
		IdleInterval:      50 * time.Millisecond,
		Heartbeat:         5 * time.Second,
	}
}

// Agent is one actor's coordination core: a cooperative state machine that
// consumes swarm signals, gates every action through the scope validator
// and the EngagementFrozen flag, and publishes its findings and actions
// back to the bus. Agents never block each other directly.
type Agent struct {
	id        string
	spec      Specialist
	frozen    *kill.Frozen
	validator *scope.Validator
	rules     *scope.Store
	publisher *bus.Publisher
	b         bus.Bus
	receiver  *bus.Receiver
	executor  Executor
	tracker   *Tracker
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	state State

	halt chan struct{} // closed when a kill broadcast arrives
	once sync.Once
}

// New creates an agent. The frozen handle is shared with the kill switch;
// everything else is per-agent.
func New(id string, spec Specialist, frozen *kill.Frozen, validator *scope.Validator, rules *scope.Store,
	publisher *bus.Publisher, b bus.Bus, receiver *bus.Receiver, executor Executor,
	opts Options, m *metrics.Metrics, logger *slog.Logger) *Agent {
	return &Agent{
		id:        id,
		spec:      spec,
		frozen:    frozen,
		validator: validator,
		rules:     rules,
		publisher: publisher,
		b:         b,
		receiver:  receiver,
		executor:  executor,
		tracker:   NewTracker(),
		opts:      opts,
		metrics:   m,
		logger:    logger.With("agent_id", id, "role", spec.Role()),
		state:     StateIdle,
		halt:      make(chan struct{}),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Interrupt halts the agent loop directly, bypassing the bus. It satisfies
// the kill switch's process handle and is safe to call repeatedly.
func (a *Agent) Interrupt() error {
	a.once.Do(func() { close(a.halt) })
	return nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run drives the agent loop until the context is cancelled, the engagement
// freezes, or a kill broadcast arrives. It subscribes to the unified
// finding view and the kill subject, then steps cooperatively, yielding at
// every bus interaction.
func (a *Agent) Run(ctx context.Context) error {
	findingSub, err := a.b.Subscribe(bus.SubjectFindingsAll, a.onSignalMessage)
	if err != nil {
		return err
	}
	defer findingSub.Unsubscribe()

	killSub, err := a.b.Subscribe(bus.SubjectControlKill, a.onKillMessage)
	if err != nil {
		return err
	}
	defer killSub.Unsubscribe()

	if a.opts.Heartbeat > 0 {
		heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go a.heartbeatLoop(heartbeatCtx)
	}

	defer a.complete()

	for {
		if a.stopped(ctx) {
			return nil
		}
		worked := a.step(ctx)
		if !worked {
			select {
			case <-ctx.Done():
				return nil
			case <-a.halt:
				return nil
			case <-time.After(a.opts.IdleInterval):
			}
		}
	}
}

// step performs at most one action dispatch. It returns false when there
// was no work.
func (a *Agent) step(ctx context.Context) bool {
	if !a.waitThrottle(ctx) {
		return false
	}

	d := a.spec.DecideNext()
	if d == nil {
		a.setState(StateIdle)
		return false
	}
	a.setState(StateActive)

	// Record what the decision logic consumed, synchronously with the
	// decision itself.
	for _, fid := range d.ConsumedFindings {
		a.tracker.Consume(fid)
	}

	decision := a.validator.Validate(scope.ProposedAction{
		AgentID: a.id,
		Kind:    d.Kind,
		Target:  d.Target,
	})
	if !decision.Allowed {
		// The consumed context belonged to a decision that will never
		// become an action; discard it rather than letting it leak into
		// the next action's attribution.
		a.tracker.Drain()
		a.logger.Warn("Action blocked by scope validator",
			"kind", d.Kind, "target", d.Target, "reason", decision.Reason)
		return true
	}

	if a.rules.Current().KindRequiresAuth(d.Kind) {
		approved := a.waitAuthorization(ctx, d)
		if !approved {
			a.tracker.Drain()
			return true
		}
	}

	// The frozen check is the very last step before dispatch: this is the
	// enforcement point the kill switch relies on.
	if a.frozen.IsFrozen() {
		a.tracker.Drain()
		return false
	}

	a.dispatch(ctx, d)
	return true
}

// dispatch creates the action record, runs the external execution, and
// publishes the resulting finding and action.
func (a *Agent) dispatch(ctx context.Context, d *Decision) {
	action := model.NewAgentAction(a.id, d.Kind, d.Target, a.tracker.Drain())

	evidence, err := a.executor.Execute(ctx, action)
	if err != nil {
		a.logger.Warn("Action execution failed", "action_id", action.ID, "error", err)
	} else if evidence != nil {
		if f := a.spec.EmitFinding(d, evidence); f != nil {
			a.onFinding(action, f)
		}
	}

	if err := a.publisher.PublishAction(action); err != nil {
		a.logger.Error("Failed to publish action", "action_id", action.ID, "error", err)
	}
}

// onFinding publishes a finding derived from this agent's own completed
// action and links it to the action record.
func (a *Agent) onFinding(action *model.AgentAction, f *model.Finding) {
	action.ResultFindingID = f.ID
	if err := a.publisher.PublishFinding(f); err != nil {
		a.logger.Error("Failed to publish finding", "finding_id", f.ID, "error", err)
	}
}

// onSignalMessage handles a finding arriving from the swarm.
func (a *Agent) onSignalMessage(subject string, data []byte) {
	f, err := a.receiver.DecodeFinding(subject, data)
	if err != nil {
		return // rejection already recorded
	}
	if f.AgentID == a.id {
		return // own findings are not swarm signals
	}
	a.spec.ObserveSignal(f)
}

// onKillMessage handles Path A of the kill switch: the bus broadcast. The
// local frozen handle is set in case this process has not seen the flag
// transition yet.
func (a *Agent) onKillMessage(subject string, data []byte) {
	cmd, err := a.receiver.DecodeKill(subject, data)
	// A kill broadcast that fails decoding or verification still halts;
	// the rejection is already recorded for operator review.
	a.frozen.Freeze()
	a.once.Do(func() { close(a.halt) })
	if err != nil {
		a.logger.Error("Unverified kill command on control subject", "error", err)
		return
	}
	a.logger.Warn("Kill broadcast received", "issuer", cmd.Issuer, "reason", cmd.Reason)
}

// waitThrottle blocks while the bus load is above the high-water mark,
// re-checking on a fixed interval until it falls below the low-water mark.
// It returns false when the wait was interrupted by halt or cancellation.
func (a *Agent) waitThrottle(ctx context.Context) bool {
	if a.b.Load() < a.opts.ThrottleHighWater {
		return true
	}
	a.setState(StateWaitingThrottle)
	if a.metrics != nil {
		a.metrics.ThrottleWaitsTotal.Inc()
	}
	a.logger.Debug("Bus load above high water, throttling", "load", a.b.Load())

	for {
		select {
		case <-ctx.Done():
			return false
		case <-a.halt:
			return false
		case <-time.After(a.opts.ThrottleInterval):
		}
		if a.frozen.IsFrozen() {
			return false
		}
		if a.b.Load() <= a.opts.ThrottleLowWater {
			a.setState(StateActive)
			return true
		}
	}
}

// waitAuthorization publishes a sign-off request and blocks indefinitely
// until an explicit approve or deny arrives, or the engagement halts.
// There is no timeout-based auto-approve or auto-deny.
func (a *Agent) waitAuthorization(ctx context.Context, d *Decision) bool {
	requestID := uuid.New().String()
	subject := bus.AuthorizationSubject(requestID)

	respCh := make(chan bool, 1)
	sub, err := a.b.Subscribe(subject, func(subject string, data []byte) {
		// Only a signature-verified response releases the wait; forged
		// approvals are rejected and audited by the receiver.
		resp, err := a.receiver.DecodeAuthorization(subject, data)
		if err != nil || resp.Type != model.AuthResponse || resp.RequestID != requestID {
			return
		}
		select {
		case respCh <- resp.Approved:
		default:
		}
	})
	if err != nil {
		a.logger.Error("Failed to subscribe for authorization response", "error", err)
		return false
	}
	defer sub.Unsubscribe()

	a.setState(StateWaitingAuthorization)
	if err := a.publisher.PublishAuthorization(subject, &model.Authorization{
		Type:      model.AuthRequest,
		RequestID: requestID,
		AgentID:   a.id,
		Kind:      d.Kind,
		Target:    d.Target,
	}); err != nil {
		a.logger.Error("Failed to publish authorization request", "error", err)
		return false
	}
	a.logger.Info("Waiting for authorization", "request_id", requestID, "kind", d.Kind, "target", d.Target)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case approved := <-respCh:
			a.setState(StateActive)
			a.logger.Info("Authorization response received", "request_id", requestID, "approved", approved)
			return approved
		case <-ctx.Done():
			return false
		case <-a.halt:
			return false
		case <-ticker.C:
			if a.frozen.IsFrozen() {
				return false
			}
		}
	}
}

// heartbeatLoop publishes liveness and state on the agent's status subject.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	subject := bus.StatusSubject(a.id)
	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{
				"agent_id": a.id,
				"role":     a.spec.Role(),
				"state":    a.State(),
				"frozen":   a.frozen.IsFrozen(),
				"time":     time.Now().UTC(),
			})
			a.publisher.PublishRaw(subject, payload)
		}
	}
}

// complete releases held state on loop exit: the on_complete hook.
func (a *Agent) complete() {
	a.tracker.Drain()
	a.setState(StateTerminated)
	if a.opts.OnTerminate != nil {
		a.opts.OnTerminate()
	}
	a.logger.Info("Agent terminated")
}

func (a *Agent) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-a.halt:
		return true
	default:
	}
	return a.frozen.IsFrozen()
}

// setState applies a lifecycle transition, ignoring self-transitions and
// rejecting illegal ones.
func (a *Agent) setState(to State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == to {
		return
	}
	if !canTransition(a.state, to) {
		// WAITING states step through ACTIVE on their way anywhere else.
		if canTransition(a.state, StateActive) && canTransition(StateActive, to) {
			a.state = StateActive
		} else {
			a.logger.Error("Illegal state transition rejected",
				"error", transitionError(a.state, to))
			return
		}
	}
	a.state = to
	if a.metrics != nil {
		a.metrics.AgentStateTransitions.WithLabelValues(string(to)).Inc()
	}
}
