package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/kill"
	"github.com/sgerhart/swarmgate/internal/model"
	"github.com/sgerhart/swarmgate/internal/scope"
)

// harness wires a full in-process coordination stack for agent tests.
type harness struct {
	bus       *bus.MemoryBus
	sink      *audit.MemorySink
	signer    *model.Signer
	frozen    *kill.Frozen
	store     *scope.Store
	validator *scope.Validator
	receiver  *bus.Receiver

	mu       sync.Mutex
	actions  []*model.AgentAction
	findings []*model.Finding
}

func newHarness(t *testing.T, rulesYAML string) *harness {
	t.Helper()
	h := &harness{
		bus:    bus.NewMemoryBus(),
		sink:   audit.NewMemorySink(),
		frozen: kill.NewFrozen(),
	}
	var err error
	h.signer, err = model.NewSigner([]byte("test-secret"))
	require.NoError(t, err)

	rules, err := scope.ParseRules([]byte(rulesYAML))
	require.NoError(t, err)
	h.store, err = scope.NewStore(rules, h.sink, slog.Default())
	require.NoError(t, err)
	h.validator = scope.NewValidator(h.store, h.sink, nil, slog.Default())

	h.receiver, err = bus.NewReceiver(h.signer, h.sink, nil, slog.Default())
	require.NoError(t, err)

	// Aggregation tier: shards in, unified view out.
	agg, err := bus.NewAggregator(h.bus, h.receiver, 1024, nil, slog.Default())
	require.NoError(t, err)
	require.NoError(t, agg.Start())
	t.Cleanup(agg.Stop)

	// Record everything published, as the emergence validator would.
	_, err = h.bus.Subscribe(bus.SubjectActions, func(subject string, data []byte) {
		a, err := h.receiver.DecodeAction(subject, data)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.actions = append(h.actions, a)
		h.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = h.bus.Subscribe(bus.SubjectFindingsAll, func(subject string, data []byte) {
		f, err := h.receiver.DecodeFinding(subject, data)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.findings = append(h.findings, f)
		h.mu.Unlock()
	})
	require.NoError(t, err)
	return h
}

func (h *harness) newAgent(t *testing.T, id, role string, seeds []string, opts Options) *Agent {
	t.Helper()
	spec, err := NewSpecialist(role, id, seeds)
	require.NoError(t, err)
	pub := bus.NewPublisher(h.bus, h.signer, 1000, 16, h.sink, nil, slog.Default())
	exec := ExecutorFunc(func(_ context.Context, a *model.AgentAction) (map[string]any, error) {
		return map[string]any{"via": a.Kind}, nil
	})
	return New(id, spec, h.frozen, h.validator, h.store, pub, h.bus, h.receiver, exec, opts, nil, slog.Default())
}

func fastOptions() Options {
	o := DefaultOptions()
	o.IdleInterval = 5 * time.Millisecond
	o.ThrottleInterval = 5 * time.Millisecond
	o.Heartbeat = 0
	return o
}

const openRules = `
allow_cidrs: [10.0.0.0/24]
forbidden_kinds: [destroy]
`

func (h *harness) snapshot() ([]*model.AgentAction, []*model.Finding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	actions := make([]*model.AgentAction, len(h.actions))
	copy(actions, h.actions)
	findings := make([]*model.Finding, len(h.findings))
	copy(findings, h.findings)
	return actions, findings
}

func TestTracker_OrderAndDedupe(t *testing.T) {
	tr := NewTracker()
	tr.Consume("f-2")
	tr.Consume("f-1")
	tr.Consume("f-2")
	tr.Consume("")

	assert.Equal(t, []string{"f-2", "f-1"}, tr.Pending())
	assert.Equal(t, []string{"f-2", "f-1"}, tr.Drain())
	assert.Empty(t, tr.Drain())
}

func TestNewSpecialist_ClosedSet(t *testing.T) {
	for _, role := range []string{RoleRecon, RoleExploit, RolePostExploit} {
		spec, err := NewSpecialist(role, "a1", nil)
		require.NoError(t, err)
		assert.Equal(t, role, spec.Role())
	}
	_, err := NewSpecialist("wizard", "a1", nil)
	assert.Error(t, err)
}

func TestRecon_SeedIsUnprompted(t *testing.T) {
	spec, err := NewSpecialist(RoleRecon, "a1", []string{"10.0.0.5"})
	require.NoError(t, err)

	d := spec.DecideNext()
	require.NotNil(t, d)
	assert.Equal(t, "10.0.0.5", d.Target)
	assert.Empty(t, d.ConsumedFindings)
	assert.Nil(t, spec.DecideNext())
}

func TestRecon_FollowsLeadWithContext(t *testing.T) {
	spec, err := NewSpecialist(RoleRecon, "a1", nil)
	require.NoError(t, err)

	lead := model.NewFinding(KindHostDiscovered, model.SeverityLow, "10.0.0.9", "a2", "sweep")
	assert.True(t, spec.ObserveSignal(lead))

	d := spec.DecideNext()
	require.NotNil(t, d)
	assert.Equal(t, "10.0.0.9", d.Target)
	assert.Equal(t, []string{lead.ID}, d.ConsumedFindings)
}

func TestAgent_PipelineBuildsCausalChain(t *testing.T) {
	// recon scans a seed, exploit reacts to the open port, postexploit
	// loots the compromise: Finding -> Action -> Finding -> Action.
	h := newHarness(t, openRules)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	agents := []*Agent{
		h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions()),
		h.newAgent(t, "exploit-1", RoleExploit, nil, fastOptions()),
		h.newAgent(t, "loot-1", RolePostExploit, nil, fastOptions()),
	}
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Run(ctx)
		}(a)
	}

	require.Eventually(t, func() bool {
		_, findings := h.snapshot()
		for _, f := range findings {
			if f.Kind == KindCredential {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "pipeline never reached the credential finding")
	cancel()
	wg.Wait()

	actions, findings := h.snapshot()
	findingsByID := make(map[string]*model.Finding)
	for _, f := range findings {
		findingsByID[f.ID] = f
	}

	// Causality invariant: every context reference is strictly earlier.
	for _, a := range actions {
		assert.NoError(t, model.CheckCausality(a, findingsByID))
	}

	// The exploit and loot actions carry non-empty context; the seed scan
	// does not.
	byKind := make(map[string]*model.AgentAction)
	for _, a := range actions {
		byKind[a.Kind] = a
	}
	require.Contains(t, byKind, "scan")
	require.Contains(t, byKind, "exploit")
	require.Contains(t, byKind, "loot")
	assert.Empty(t, byKind["scan"].DecisionContext)
	assert.NotEmpty(t, byKind["exploit"].DecisionContext)
	assert.NotEmpty(t, byKind["loot"].DecisionContext)

	for _, a := range agents {
		assert.Equal(t, StateTerminated, a.State())
	}
}

func TestAgent_OutOfScopeSeedNeverExecutes(t *testing.T) {
	h := newHarness(t, openRules)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	a := h.newAgent(t, "recon-1", RoleRecon, []string{"8.8.8.8"}, fastOptions())
	a.Run(ctx)

	actions, findings := h.snapshot()
	assert.Empty(t, actions)
	assert.Empty(t, findings)
	// Exactly one blocked scope check was audited for the attempt.
	checks := h.sink.ByKind(audit.KindScopeCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, false, checks[0].Detail["allowed"])
}

func TestAgent_FrozenBlocksDispatch(t *testing.T) {
	h := newHarness(t, openRules)
	h.frozen.Freeze()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	a := h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions())
	a.Run(ctx)

	actions, _ := h.snapshot()
	assert.Empty(t, actions, "no new action may dispatch once the flag is visible")
	assert.Equal(t, StateTerminated, a.State())
}

func TestAgent_KillBroadcastHaltsLoop(t *testing.T) {
	h := newHarness(t, openRules)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// No seeds: the agent idles until the broadcast arrives.
	a := h.newAgent(t, "recon-1", RoleRecon, nil, fastOptions())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	kc := model.KillCommand{Issuer: "operator", Timestamp: time.Now().UTC(), Reason: "drill"}
	require.NoError(t, h.signer.SignKill(&kc))
	cmd, _ := json.Marshal(kc)
	require.NoError(t, h.bus.Publish(bus.SubjectControlKill, cmd))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not halt on kill broadcast")
	}
	assert.True(t, h.frozen.IsFrozen())
	assert.Empty(t, h.sink.ByKind(audit.KindSecurityEvent))
}

func TestAgent_UnverifiedKillStillHalts(t *testing.T) {
	h := newHarness(t, openRules)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a := h.newAgent(t, "recon-1", RoleRecon, nil, fastOptions())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	// No signature: the halt still happens, the rejection is audited.
	require.NoError(t, h.bus.Publish(bus.SubjectControlKill, []byte(`{"issuer":"intruder","reason":"x"}`)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not halt on unverified kill broadcast")
	}
	assert.True(t, h.frozen.IsFrozen())
	assert.NotEmpty(t, h.sink.ByKind(audit.KindSecurityEvent))
}

func TestAgent_ProcessInterruptPathHalts(t *testing.T) {
	h := newHarness(t, openRules)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	procs := kill.NewProcessRegistry()
	opts := fastOptions()
	opts.OnTerminate = func() { procs.Deregister("recon-1") }
	a := h.newAgent(t, "recon-1", RoleRecon, nil, opts)
	procs.Register(a)

	sw := kill.NewSwitch(h.frozen, h.signer, h.bus, procs, nil,
		time.Second, 10*time.Millisecond, h.sink, nil, slog.Default())

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// With the bus down, Path A cannot deliver; the registered handle is
	// interrupted directly.
	h.bus.SetConnected(false)
	result := sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "bus outage"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not halt through the process interrupt path")
	}
	assert.True(t, h.frozen.IsFrozen())
	assert.Equal(t, StateTerminated, a.State())
	assert.Empty(t, procs.Snapshot(), "terminated agent deregistered its handle")
	for _, p := range result.Paths {
		if p.Path == kill.PathProcess {
			assert.True(t, p.OK)
		}
	}
}

func TestAgent_ThrottleWait(t *testing.T) {
	h := newHarness(t, openRules)
	h.bus.SetLoad(0.95)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a := h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.State() == StateWaitingThrottle
	}, time.Second, 5*time.Millisecond)

	actions, _ := h.snapshot()
	assert.Empty(t, actions, "no dispatch while throttled")

	// Load subsides below the low-water mark: the agent resumes and acts.
	h.bus.SetLoad(0.10)
	require.Eventually(t, func() bool {
		actions, _ := h.snapshot()
		return len(actions) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestAgent_AuthorizationRoundTrip(t *testing.T) {
	rules := `
allow_cidrs: [10.0.0.0/24]
require_auth_kinds: [scan]
`
	h := newHarness(t, rules)

	// Human sign-off collaborator: approve every request, signing the
	// response with the engagement secret.
	_, err := h.bus.Subscribe("authorization.*", func(subject string, data []byte) {
		req, err := h.receiver.DecodeAuthorization(subject, data)
		if err != nil || req.Type != model.AuthRequest {
			return
		}
		resp := model.Authorization{
			Type:      model.AuthResponse,
			RequestID: req.RequestID,
			Approved:  true,
			Responder: "operator@console",
		}
		require.NoError(t, h.signer.SignAuthorization(&resp))
		data, _ = json.Marshal(resp)
		h.bus.Publish(subject, data)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a := h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions())
	go a.Run(ctx)

	require.Eventually(t, func() bool {
		actions, _ := h.snapshot()
		return len(actions) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgent_AuthorizationDenied(t *testing.T) {
	rules := `
allow_cidrs: [10.0.0.0/24]
require_auth_kinds: [scan]
`
	h := newHarness(t, rules)

	requests := 0
	var mu sync.Mutex
	_, err := h.bus.Subscribe("authorization.*", func(subject string, data []byte) {
		req, err := h.receiver.DecodeAuthorization(subject, data)
		if err != nil || req.Type != model.AuthRequest {
			return
		}
		mu.Lock()
		requests++
		mu.Unlock()
		resp := model.Authorization{Type: model.AuthResponse, RequestID: req.RequestID, Responder: "operator@console"}
		require.NoError(t, h.signer.SignAuthorization(&resp))
		data, _ = json.Marshal(resp)
		h.bus.Publish(subject, data)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	a := h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions())
	a.Run(ctx)

	actions, _ := h.snapshot()
	assert.Empty(t, actions)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, requests, "a denied decision is not retried")
}

func TestAgent_ForgedAuthorizationNeverReleasesAction(t *testing.T) {
	rules := `
allow_cidrs: [10.0.0.0/24]
require_auth_kinds: [scan]
`
	h := newHarness(t, rules)

	// A bus participant without the engagement secret forges an approval
	// for every request it sees.
	_, err := h.bus.Subscribe("authorization.*", func(subject string, data []byte) {
		var msg map[string]any
		if json.Unmarshal(data, &msg) != nil || msg["type"] != "request" {
			return
		}
		forged, _ := json.Marshal(map[string]any{
			"type":       "response",
			"request_id": msg["request_id"],
			"approved":   true,
		})
		h.bus.Publish(subject, forged)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	a := h.newAgent(t, "recon-1", RoleRecon, []string{"10.0.0.5"}, fastOptions())
	a.Run(ctx)

	actions, _ := h.snapshot()
	assert.Empty(t, actions, "an unverified approval must not release a gated action")
	assert.NotEmpty(t, h.sink.ByKind(audit.KindSecurityEvent))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateActive))
	assert.True(t, canTransition(StateActive, StateWaitingThrottle))
	assert.True(t, canTransition(StateWaitingAuthorization, StateActive))
	assert.True(t, canTransition(StateActive, StateTerminated))
	assert.False(t, canTransition(StateTerminated, StateActive))
	assert.False(t, canTransition(StateIdle, StateWaitingAuthorization))
}
