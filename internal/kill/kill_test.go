package kill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/model"
)

type fakeHandle struct {
	id          string
	interrupted atomic.Bool
	fail        bool
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Interrupt() error {
	if h.fail {
		return fmt.Errorf("interrupt refused")
	}
	h.interrupted.Store(true)
	return nil
}

type fakeSandbox struct {
	stopped atomic.Bool
	fail    bool
}

func (s *fakeSandbox) StopAll(ctx context.Context, grace time.Duration) error {
	if s.fail {
		return fmt.Errorf("sandbox manager unreachable")
	}
	s.stopped.Store(true)
	return nil
}

func newTestSwitch(t *testing.T, b bus.Bus, procs *ProcessRegistry, sandbox SandboxManager) (*Switch, *Frozen, *audit.MemorySink) {
	t.Helper()
	frozen := NewFrozen()
	sink := audit.NewMemorySink()
	signer, err := model.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	sw := NewSwitch(frozen, signer, b, procs, sandbox, time.Second, 50*time.Millisecond, sink, nil, slog.Default())
	return sw, frozen, sink
}

func TestFrozen_FreezeOnce(t *testing.T) {
	f := NewFrozen()
	assert.False(t, f.IsFrozen())
	assert.True(t, f.Freeze())
	assert.False(t, f.Freeze())
	assert.True(t, f.IsFrozen())
}

func TestTrigger_AllPathsRun(t *testing.T) {
	b := bus.NewMemoryBus()
	procs := NewProcessRegistry()
	h := &fakeHandle{id: "actor-1"}
	procs.Register(h)
	sandbox := &fakeSandbox{}
	sw, frozen, sink := newTestSwitch(t, b, procs, sandbox)

	var killSeen atomic.Bool
	_, err := b.Subscribe(bus.SubjectControlKill, func(string, []byte) { killSeen.Store(true) })
	require.NoError(t, err)

	result := sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "test halt"})

	assert.False(t, result.AlreadyHalted)
	assert.True(t, result.WithinBudget)
	assert.True(t, frozen.IsFrozen())
	assert.True(t, killSeen.Load())
	assert.True(t, h.interrupted.Load())
	assert.True(t, sandbox.stopped.Load())
	require.Len(t, result.Paths, 3)
	for _, p := range result.Paths {
		assert.True(t, p.OK, "path %s", p.Path)
	}
	require.Len(t, sink.ByKind(audit.KindKill), 1)
}

func TestTrigger_BroadcastIsSigned(t *testing.T) {
	b := bus.NewMemoryBus()
	sw, _, _ := newTestSwitch(t, b, NewProcessRegistry(), &fakeSandbox{})
	signer, err := model.NewSigner([]byte("test-secret"))
	require.NoError(t, err)

	var captured []byte
	_, err = b.Subscribe(bus.SubjectControlKill, func(_ string, data []byte) { captured = data })
	require.NoError(t, err)

	sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "signed drill"})

	require.NotEmpty(t, captured)
	var cmd model.KillCommand
	require.NoError(t, json.Unmarshal(captured, &cmd))
	assert.True(t, signer.VerifyKill(&cmd))
	cmd.Reason = "tampered"
	assert.False(t, signer.VerifyKill(&cmd))
}

func TestContextSandbox_StopAllCancels(t *testing.T) {
	execCtx, cancel := context.WithCancel(context.Background())
	sandbox := NewContextSandbox(cancel)

	require.NoError(t, sandbox.StopAll(context.Background(), 10*time.Millisecond))
	select {
	case <-execCtx.Done():
	default:
		t.Fatal("execution context not cancelled")
	}
}

func TestTrigger_WorksWithBusDown(t *testing.T) {
	// The bus is forcibly disconnected: Path A fails, the halt still
	// happens through the remaining paths and the flag is set.
	b := bus.NewMemoryBus()
	b.SetConnected(false)
	procs := NewProcessRegistry()
	h := &fakeHandle{id: "actor-1"}
	procs.Register(h)
	sandbox := &fakeSandbox{}
	sw, frozen, _ := newTestSwitch(t, b, procs, sandbox)

	result := sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "bus outage drill"})

	assert.True(t, frozen.IsFrozen())
	assert.True(t, h.interrupted.Load())
	assert.True(t, sandbox.stopped.Load())

	var busPath, procPath PathResult
	for _, p := range result.Paths {
		switch p.Path {
		case PathBus:
			busPath = p
		case PathProcess:
			procPath = p
		}
	}
	assert.False(t, busPath.OK)
	assert.True(t, procPath.OK)
}

func TestTrigger_OnePathFailureDoesNotBlockOthers(t *testing.T) {
	b := bus.NewMemoryBus()
	procs := NewProcessRegistry()
	ok := &fakeHandle{id: "actor-ok"}
	bad := &fakeHandle{id: "actor-bad", fail: true}
	procs.Register(ok)
	procs.Register(bad)
	sandbox := &fakeSandbox{}
	sw, _, _ := newTestSwitch(t, b, procs, sandbox)

	result := sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "partial failure drill"})

	// The reachable actor was still interrupted and the sandbox path ran.
	assert.True(t, ok.interrupted.Load())
	assert.True(t, sandbox.stopped.Load())
	for _, p := range result.Paths {
		if p.Path == PathProcess {
			assert.False(t, p.OK)
			assert.Contains(t, p.Error, "1 of 2")
		}
	}
}

func TestTrigger_ConcurrentlyIdempotent(t *testing.T) {
	b := bus.NewMemoryBus()
	sw, _, sink := newTestSwitch(t, b, NewProcessRegistry(), &fakeSandbox{})

	const callers = 16
	var wg sync.WaitGroup
	var halts atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := sw.Trigger(context.Background(), model.KillCommand{Issuer: "racer", Reason: "double trigger"})
			if !r.AlreadyHalted {
				halts.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly one halt transition and one audit entry.
	assert.Equal(t, int64(1), halts.Load())
	assert.Len(t, sink.ByKind(audit.KindKill), 1)
}

func TestTrigger_ScalesWithActorCount(t *testing.T) {
	for _, n := range []int{100, 1000, 5000} {
		n := n
		t.Run(fmt.Sprintf("actors_%d", n), func(t *testing.T) {
			b := bus.NewMemoryBus()
			b.SetConnected(false) // budget must hold even without the bus
			procs := NewProcessRegistry()
			handles := make([]*fakeHandle, n)
			for i := 0; i < n; i++ {
				handles[i] = &fakeHandle{id: fmt.Sprintf("actor-%d", i)}
				procs.Register(handles[i])
			}
			sw, frozen, _ := newTestSwitch(t, b, procs, &fakeSandbox{})

			result := sw.Trigger(context.Background(), model.KillCommand{Issuer: "operator", Reason: "scale drill"})

			assert.True(t, frozen.IsFrozen())
			assert.True(t, result.WithinBudget, "latency %v exceeded budget with %d actors", result.Latency, n)
			for _, h := range handles {
				assert.True(t, h.interrupted.Load())
			}
		})
	}
}

func TestFrozen_OperatorReset(t *testing.T) {
	f := NewFrozen()
	require.True(t, f.Freeze())
	f.Reset("operator@console", slog.Default())
	assert.False(t, f.IsFrozen())
}
