package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

type staticStatuses []AgentStatus

func (s staticStatuses) AgentStatuses() []AgentStatus { return s }

func newTestServer(t *testing.T) (*Server, *kill.Frozen, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	rules, err := scope.ParseRules([]byte("allow_cidrs: [10.0.0.0/24]\n"))
	require.NoError(t, err)
	store, err := scope.NewStore(rules, sink, slog.Default())
	require.NoError(t, err)

	frozen := kill.NewFrozen()
	b := bus.NewMemoryBus()
	signer, err := model.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	sw := kill.NewSwitch(frozen, signer, b, kill.NewProcessRegistry(), nil,
		time.Second, 50*time.Millisecond, sink, nil, slog.Default())

	statuses := staticStatuses{{ID: "agent-1", Role: "recon", State: "IDLE"}}
	srv := New(frozen, sw, store, b, statuses, func() bool { return true }, slog.Default())
	return srv, frozen, sink
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKill_TriggersAndIsIdempotent(t *testing.T) {
	srv, frozen, sink := newTestServer(t)

	body := `{"issuer":"operator@console","reason":"containment"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/kill", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, frozen.IsFrozen())
	assert.Contains(t, rec.Body.String(), `"already_halted":false`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/kill", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_halted":true`)

	assert.Len(t, sink.ByKind(audit.KindKill), 1)
}

func TestKill_EmptyBodyStillHalts(t *testing.T) {
	srv, frozen, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/kill", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, frozen.IsFrozen())
}

func TestScope_GetAndPut(t *testing.T) {
	srv, _, sink := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scope", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.0/24")

	req := httptest.NewRequest(http.MethodPut, "/scope", strings.NewReader("allow_cidrs: [192.168.0.0/16]\n"))
	req.Header.Set("X-Operator", "operator@console")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	entries := sink.ByKind(audit.KindScopeUpdate)
	require.Len(t, entries, 1)
	assert.Equal(t, "operator@console", entries[0].Detail["updated_by"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scope", nil))
	assert.Contains(t, rec.Body.String(), "192.168.0.0/16")
}

func TestScope_PutRejectsInvalid(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/scope", strings.NewReader("allow_cidrs: []\n")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"frozen":false`)
	assert.Contains(t, rec.Body.String(), "agent-1")
}
