package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/broker"
	"ruleengine/internal/chains"
	"ruleengine/internal/config"
	"ruleengine/internal/engine"
	"ruleengine/internal/ingest"
	"ruleengine/internal/logger"
	"ruleengine/pkg/circuitbreaker"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/health"
	"ruleengine/pkg/models"
)

const eventsTopic = "test.rule-engine.chain-events"

type fakeEngine struct {
	running  bool
	inflight int64
	stats    engine.Stats
	breakers *circuitbreaker.Registry
}

func (e *fakeEngine) Running() bool   { return e.running }
func (e *fakeEngine) InFlight() int64 { return e.inflight }
func (e *fakeEngine) Stats(context.Context) (engine.Stats, error) {
	if !e.running {
		return engine.Stats{}, apperrors.ErrServiceUnavailable.WithMessage("rule engine is stopped")
	}
	return e.stats, nil
}
func (e *fakeEngine) Breakers() *circuitbreaker.Registry { return e.breakers }

type validatorFunc func(*models.ChainGraph) error

func (f validatorFunc) Check(g *models.ChainGraph) error { return f(g) }

// rejectUnknownTypes accepts only the node kinds used in these tests.
var rejectUnknownTypes = validatorFunc(func(g *models.ChainGraph) error {
	for _, n := range g.Nodes {
		if n.Type != "filter.threshold" && n.Type != "action.log" {
			return apperrors.ErrConfiguration.WithMessage("unknown node type " + n.Type)
		}
	}
	return nil
})

type fakeIngest map[int]ingest.PartitionStats

func (f fakeIngest) Pending() map[int]ingest.PartitionStats { return f }

type testServer struct {
	server *Server
	engine *fakeEngine
	repo   *chains.MemoryRepository
	broker *broker.MemoryBroker
	health *health.CheckerRegistry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := broker.NewMemoryBroker(1, logger.NopLogger())
	t.Cleanup(func() { mem.Close() })

	repo := chains.NewMemoryRepository()
	publisher := chains.NewEventPublisher(mem, eventsTopic)
	eng := &fakeEngine{
		running:  true,
		inflight: 3,
		stats:    engine.Stats{Tenants: 1, Chains: 2, InFlight: 3},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultNodeConfig()),
	}
	checks := health.NewCheckerRegistry()

	srv, err := NewServer(config.ServerConfig{Port: 0}, Options{
		Engine:          eng,
		Ingest:          fakeIngest{0: {InFlight: 2, Buffered: 5}, 1: {}},
		Health:          checks,
		Chains:          chains.NewNotifyingRepository(repo, publisher, "ops-api"),
		Validator:       rejectUnknownTypes,
		Tenants:         publisher,
		ServiceBreakers: func() map[string]string { return map[string]string{"services.telemetry": "closed"} },
		Logger:          logger.NopLogger(),
	})
	require.NoError(t, err)

	return &testServer{server: srv, engine: eng, repo: repo, broker: mem, health: checks}
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func chainEvents(ts *testServer) []models.ChainUpdateEvent {
	var out []models.ChainUpdateEvent
	for _, m := range ts.broker.Messages(eventsTopic) {
		var e models.ChainUpdateEvent
		if json.Unmarshal(m.Value, &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(config.ServerConfig{}, Options{})
	assert.Error(t, err)

	_, err = NewServer(config.ServerConfig{}, Options{Engine: &fakeEngine{}, Chains: chains.NewMemoryRepository()})
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	tests := []struct {
		name        string
		running     bool
		checkErr    error
		wantHealth  int
		wantReady   int
		wantStatus  string
		readyStatus string
	}{
		{name: "healthy", running: true, wantHealth: http.StatusOK, wantReady: http.StatusOK, wantStatus: "healthy", readyStatus: "ready"},
		{name: "dependency down", running: true, checkErr: errors.New("connection refused"), wantHealth: http.StatusServiceUnavailable, wantReady: http.StatusServiceUnavailable, wantStatus: "unhealthy", readyStatus: "not_ready"},
		{name: "engine stopped", running: false, wantHealth: http.StatusOK, wantReady: http.StatusServiceUnavailable, wantStatus: "healthy", readyStatus: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.engine.running = tt.running
			checkErr := tt.checkErr
			ts.health.Register(health.NewCheckFunc("postgresql", func(context.Context) error { return checkErr }))

			rec := ts.do(t, http.MethodGet, "/health", "", "")
			assert.Equal(t, tt.wantHealth, rec.Code)
			var h health.Health
			decode(t, rec, &h)
			assert.Equal(t, health.Status(tt.wantStatus), h.Status)

			rec = ts.do(t, http.MethodGet, "/ready", "", "")
			assert.Equal(t, tt.wantReady, rec.Code)
			var ready map[string]interface{}
			decode(t, rec, &ready)
			assert.Equal(t, tt.readyStatus, ready["status"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSwaggerUI(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/swagger/index.html", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swagger")
}

func TestEngineStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/engine/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		engine.Stats
		Partitions map[string]ingest.PartitionStats `json:"partitions"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 2, stats.Chains)
	assert.Equal(t, int64(3), stats.InFlight)
	assert.Equal(t, map[string]ingest.PartitionStats{
		"0": {InFlight: 2, Buffered: 5},
		"1": {},
	}, stats.Partitions)

	ts.engine.running = false
	rec = ts.do(t, http.MethodGet, "/api/v1/engine/stats", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "SERVICE_UNAVAILABLE")
}

func TestBreakers(t *testing.T) {
	ts := newTestServer(t)
	key := circuitbreaker.Key{ChainID: uuid.New(), NodeID: "rest"}
	done, err := ts.engine.breakers.Allow(key)
	require.NoError(t, err)
	done(false)

	rec := ts.do(t, http.MethodGet, "/api/v1/breakers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Enabled  bool                    `json:"enabled"`
		Nodes    []circuitbreaker.Status `json:"nodes"`
		Services map[string]string       `json:"services"`
	}
	decode(t, rec, &body)
	assert.True(t, body.Enabled)
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, key.String(), body.Nodes[0].Name)
	assert.Equal(t, uint64(1), body.Nodes[0].Failures)
	assert.Equal(t, "closed", body.Services["services.telemetry"])
}

func TestChainLifecycleThroughAPI(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	base := "/api/v1/tenants/" + tenantID.String() + "/chains"

	create := `{
		"name": "thermostat",
		"root": true,
		"entryNodeId": "threshold",
		"nodes": [
			{"id": "threshold", "type": "filter.threshold", "configuration": {"key": "temperature", "threshold": 25}},
			{"id": "log", "type": "action.log"}
		],
		"connections": [{"from": "threshold", "relation": "Success", "to": "log"}]
	}`
	rec := ts.do(t, http.MethodPost, base, "application/json", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var saved models.ChainGraph
	decode(t, rec, &saved)
	assert.NotEqual(t, uuid.Nil, saved.ChainID)
	assert.Equal(t, tenantID, saved.TenantID)
	assert.Equal(t, int64(1), saved.Version)

	rec = ts.do(t, http.MethodGet, base+"/"+saved.ChainID.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loaded models.ChainGraph
	decode(t, rec, &loaded)
	assert.JSONEq(t, `{"key": "temperature", "threshold": 25}`, string(loaded.Nodes[0].Configuration))

	update := `
id: ` + saved.ChainID.String() + `
tenantId: ` + tenantID.String() + `
name: thermostat
root: true
entryNodeId: threshold
nodes:
  - id: threshold
    type: filter.threshold
    configuration:
      key: temperature
      threshold: 40
`
	rec = ts.do(t, http.MethodPut, base+"/"+saved.ChainID.String(), "application/yaml", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &saved)
	assert.Equal(t, int64(2), saved.Version)

	rec = ts.do(t, http.MethodGet, base, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.ChainGraph
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = ts.do(t, http.MethodDelete, base+"/"+saved.ChainID.String(), "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, base+"/"+saved.ChainID.String(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	events := chainEvents(ts)
	require.Len(t, events, 3)
	assert.Equal(t, models.ActionCreate, events[0].Action)
	assert.Equal(t, models.ActionUpdate, events[1].Action)
	assert.Equal(t, models.ActionDelete, events[2].Action)
	for _, e := range events {
		assert.Equal(t, saved.ChainID, e.ChainID)
		assert.Equal(t, "ops-api", e.ChangedBy)
	}
}

func TestSaveChain_Rejections(t *testing.T) {
	tenantID := uuid.New()
	base := "/api/v1/tenants/" + tenantID.String() + "/chains"
	other := uuid.New()

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "bad tenant id", method: http.MethodPost, path: "/api/v1/tenants/nope/chains", body: `{}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "bad json", method: http.MethodPost, path: base, body: `{"nodes": [`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "tenant mismatch", method: http.MethodPost, path: base, body: `{"tenantId": "` + other.String() + `"}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "chain id mismatch", method: http.MethodPut, path: base + "/" + uuid.New().String(), body: `{"id": "` + other.String() + `"}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{
			name:     "unknown node type",
			method:   http.MethodPost,
			path:     base,
			body:     `{"entryNodeId": "x", "nodes": [{"id": "x", "type": "filter.nope"}]}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "CONFIGURATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, tt.method, tt.path, "application/json", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
			assert.Empty(t, chainEvents(ts))
		})
	}
}

func TestDeleteTenant(t *testing.T) {
	ts := newTestServer(t)
	tenantID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, ts.repo.SaveChain(ctx, &models.ChainGraph{
			ChainID:     uuid.New(),
			TenantID:    tenantID,
			Name:        "chain",
			EntryNodeID: "log",
			Nodes:       []models.NodeDefinition{{ID: "log", Type: "action.log"}},
		}))
	}

	rec := ts.do(t, http.MethodDelete, "/api/v1/tenants/"+tenantID.String(), "", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	remaining, err := ts.repo.ListChains(ctx, tenantID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	events := chainEvents(ts)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventTypeTenantDeleted, events[2].EventType)
	assert.Equal(t, tenantID, events[2].TenantID)
}
