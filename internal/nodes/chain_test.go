package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/chains"
	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/logger"
	"ruleengine/internal/services"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
	"ruleengine/pkg/retry"
)

type chainHarness struct {
	engine    *engine.Engine
	repo      *chains.MemoryRepository
	services  *services.MemoryService
	publisher *recordingPublisher
	tenantID  uuid.UUID
}

func newChainHarness(t *testing.T) *chainHarness {
	t.Helper()
	h := &chainHarness{
		repo:      chains.NewMemoryRepository(),
		services:  services.NewMemoryService(),
		publisher: &recordingPublisher{},
		tenantID:  uuid.New(),
	}

	scripts := newEvaluator(t)
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg, Dependencies{
		Services:  h.services,
		Publisher: h.publisher,
		Scripts:   scripts,
	}))

	settings := engine.DefaultSettings()
	settings.NodeTimeout = 5 * time.Second
	settings.Retry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

	eng, err := engine.New(engine.Options{
		Settings: settings,
		Registry: reg,
		Loader:   h.repo,
		Scripts:  scripts,
		Logger:   logger.NopLogger(),
	})
	require.NoError(t, err)
	h.engine = eng

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})
	return h
}

func (h *chainHarness) saveRoot(t *testing.T, entry string, nodes []models.NodeDefinition, edges ...models.Connection) *models.ChainGraph {
	t.Helper()
	g := &models.ChainGraph{
		ChainID:     uuid.New(),
		TenantID:    h.tenantID,
		Name:        t.Name(),
		Root:        true,
		EntryNodeID: entry,
		Nodes:       nodes,
		Connections: edges,
	}
	require.NoError(t, h.repo.SaveChain(context.Background(), g))
	return g
}

func (h *chainHarness) submit(t *testing.T, env models.Envelope) engine.Outcome {
	t.Helper()
	ch := make(chan engine.Outcome, 1)
	h.engine.Submit(env, func(o engine.Outcome) { ch <- o })
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return engine.Outcome{}
	}
}

func (h *chainHarness) telemetry(device uuid.UUID, temperature float64) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithType(constants.MsgTypePostTelemetry).
		WithTenantID(h.tenantID).
		WithOriginator(models.NewEntityID(models.EntityTypeDevice, device)).
		WithMetadata(models.NewMetadata("deviceName", "thermostat-1")).
		WithData(map[string]interface{}{"temperature": temperature}).
		MustBuild()
}

func node(id, nodeType, cfg string) models.NodeDefinition {
	d := models.NodeDefinition{ID: id, Type: nodeType}
	if cfg != "" {
		d.Configuration = json.RawMessage(cfg)
	}
	return d
}

func connect(from, relation, to string) models.Connection {
	return models.Connection{From: from, Relation: relation, To: to}
}

func TestChain_ThresholdRoutesBySuccessAndFailure(t *testing.T) {
	h := newChainHarness(t)
	h.saveRoot(t, "threshold",
		[]models.NodeDefinition{
			node("threshold", TypeThresholdFilter, `{"key": "temperature", "threshold": 25}`),
			node("save", TypeSaveTelemetry, ``),
			node("cold", TypeKafka, `{"topic": "cold-readings", "addMetadataHeaders": true}`),
		},
		connect("threshold", models.RelationSuccess, "save"),
		connect("threshold", models.RelationFailure, "cold"),
	)
	device := uuid.New()
	entity := models.NewEntityID(models.EntityTypeDevice, device)

	hot := h.submit(t, h.telemetry(device, 30))
	require.Equal(t, engine.StatusCompleted, hot.Status, "outcome error: %v", hot.Err)
	points := h.services.Telemetry(h.tenantID, entity)
	require.Len(t, points, 1)
	assert.Equal(t, "temperature", points[0].Key)
	assert.Empty(t, h.publisher.all())

	cold := h.submit(t, h.telemetry(device, 10))
	require.Equal(t, engine.StatusCompleted, cold.Status, "outcome error: %v", cold.Err)
	assert.Len(t, h.services.Telemetry(h.tenantID, entity), 1)
	records := h.publisher.all()
	require.Len(t, records, 1)
	assert.Equal(t, "cold-readings", records[0].topic)
	assert.Equal(t, "thermostat-1", records[0].headers["deviceName"])
	assert.JSONEq(t, `{"temperature": 10}`, records[0].value)
}

func TestChain_TransientFailureRetriesThenTakesFailureEdge(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newChainHarness(t)
	h.saveRoot(t, "rest",
		[]models.NodeDefinition{
			node("rest", TypeRestAPI, `{"url": "`+srv.URL+`/ingest"}`),
			node("errors", TypeKafka, `{"topic": "rest-errors", "addMetadataHeaders": true}`),
		},
		connect("rest", models.RelationFailure, "errors"),
	)

	outcome := h.submit(t, h.telemetry(uuid.New(), 30))
	require.Equal(t, engine.StatusCompleted, outcome.Status, "outcome error: %v", outcome.Err)
	assert.Equal(t, int32(3), calls.Load())

	records := h.publisher.all()
	require.Len(t, records, 1)
	assert.Equal(t, apperrors.ErrTransient.Code, records[0].headers[constants.MetadataErrorCode])
	assert.Equal(t, "rest", records[0].headers[constants.MetadataFailedNode])
	assert.Contains(t, records[0].headers[constants.MetadataError], "503")
}

func TestChain_TransientFailureWithoutFailureEdgeFailsMessage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newChainHarness(t)
	h.saveRoot(t, "rest", []models.NodeDefinition{
		node("rest", TypeRestAPI, `{"url": "`+srv.URL+`"}`),
	})

	outcome := h.submit(t, h.telemetry(uuid.New(), 30))
	assert.Equal(t, engine.StatusFailed, outcome.Status)
	assert.True(t, apperrors.IsTransient(outcome.Err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestChain_ScriptSwitchFansOut(t *testing.T) {
	h := newChainHarness(t)
	h.saveRoot(t, "switch",
		[]models.NodeDefinition{
			{
				ID:            "switch",
				Type:          TypeSwitch,
				Configuration: json.RawMessage(`{"script": "msg.temperature > 25 ? ['hot', 'audit'] : ['audit']"}`),
				Relations:     []string{"hot", "audit"},
			},
			node("hot", TypeKafka, `{"topic": "hot"}`),
			node("audit", TypeKafka, `{"topic": "audit"}`),
		},
		connect("switch", "hot", "hot"),
		connect("switch", "audit", "audit"),
	)

	outcome := h.submit(t, h.telemetry(uuid.New(), 30))
	require.Equal(t, engine.StatusCompleted, outcome.Status, "outcome error: %v", outcome.Err)

	topics := map[string]bool{}
	for _, r := range h.publisher.all() {
		topics[r.topic] = true
	}
	assert.Equal(t, map[string]bool{"hot": true, "audit": true}, topics)
}

func TestChain_ReloadAfterUpdate(t *testing.T) {
	h := newChainHarness(t)
	g := h.saveRoot(t, "threshold",
		[]models.NodeDefinition{
			node("threshold", TypeThresholdFilter, `{"key": "temperature", "threshold": 25}`),
			node("alert", TypeKafka, `{"topic": "alerts"}`),
		},
		connect("threshold", models.RelationSuccess, "alert"),
	)
	device := uuid.New()

	require.Equal(t, engine.StatusCompleted, h.submit(t, h.telemetry(device, 30)).Status)
	require.Len(t, h.publisher.all(), 1)

	g.Nodes[0].Configuration = json.RawMessage(`{"key": "temperature", "threshold": 40}`)
	require.NoError(t, h.repo.SaveChain(context.Background(), g))
	h.engine.HandleChainEvent(models.ChainUpdateEvent{
		EventType: models.EventTypeChainUpdated,
		TenantID:  h.tenantID,
		ChainID:   g.ChainID,
		Action:    models.ActionUpdate,
	})

	require.Equal(t, engine.StatusCompleted, h.submit(t, h.telemetry(device, 30)).Status)
	assert.Len(t, h.publisher.all(), 1, "30 is below the updated threshold")
}
