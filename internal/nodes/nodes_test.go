package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/services"
	rulecel "ruleengine/pkg/cel"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

func newEvaluator(t *testing.T) *rulecel.Evaluator {
	t.Helper()
	ev, err := rulecel.NewEvaluator()
	require.NoError(t, err)
	return ev
}

func TestRegister_AllKinds(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg, Dependencies{}))

	assert.Equal(t, []string{
		TypeLog,
		TypeSaveAttributes,
		TypeSaveTelemetry,
		TypeOriginatorAttributes,
		TypeOriginatorFields,
		TypeRedisEnrichment,
		TypeKafka,
		TypeRestAPI,
		TypeDeduplicate,
		TypeMessageTypeFilter,
		TypeOriginatorTypeFilter,
		TypeScriptFilter,
		TypeSwitch,
		TypeThresholdFilter,
		TypeMetadataTransform,
		TypeScriptTransform,
	}, reg.Types())

	assert.Error(t, Register(reg, Dependencies{}), "registering twice must fail")
}

func TestThresholdFilter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      string
		data     map[string]interface{}
		pairs    []string
		relation string
	}{
		{name: "above threshold", cfg: `{"key": "temperature", "threshold": 25}`, data: map[string]interface{}{"temperature": 30}, relation: models.RelationSuccess},
		{name: "below threshold", cfg: `{"key": "temperature", "threshold": 25}`, data: map[string]interface{}{"temperature": 10}, relation: models.RelationFailure},
		{name: "equal is not greater", cfg: `{"key": "temperature", "threshold": 25}`, data: map[string]interface{}{"temperature": 25}, relation: models.RelationFailure},
		{name: "greater or equal", cfg: `{"key": "temperature", "threshold": 25, "operator": ">="}`, data: map[string]interface{}{"temperature": 25}, relation: models.RelationSuccess},
		{name: "less than", cfg: `{"key": "temperature", "threshold": 25, "operator": "<"}`, data: map[string]interface{}{"temperature": 10}, relation: models.RelationSuccess},
		{name: "nested key", cfg: `{"key": "sensor.temperature", "threshold": 25}`, data: map[string]interface{}{"sensor": map[string]interface{}{"temperature": 40}}, relation: models.RelationSuccess},
		{name: "numeric string", cfg: `{"key": "temperature", "threshold": 25}`, data: map[string]interface{}{"temperature": "26.5"}, relation: models.RelationSuccess},
		{name: "metadata source", cfg: `{"key": "battery", "threshold": 20, "operator": "<", "source": "metadata"}`, data: map[string]interface{}{}, pairs: []string{"battery", "15"}, relation: models.RelationSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &thresholdFilter{}
			initNode(t, node, tt.cfg)
			ctx := newFakeContext(nil)

			node.OnMessage(ctx, envelope(t, tt.data, tt.pairs...))

			assert.Empty(t, ctx.failures)
			assert.Equal(t, []string{tt.relation}, ctx.relations())
		})
	}
}

func TestThresholdFilter_InvalidInput(t *testing.T) {
	node := &thresholdFilter{}
	initNode(t, node, `{"key": "temperature", "threshold": 25}`)

	tests := []struct {
		name string
		env  models.Envelope
	}{
		{name: "missing key", env: envelope(t, map[string]interface{}{"humidity": 40})},
		{name: "not numeric", env: envelope(t, map[string]interface{}{"temperature": "hot"})},
		{name: "payload not an object", env: rawEnvelope(t, `[1, 2]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newFakeContext(nil)
			node.OnMessage(ctx, tt.env)

			assert.Empty(t, ctx.routes)
			require.Len(t, ctx.failures, 1)
			assert.Equal(t, apperrors.ErrPermanent.Code, apperrors.CodeOf(ctx.failures[0]))
		})
	}
}

func TestNodeConfigValidation(t *testing.T) {
	deps := Dependencies{Services: services.NewMemoryService(), Scripts: newEvaluator(t), Publisher: &recordingPublisher{}}

	tests := []struct {
		name string
		node engine.Node
		cfg  string
	}{
		{name: "threshold without key", node: &thresholdFilter{}, cfg: `{"threshold": 25}`},
		{name: "threshold without value", node: &thresholdFilter{}, cfg: `{"key": "temperature"}`},
		{name: "threshold bad operator", node: &thresholdFilter{}, cfg: `{"key": "t", "threshold": 1, "operator": "~"}`},
		{name: "threshold unknown field", node: &thresholdFilter{}, cfg: `{"key": "t", "threshold": 1, "limit": 2}`},
		{name: "script filter without script", node: &scriptFilter{scripts: deps.Scripts}, cfg: `{}`},
		{name: "script filter syntax error", node: &scriptFilter{scripts: deps.Scripts}, cfg: `{"script": "msg.temperature >"}`},
		{name: "script filter non boolean", node: &scriptFilter{scripts: deps.Scripts}, cfg: `{"script": "'text'"}`},
		{name: "script filter without executor", node: &scriptFilter{}, cfg: `{"script": "true"}`},
		{name: "message types empty", node: &messageTypeFilter{}, cfg: `{"messageTypes": []}`},
		{name: "unknown entity type", node: &originatorTypeFilter{}, cfg: `{"originatorTypes": ["ROBOT"]}`},
		{name: "metadata transform empty", node: &metadataTransform{}, cfg: `{}`},
		{name: "save attributes bad scope", node: &saveAttributes{svc: deps.Services}, cfg: `{"scope": "GLOBAL"}`},
		{name: "save telemetry without service", node: &saveTelemetry{}, cfg: `{}`},
		{name: "attributes without keys", node: &originatorAttributes{svc: deps.Services}, cfg: `{}`},
		{name: "fields without mapping", node: &originatorFields{svc: deps.Services}, cfg: `{"fields": {}}`},
		{name: "redis without client", node: &redisEnrichment{}, cfg: `{"key": "k", "metadataKey": "m"}`},
		{name: "dedup without client", node: &deduplicate{}, cfg: `{"ttlSeconds": 60}`},
		{name: "dedup without ttl", node: &deduplicate{}, cfg: `{}`},
		{name: "dedup bad algorithm", node: &deduplicate{}, cfg: `{"ttlSeconds": 60, "algorithm": "crc32"}`},
		{name: "dedup bad fallback", node: &deduplicate{}, cfg: `{"ttlSeconds": 60, "onRedisError": "retry"}`},
		{name: "dedup no fields", node: &deduplicate{}, cfg: `{"ttlSeconds": 60, "fields": []}`},
		{name: "rest without url", node: &restAPICall{}, cfg: `{}`},
		{name: "rest bad scheme", node: &restAPICall{}, cfg: `{"url": "ftp://example.com"}`},
		{name: "rest bad method", node: &restAPICall{}, cfg: `{"url": "http://example.com", "method": "TRACE"}`},
		{name: "kafka without topic", node: &kafkaPublish{publisher: deps.Publisher}, cfg: `{}`},
		{name: "kafka without publisher", node: &kafkaPublish{}, cfg: `{"topic": "out"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Init(json.RawMessage(tt.cfg), initContext())
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestNodeInitIsIdempotent(t *testing.T) {
	ev := newEvaluator(t)
	cfg := `{"messageTypes": ["POST_TELEMETRY_REQUEST"]}`

	node := &messageTypeFilter{}
	initNode(t, node, cfg)
	initNode(t, node, cfg)
	assert.Len(t, node.types, 1)

	transform := &metadataTransform{}
	initNode(t, transform, `{"set": {"b": "2", "a": "1"}}`)
	initNode(t, transform, `{"set": {"b": "2", "a": "1"}}`)
	assert.Equal(t, []string{"a", "b"}, transform.setKeys)

	filter := &scriptFilter{scripts: ev}
	initNode(t, filter, `{"script": "msg.temperature > 25"}`)
	first := filter.script
	initNode(t, filter, `{"script": "msg.temperature > 25"}`)
	assert.Equal(t, first, filter.script)

	ctx := newFakeContext(ev)
	filter.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Equal(t, []string{models.RelationTrue}, ctx.relations())
}

func TestScriptFilter(t *testing.T) {
	ev := newEvaluator(t)
	node := &scriptFilter{scripts: ev}
	initNode(t, node, `{"script": "msg.temperature > 25"}`)

	hot := newFakeContext(ev)
	node.OnMessage(hot, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Equal(t, []string{models.RelationTrue}, hot.relations())

	cold := newFakeContext(ev)
	node.OnMessage(cold, envelope(t, map[string]interface{}{"temperature": 10}))
	assert.Equal(t, []string{models.RelationFalse}, cold.relations())

	missing := newFakeContext(ev)
	node.OnMessage(missing, envelope(t, map[string]interface{}{"humidity": 10}))
	assert.Empty(t, missing.routes)
	require.Len(t, missing.failures, 1)
	assert.Equal(t, apperrors.ErrScript.Code, apperrors.CodeOf(missing.failures[0]))
}

func TestSwitchNode(t *testing.T) {
	ev := newEvaluator(t)
	node := &switchNode{scripts: ev}
	initNode(t, node, `{"script": "msg.temperature > 25 ? ['Hot', 'Alarm'] : ['Normal']"}`)

	ctx := newFakeContext(ev)
	node.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Equal(t, []string{"Hot", "Alarm"}, ctx.relations())

	empty := &switchNode{scripts: ev}
	initNode(t, empty, `{"script": "[]"}`)
	ctx = newFakeContext(ev)
	empty.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Empty(t, ctx.routes)
	assert.Len(t, ctx.failures, 1)
}

func TestMessageAndOriginatorTypeFilters(t *testing.T) {
	byType := &messageTypeFilter{}
	initNode(t, byType, `{"messageTypes": ["POST_TELEMETRY_REQUEST", "CONNECT_EVENT"]}`)
	ctx := newFakeContext(nil)
	byType.OnMessage(ctx, envelope(t, map[string]interface{}{}))
	byType.OnMessage(ctx, envelope(t, map[string]interface{}{}).WithType(constants.MsgTypeInactivityEvent))
	assert.Equal(t, []string{models.RelationTrue, models.RelationFalse}, ctx.relations())

	byOriginator := &originatorTypeFilter{}
	initNode(t, byOriginator, `{"originatorTypes": ["ASSET"]}`)
	ctx = newFakeContext(nil)
	byOriginator.OnMessage(ctx, envelope(t, map[string]interface{}{}))
	assert.Equal(t, []string{models.RelationFalse}, ctx.relations())
}

func TestScriptTransform(t *testing.T) {
	ev := newEvaluator(t)
	node := &scriptTransform{scripts: ev}
	initNode(t, node, `{"script": "{'msg': {'temperatureF': msg.temperature * 9.0 / 5.0 + 32.0}, 'msgType': 'CONVERTED'}"}`)

	in := envelope(t, map[string]interface{}{"temperature": 30.0}, "deviceName", "A1")
	ctx := newFakeContext(ev)
	node.OnMessage(ctx, in)

	require.Empty(t, ctx.failures)
	out := ctx.lastEnvelope(t)
	assert.Equal(t, "CONVERTED", out.Type())
	assert.Equal(t, in.ID(), out.ID())
	assert.Equal(t, "A1", out.Metadata().Value("deviceName"))
	data, err := out.Data()
	require.NoError(t, err)
	assert.Equal(t, 86.0, data["temperatureF"])
}

func TestMetadataTransform(t *testing.T) {
	node := &metadataTransform{}
	initNode(t, node, `{"set": {"alarmType": "HighTemp", "reading": "$[temperature] from ${deviceName}"}, "remove": ["secret"]}`)

	ctx := newFakeContext(nil)
	node.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}, "deviceName", "A1", "secret", "x"))

	out := ctx.lastEnvelope(t)
	assert.Equal(t, []string{"deviceName", "alarmType", "reading"}, out.Metadata().Keys())
	assert.Equal(t, "30 from A1", out.Metadata().Value("reading"))
}

func TestLogNode(t *testing.T) {
	ev := newEvaluator(t)

	plain := &logNode{scripts: ev}
	initNode(t, plain, `{}`)
	ctx := newFakeContext(ev)
	plain.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Equal(t, []string{models.RelationSuccess}, ctx.relations())

	scripted := &logNode{scripts: ev}
	initNode(t, scripted, `{"script": "'temperature is ' + string(msg.temperature)"}`)
	ctx = newFakeContext(ev)
	scripted.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}))
	assert.Equal(t, []string{models.RelationSuccess}, ctx.relations())
}

func TestSaveTelemetry(t *testing.T) {
	svc := services.NewMemoryService()

	tests := []struct {
		name    string
		payload string
		pairs   []string
		points  int
	}{
		{name: "flat object", payload: `{"temperature": 30, "humidity": 40}`, points: 2},
		{name: "ts and values", payload: `{"ts": 1714564800000, "values": {"temperature": 30}}`, points: 1},
		{name: "array", payload: `[{"ts": 1714564800000, "values": {"t": 1}}, {"ts": 1714564801000, "values": {"t": 2}}]`, points: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &saveTelemetry{svc: svc}
			initNode(t, node, `{}`)
			env := rawEnvelope(t, tt.payload)
			ctx := newFakeContext(nil)

			node.OnMessage(ctx, env)

			assert.Empty(t, ctx.failures)
			assert.Equal(t, []string{models.RelationSuccess}, ctx.relations())
			assert.Len(t, svc.Telemetry(ctx.tenantID, env.Originator()), tt.points)
		})
	}
}

func TestSaveTelemetry_TimestampFromMetadata(t *testing.T) {
	svc := services.NewMemoryService()
	node := &saveTelemetry{svc: svc}
	initNode(t, node, `{}`)
	env := envelope(t, map[string]interface{}{"temperature": 30}, "ts", "1714564800000")
	ctx := newFakeContext(nil)

	node.OnMessage(ctx, env)

	points := svc.Telemetry(ctx.tenantID, env.Originator())
	require.Len(t, points, 1)
	assert.Equal(t, int64(1714564800000), points[0].Ts.UnixMilli())
}

func TestSaveTelemetry_InvalidPayload(t *testing.T) {
	node := &saveTelemetry{svc: services.NewMemoryService()}
	initNode(t, node, `{}`)

	for _, payload := range []string{`not json`, `[1, 2]`, `{}`} {
		ctx := newFakeContext(nil)
		node.OnMessage(ctx, rawEnvelope(t, payload))
		require.Len(t, ctx.failures, 1, payload)
		assert.Empty(t, ctx.calls, "no service call for %s", payload)
	}
}

func TestAttributesRoundTrip(t *testing.T) {
	svc := services.NewMemoryService()
	env := envelope(t, map[string]interface{}{"threshold": 25, "mode": "eco"})

	save := &saveAttributes{svc: svc}
	initNode(t, save, `{"scope": "SHARED_SCOPE"}`)
	ctx := newFakeContext(nil)
	save.OnMessage(ctx, env)
	require.Equal(t, []string{models.RelationSuccess}, ctx.relations())

	enrich := &originatorAttributes{svc: svc}
	initNode(t, enrich, `{"scope": "SHARED_SCOPE", "keys": ["threshold", "mode", "absent"], "prefix": "shared_"}`)
	enrichCtx := newFakeContext(nil)
	enrichCtx.tenantID = ctx.tenantID
	enrich.OnMessage(enrichCtx, env)

	out := enrichCtx.lastEnvelope(t)
	assert.Equal(t, "25", out.Metadata().Value("shared_threshold"))
	assert.Equal(t, "eco", out.Metadata().Value("shared_mode"))
	_, ok := out.Metadata().Get("shared_absent")
	assert.False(t, ok)

	strict := &originatorAttributes{svc: svc}
	initNode(t, strict, `{"scope": "SHARED_SCOPE", "keys": ["absent"], "tellFailureIfAbsent": true}`)
	strictCtx := newFakeContext(nil)
	strictCtx.tenantID = ctx.tenantID
	strict.OnMessage(strictCtx, env)
	assert.Empty(t, strictCtx.routes)
	assert.Len(t, strictCtx.failures, 1)
}

func TestOriginatorFields(t *testing.T) {
	svc := services.NewMemoryService()
	env := envelope(t, map[string]interface{}{"temperature": 30})
	ctx := newFakeContext(nil)
	svc.PutEntity(services.Entity{
		ID:       env.Originator(),
		TenantID: ctx.tenantID,
		Name:     "Thermostat A",
		Type:     "thermostat",
	})

	node := &originatorFields{svc: svc}
	initNode(t, node, `{"fields": {"name": "deviceName", "type": "deviceType", "label": "deviceLabel"}, "ignoreNullStrings": true}`)
	node.OnMessage(ctx, env)

	out := ctx.lastEnvelope(t)
	assert.Equal(t, "Thermostat A", out.Metadata().Value("deviceName"))
	assert.Equal(t, "thermostat", out.Metadata().Value("deviceType"))
	_, ok := out.Metadata().Get("deviceLabel")
	assert.False(t, ok)

	unknown := newFakeContext(nil)
	node.OnMessage(unknown, env)
	require.Len(t, unknown.failures, 1)
	assert.True(t, apperrors.IsNotFound(unknown.failures[0]))
}

func TestRestAPICall(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path+" "+r.Header.Get("X-Device")+" "+string(body))
		mu.Unlock()

		switch r.URL.Path {
		case "/devices/A1":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"accepted": true}`))
		case "/devices/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	node := &restAPICall{client: server.Client()}
	initNode(t, node, `{"url": "`+server.URL+`/devices/${deviceName}", "headers": {"X-Device": "${deviceName}"}}`)

	ctx := newFakeContext(nil)
	node.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}, "deviceName", "A1"))
	out := ctx.lastEnvelope(t)
	assert.Equal(t, `{"accepted": true}`, out.PayloadString())
	assert.Equal(t, "201", out.Metadata().Value("statusCode"))
	assert.Equal(t, []string{`POST /devices/A1 A1 {"temperature":30}`}, received)

	busy := newFakeContext(nil)
	node.OnMessage(busy, envelope(t, map[string]interface{}{}, "deviceName", "busy"))
	require.Len(t, busy.failures, 1)
	assert.True(t, apperrors.IsTransient(busy.failures[0]))

	rejected := newFakeContext(nil)
	node.OnMessage(rejected, envelope(t, map[string]interface{}{}, "deviceName", "other"))
	require.Len(t, rejected.failures, 1)
	assert.Equal(t, apperrors.ErrPermanent.Code, apperrors.CodeOf(rejected.failures[0]))
}

type publishedRecord struct {
	topic   string
	key     string
	value   string
	headers map[string]string
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []publishedRecord
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, publishedRecord{topic: topic, key: string(key), value: string(value), headers: headers})
	return nil
}

func (p *recordingPublisher) all() []publishedRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedRecord(nil), p.records...)
}

func TestKafkaPublish(t *testing.T) {
	pub := &recordingPublisher{}
	node := &kafkaPublish{publisher: pub}
	initNode(t, node, `{"topic": "alerts.${deviceType}", "key": "${deviceName}", "addMetadataHeaders": true}`)

	ctx := newFakeContext(nil)
	node.OnMessage(ctx, envelope(t, map[string]interface{}{"temperature": 30}, "deviceName", "A1", "deviceType", "thermostat"))

	require.Len(t, pub.records, 1)
	assert.Equal(t, "alerts.thermostat", pub.records[0].topic)
	assert.Equal(t, "A1", pub.records[0].key)
	assert.Equal(t, `{"temperature":30}`, pub.records[0].value)
	assert.Equal(t, "A1", pub.records[0].headers["deviceName"])
	assert.Equal(t, "alerts.thermostat", ctx.lastEnvelope(t).Metadata().Value("topic"))

	pub.err = io.ErrClosedPipe
	failed := newFakeContext(nil)
	node.OnMessage(failed, envelope(t, map[string]interface{}{}, "deviceType", "x"))
	require.Len(t, failed.failures, 1)
	assert.True(t, apperrors.IsTransient(failed.failures[0]))

	dynamic := &kafkaPublish{publisher: pub}
	initNode(t, dynamic, `{"topic": "${target}"}`)
	empty := newFakeContext(nil)
	dynamic.OnMessage(empty, envelope(t, map[string]interface{}{}))
	require.Len(t, empty.failures, 1)
	assert.Equal(t, apperrors.ErrPermanent.Code, apperrors.CodeOf(empty.failures[0]))
	assert.ErrorContains(t, empty.failures[0], `topic template "${target}" rendered empty`)
}

func TestDeduplicate_Claimed(t *testing.T) {
	storeErr := errors.New("connection refused")
	tests := []struct {
		name    string
		prev    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "key was free", err: redis.Nil, want: true},
		{name: "same envelope retried", prev: "env-1", want: true},
		{name: "other envelope holds key", prev: "env-2", want: false},
		{name: "store error", err: storeErr, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := claimed(tt.prev, tt.err, "env-1")
			if tt.wantErr {
				assert.ErrorIs(t, err, storeErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeduplicate_Fingerprint(t *testing.T) {
	node := &deduplicate{cfg: dedupConfig{Fields: []string{"reading.id", dedupTypeField}, Algorithm: "sha256"}}

	a, err := node.fingerprint(envelope(t, map[string]interface{}{"reading": map[string]interface{}{"id": "r-1"}, "temperature": 20}))
	require.NoError(t, err)
	b, err := node.fingerprint(envelope(t, map[string]interface{}{"reading": map[string]interface{}{"id": "r-1"}, "temperature": 21}))
	require.NoError(t, err)
	c, err := node.fingerprint(envelope(t, map[string]interface{}{"reading": map[string]interface{}{"id": "r-2"}}))
	require.NoError(t, err)

	assert.Equal(t, a, b, "fields outside the fingerprint are ignored")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	node.cfg.Algorithm = "md5"
	short, err := node.fingerprint(envelope(t, map[string]interface{}{"reading": map[string]interface{}{"id": "r-1"}}))
	require.NoError(t, err)
	assert.Len(t, short, 32)

	_, err = node.fingerprint(rawEnvelope(t, "not json"))
	assert.Error(t, err)
}
