package nodes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

type routed struct {
	env      models.Envelope
	relation string
}

// fakeContext runs external calls and scripts inline so node behaviour can be
// asserted without an engine.
type fakeContext struct {
	tenantID uuid.UUID
	scripts  script.Executor
	now      time.Time
	routes   []routed
	failures []error
	calls    []string
}

var _ engine.Context = (*fakeContext)(nil)

func newFakeContext(scripts script.Executor) *fakeContext {
	return &fakeContext{
		tenantID: uuid.New(),
		scripts:  scripts,
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (c *fakeContext) Route(env models.Envelope, relation string) {
	c.routes = append(c.routes, routed{env: env, relation: relation})
}

func (c *fakeContext) Fail(_ models.Envelope, err error) {
	c.failures = append(c.failures, err)
}

func (c *fakeContext) ExternalCall(name string, call engine.ExternalCallFunc, done func(interface{}, error)) {
	c.calls = append(c.calls, name)
	result, err := call(context.Background())
	done(result, apperrors.Transient(err))
}

func (c *fakeContext) ExecuteScript(s script.Script, env models.Envelope, done func(script.Result, error)) {
	done(c.scripts.Execute(context.Background(), s, env))
}

func (c *fakeContext) TenantID() uuid.UUID { return c.tenantID }
func (c *fakeContext) ChainID() uuid.UUID { return uuid.Nil }
func (c *fakeContext) NodeID() string { return "node" }
func (c *fakeContext) Now() time.Time { return c.now }
func (c *fakeContext) Context() context.Context { return context.Background() }
func (c *fakeContext) Logger() logger.Logger { return logger.NopLogger() }

func (c *fakeContext) relations() []string {
	out := make([]string, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.relation)
	}
	return out
}

func (c *fakeContext) lastEnvelope(t *testing.T) models.Envelope {
	t.Helper()
	require.NotEmpty(t, c.routes)
	return c.routes[len(c.routes)-1].env
}

func initNode(t *testing.T, node engine.Node, cfg string) {
	t.Helper()
	require.NoError(t, node.Init(json.RawMessage(cfg), initContext()))
}

var (
	testTenantID = uuid.New()
	testChainID  = uuid.New()
)

func initContext() engine.InitContext {
	return engine.InitContext{TenantID: testTenantID, ChainID: testChainID, NodeID: "node", Logger: logger.NopLogger()}
}

func envelope(t *testing.T, data map[string]interface{}, pairs ...string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder().
		WithType(constants.MsgTypePostTelemetry).
		WithTenantID(uuid.New()).
		WithOriginator(models.NewEntityID(models.EntityTypeDevice, uuid.New())).
		WithMetadata(models.NewMetadata(pairs...)).
		WithData(data).
		Build()
	require.NoError(t, err)
	return env
}

func rawEnvelope(t *testing.T, payload string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder().
		WithType(constants.MsgTypePostTelemetry).
		WithTenantID(uuid.New()).
		WithOriginator(models.NewEntityID(models.EntityTypeDevice, uuid.New())).
		WithPayload([]byte(payload)).
		Build()
	require.NoError(t, err)
	return env
}
