package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/services"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

// logNode writes the envelope, or the text produced by its script, to the
// engine log at info level.
type logNode struct {
	stateless
	scripts script.Executor
	script  script.Script
}

func (n *logNode) Init(raw json.RawMessage, ictx engine.InitContext) error {
	s, err := initScript(raw, ictx, n.scripts, script.KindString, false)
	if err != nil {
		return err
	}
	n.script = s
	return nil
}

func (n *logNode) OnMessage(ctx engine.Context, env models.Envelope) {
	if n.script.Source == "" {
		ctx.Logger().Infow("Rule chain message",
			"msg_type", env.Type(),
			"originator", env.Originator().String(),
			"metadata", env.Metadata().ToMap(),
			"payload", env.PayloadString(),
		)
		ctx.Route(env, models.RelationSuccess)
		return
	}

	ctx.ExecuteScript(n.script, env, func(result script.Result, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		ctx.Logger().Infow(result.Text, "msg_type", env.Type())
		ctx.Route(env, models.RelationSuccess)
	})
}

type saveTelemetryConfig struct {
	UseServerTs bool `json:"useServerTs"`
}

type saveTelemetry struct {
	stateless
	svc services.TelemetryStore
	cfg saveTelemetryConfig
}

func (n *saveTelemetry) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg saveTelemetryConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if n.svc == nil {
		return engine.ConfigError("services", "telemetry service is not configured")
	}
	n.cfg = cfg
	return nil
}

func (n *saveTelemetry) OnMessage(ctx engine.Context, env models.Envelope) {
	batches, err := telemetryBatches(env, n.timestamp(ctx, env))
	if err != nil {
		ctx.Fail(env, err)
		return
	}

	tenantID := ctx.TenantID()
	originator := env.Originator()
	ctx.ExternalCall("save_telemetry", func(callCtx context.Context) (interface{}, error) {
		for _, b := range batches {
			if err := n.svc.SaveTelemetry(callCtx, tenantID, originator, b.ts, b.values); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, func(_ interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		ctx.Route(env, models.RelationSuccess)
	})
}

// timestamp prefers the "ts" metadata value in epoch milliseconds.
func (n *saveTelemetry) timestamp(ctx engine.Context, env models.Envelope) time.Time {
	if n.cfg.UseServerTs {
		return ctx.Now()
	}
	if raw, ok := env.Metadata().Get("ts"); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	if !env.CreatedAt().IsZero() {
		return env.CreatedAt()
	}
	return ctx.Now()
}

type telemetryBatch struct {
	ts     time.Time
	values map[string]interface{}
}

// telemetryBatches accepts {"key": value}, {"ts": ms, "values": {...}} or an
// array of either.
func telemetryBatches(env models.Envelope, defaultTs time.Time) ([]telemetryBatch, error) {
	var body interface{}
	if err := jsoncodec.Unmarshal(env.Payload(), &body); err != nil {
		return nil, apperrors.ErrPermanent.WithMessage("telemetry payload is not JSON").WithCause(err)
	}

	var items []interface{}
	switch b := body.(type) {
	case []interface{}:
		items = b
	default:
		items = []interface{}{b}
	}

	batches := make([]telemetryBatch, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, apperrors.ErrPermanent.WithMessage(fmt.Sprintf("telemetry item %d is not an object", i))
		}

		batch := telemetryBatch{ts: defaultTs, values: obj}
		if values, ok := obj["values"].(map[string]interface{}); ok {
			batch.values = values
			if ms, ok := toFloat(obj["ts"]); ok {
				batch.ts = time.UnixMilli(int64(ms))
			}
		}
		if len(batch.values) == 0 {
			continue
		}
		batches = append(batches, batch)
	}
	if len(batches) == 0 {
		return nil, apperrors.ErrPermanent.WithMessage("telemetry payload has no values")
	}
	return batches, nil
}

type saveAttributesConfig struct {
	Scope string `json:"scope"`
}

var attributeScopes = map[string]struct{}{
	constants.AttributeScopeClient: {},
	constants.AttributeScopeServer: {},
	constants.AttributeScopeShared: {},
}

func validateScope(scope string) error {
	if _, ok := attributeScopes[scope]; !ok {
		return engine.ConfigError("scope", "unknown attribute scope %q", scope)
	}
	return nil
}

type saveAttributes struct {
	stateless
	svc   services.AttributeStore
	scope string
}

func (n *saveAttributes) Init(raw json.RawMessage, _ engine.InitContext) error {
	cfg := saveAttributesConfig{Scope: constants.AttributeScopeServer}
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if err := validateScope(cfg.Scope); err != nil {
		return err
	}
	if n.svc == nil {
		return engine.ConfigError("services", "attribute service is not configured")
	}
	n.scope = cfg.Scope
	return nil
}

func (n *saveAttributes) OnMessage(ctx engine.Context, env models.Envelope) {
	values, err := env.Data()
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}
	if len(values) == 0 {
		ctx.Fail(env, apperrors.ErrPermanent.WithMessage("attribute payload has no values"))
		return
	}

	tenantID := ctx.TenantID()
	originator := env.Originator()
	ctx.ExternalCall("save_attributes", func(callCtx context.Context) (interface{}, error) {
		return nil, n.svc.SaveAttributes(callCtx, tenantID, originator, n.scope, values)
	}, func(_ interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		ctx.Route(env, models.RelationSuccess)
	})
}
