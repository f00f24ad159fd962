package nodes

import (
	"encoding/json"
	"fmt"

	"ruleengine/internal/engine"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

const (
	sourceMessage  = "msg"
	sourceMetadata = "metadata"
)

type thresholdConfig struct {
	Key       string   `json:"key"`
	Threshold *float64 `json:"threshold"`
	Operator  string   `json:"operator"`
	Source    string   `json:"source"`
}

// thresholdFilter routes Success when the numeric value at key satisfies the
// comparison against the threshold and Failure when it does not.
type thresholdFilter struct {
	stateless
	cfg     thresholdConfig
	compare func(value, threshold float64) bool
}

var comparisons = map[string]func(value, threshold float64) bool{
	">":  func(v, t float64) bool { return v > t },
	">=": func(v, t float64) bool { return v >= t },
	"<":  func(v, t float64) bool { return v < t },
	"<=": func(v, t float64) bool { return v <= t },
	"==": func(v, t float64) bool { return v == t },
	"!=": func(v, t float64) bool { return v != t },
}

func (n *thresholdFilter) Init(raw json.RawMessage, _ engine.InitContext) error {
	cfg := thresholdConfig{Operator: ">", Source: sourceMessage}
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Key == "" {
		return engine.ConfigError("key", "is required")
	}
	if cfg.Threshold == nil {
		return engine.ConfigError("threshold", "is required")
	}
	compare, ok := comparisons[cfg.Operator]
	if !ok {
		return engine.ConfigError("operator", "unsupported operator %q", cfg.Operator)
	}
	if cfg.Source != sourceMessage && cfg.Source != sourceMetadata {
		return engine.ConfigError("source", "must be %q or %q", sourceMessage, sourceMetadata)
	}

	n.cfg = cfg
	n.compare = compare
	return nil
}

func (n *thresholdFilter) OnMessage(ctx engine.Context, env models.Envelope) {
	value, err := n.value(env)
	if err != nil {
		ctx.Fail(env, err)
		return
	}

	if n.compare(value, *n.cfg.Threshold) {
		ctx.Route(env, models.RelationSuccess)
		return
	}
	ctx.Route(env, models.RelationFailure)
}

func (n *thresholdFilter) value(env models.Envelope) (float64, error) {
	var (
		raw   interface{}
		found bool
	)
	if n.cfg.Source == sourceMetadata {
		raw, found = env.Metadata().Get(n.cfg.Key)
	} else {
		data, err := env.Data()
		if err != nil {
			return 0, apperrors.ErrPermanent.WithCause(err)
		}
		raw, found = lookup(data, n.cfg.Key)
	}
	if !found {
		return 0, apperrors.ErrPermanent.WithMessage(fmt.Sprintf("key %q not found", n.cfg.Key))
	}

	value, ok := toFloat(raw)
	if !ok {
		return 0, apperrors.ErrPermanent.WithMessage(fmt.Sprintf("key %q is not numeric", n.cfg.Key))
	}
	return value, nil
}

type scriptConfig struct {
	Script string `json:"script"`
}

// initScript decodes a single-script configuration and compiles it once so a
// broken script fails chain start instead of every message.
func initScript(raw json.RawMessage, ictx engine.InitContext, scripts script.Executor, kind script.Kind, required bool) (script.Script, error) {
	var cfg scriptConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return script.Script{}, err
	}
	if cfg.Script == "" {
		if required {
			return script.Script{}, engine.ConfigError("script", "is required")
		}
		return script.Script{}, nil
	}
	if scripts == nil {
		return script.Script{}, engine.ConfigError("script", "no script executor is configured")
	}

	s := script.Script{
		ID:     ictx.ChainID.String() + "/" + ictx.NodeID,
		Kind:   kind,
		Source: cfg.Script,
	}
	if err := scripts.Validate(s); err != nil {
		return script.Script{}, apperrors.ErrConfiguration.WithDetail("field", "script").WithCause(err)
	}
	return s, nil
}

type scriptFilter struct {
	stateless
	scripts script.Executor
	script  script.Script
}

func (n *scriptFilter) Init(raw json.RawMessage, ictx engine.InitContext) error {
	s, err := initScript(raw, ictx, n.scripts, script.KindFilter, true)
	if err != nil {
		return err
	}
	n.script = s
	return nil
}

func (n *scriptFilter) OnMessage(ctx engine.Context, env models.Envelope) {
	ctx.ExecuteScript(n.script, env, func(result script.Result, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		if result.Match {
			ctx.Route(env, models.RelationTrue)
			return
		}
		ctx.Route(env, models.RelationFalse)
	})
}

// switchNode routes to every label the script returns. The labels a chain may
// use are declared on the node definition.
type switchNode struct {
	stateless
	scripts script.Executor
	script  script.Script
}

func (n *switchNode) Init(raw json.RawMessage, ictx engine.InitContext) error {
	s, err := initScript(raw, ictx, n.scripts, script.KindSwitch, true)
	if err != nil {
		return err
	}
	n.script = s
	return nil
}

func (n *switchNode) OnMessage(ctx engine.Context, env models.Envelope) {
	ctx.ExecuteScript(n.script, env, func(result script.Result, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		if len(result.Relations) == 0 {
			ctx.Fail(env, apperrors.ErrPermanent.WithMessage("switch script returned no relations"))
			return
		}
		for _, relation := range result.Relations {
			ctx.Route(env, relation)
		}
	})
}

type messageTypeConfig struct {
	MessageTypes []string `json:"messageTypes"`
}

type messageTypeFilter struct {
	stateless
	types map[string]struct{}
}

func (n *messageTypeFilter) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg messageTypeConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if len(cfg.MessageTypes) == 0 {
		return engine.ConfigError("messageTypes", "at least one message type is required")
	}

	n.types = make(map[string]struct{}, len(cfg.MessageTypes))
	for _, t := range cfg.MessageTypes {
		n.types[t] = struct{}{}
	}
	return nil
}

func (n *messageTypeFilter) OnMessage(ctx engine.Context, env models.Envelope) {
	if _, ok := n.types[env.Type()]; ok {
		ctx.Route(env, models.RelationTrue)
		return
	}
	ctx.Route(env, models.RelationFalse)
}

type originatorTypeConfig struct {
	OriginatorTypes []models.EntityType `json:"originatorTypes"`
}

var knownEntityTypes = map[models.EntityType]struct{}{
	models.EntityTypeDevice:    {},
	models.EntityTypeAsset:     {},
	models.EntityTypeCustomer:  {},
	models.EntityTypeTenant:    {},
	models.EntityTypeRuleChain: {},
}

type originatorTypeFilter struct {
	stateless
	types map[models.EntityType]struct{}
}

func (n *originatorTypeFilter) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg originatorTypeConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if len(cfg.OriginatorTypes) == 0 {
		return engine.ConfigError("originatorTypes", "at least one entity type is required")
	}

	n.types = make(map[models.EntityType]struct{}, len(cfg.OriginatorTypes))
	for _, t := range cfg.OriginatorTypes {
		if _, ok := knownEntityTypes[t]; !ok {
			return engine.ConfigError("originatorTypes", "unknown entity type %q", t)
		}
		n.types[t] = struct{}{}
	}
	return nil
}

func (n *originatorTypeFilter) OnMessage(ctx engine.Context, env models.Envelope) {
	if _, ok := n.types[env.Originator().Type]; ok {
		ctx.Route(env, models.RelationTrue)
		return
	}
	ctx.Route(env, models.RelationFalse)
}
