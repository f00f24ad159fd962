package nodes

import (
	"encoding/json"
	"sort"

	"ruleengine/internal/engine"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

// scriptTransform replaces payload, metadata or message type with the map
// returned by the script. Parts the script omits are kept.
type scriptTransform struct {
	stateless
	scripts script.Executor
	script  script.Script
}

func (n *scriptTransform) Init(raw json.RawMessage, ictx engine.InitContext) error {
	s, err := initScript(raw, ictx, n.scripts, script.KindTransform, true)
	if err != nil {
		return err
	}
	n.script = s
	return nil
}

func (n *scriptTransform) OnMessage(ctx engine.Context, env models.Envelope) {
	ctx.ExecuteScript(n.script, env, func(result script.Result, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		if result.Envelope.IsZero() {
			ctx.Fail(env, apperrors.ErrScript.WithMessage("transform script produced no envelope"))
			return
		}
		ctx.Route(result.Envelope, models.RelationSuccess)
	})
}

type metadataTransformConfig struct {
	Set    map[string]string `json:"set"`
	Remove []string          `json:"remove"`
}

type metadataTransform struct {
	stateless
	setKeys []string
	set     map[string]template
	remove  []string
}

func (n *metadataTransform) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg metadataTransformConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if len(cfg.Set) == 0 && len(cfg.Remove) == 0 {
		return engine.ConfigError("set", "set or remove must name at least one key")
	}

	n.setKeys = make([]string, 0, len(cfg.Set))
	n.set = make(map[string]template, len(cfg.Set))
	for k, v := range cfg.Set {
		if k == "" {
			return engine.ConfigError("set", "metadata key cannot be empty")
		}
		n.setKeys = append(n.setKeys, k)
		n.set[k] = parseTemplate(v)
	}
	sort.Strings(n.setKeys)
	n.remove = append([]string(nil), cfg.Remove...)
	return nil
}

func (n *metadataTransform) OnMessage(ctx engine.Context, env models.Envelope) {
	metadata := env.Metadata()
	for _, k := range n.remove {
		metadata = metadata.Without(k)
	}
	for _, k := range n.setKeys {
		v, err := n.set[k].render(env)
		if err != nil {
			ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
			return
		}
		metadata = metadata.With(k, v)
	}
	ctx.Route(env.WithMetadata(metadata), models.RelationSuccess)
}
