package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/services"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

type originatorAttributesConfig struct {
	Scope  string   `json:"scope"`
	Keys   []string `json:"keys"`
	Prefix string   `json:"prefix"`
	// TellFailureIfAbsent fails the message when a requested key is missing.
	TellFailureIfAbsent bool `json:"tellFailureIfAbsent"`
}

// originatorAttributes copies attributes of the message originator into metadata.
type originatorAttributes struct {
	stateless
	svc services.AttributeStore
	cfg originatorAttributesConfig
}

func (n *originatorAttributes) Init(raw json.RawMessage, _ engine.InitContext) error {
	cfg := originatorAttributesConfig{Scope: constants.AttributeScopeServer}
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if err := validateScope(cfg.Scope); err != nil {
		return err
	}
	if len(cfg.Keys) == 0 {
		return engine.ConfigError("keys", "at least one attribute key is required")
	}
	if n.svc == nil {
		return engine.ConfigError("services", "attribute service is not configured")
	}
	cfg.Keys = append([]string(nil), cfg.Keys...)
	n.cfg = cfg
	return nil
}

func (n *originatorAttributes) OnMessage(ctx engine.Context, env models.Envelope) {
	tenantID := ctx.TenantID()
	originator := env.Originator()
	ctx.ExternalCall("get_attributes", func(callCtx context.Context) (interface{}, error) {
		return n.svc.GetAttributes(callCtx, tenantID, originator, n.cfg.Scope, n.cfg.Keys)
	}, func(result interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}

		values, _ := result.(map[string]interface{})
		metadata := env.Metadata()
		for _, key := range n.cfg.Keys {
			v, ok := values[key]
			if !ok {
				if n.cfg.TellFailureIfAbsent {
					ctx.Fail(env, apperrors.ErrPermanent.WithMessage(fmt.Sprintf("attribute %q not found", key)))
					return
				}
				continue
			}
			metadata = metadata.With(n.cfg.Prefix+key, metadataValue(v))
		}
		ctx.Route(env.WithMetadata(metadata), models.RelationSuccess)
	})
}

type originatorFieldsConfig struct {
	// Fields maps entity fields to metadata keys.
	Fields map[string]string `json:"fields"`
	// IgnoreNullStrings skips fields that are empty on the entity.
	IgnoreNullStrings bool `json:"ignoreNullStrings"`
}

type originatorFields struct {
	stateless
	svc    services.EntityStore
	fields []string
	cfg    originatorFieldsConfig
}

func (n *originatorFields) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg originatorFieldsConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if len(cfg.Fields) == 0 {
		return engine.ConfigError("fields", "at least one field mapping is required")
	}
	if n.svc == nil {
		return engine.ConfigError("services", "entity service is not configured")
	}

	n.fields = make([]string, 0, len(cfg.Fields))
	for field, key := range cfg.Fields {
		if key == "" {
			return engine.ConfigError("fields", "metadata key for %q cannot be empty", field)
		}
		n.fields = append(n.fields, field)
	}
	sort.Strings(n.fields)
	n.cfg = cfg
	return nil
}

func (n *originatorFields) OnMessage(ctx engine.Context, env models.Envelope) {
	tenantID := ctx.TenantID()
	originator := env.Originator()
	ctx.ExternalCall("get_entity", func(callCtx context.Context) (interface{}, error) {
		return n.svc.GetEntity(callCtx, tenantID, originator)
	}, func(result interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}

		entity, ok := result.(*services.Entity)
		if !ok || entity == nil {
			ctx.Fail(env, apperrors.ErrPermanent.WithMessage("entity lookup returned no entity"))
			return
		}

		metadata := env.Metadata()
		for _, field := range n.fields {
			v, ok := entity.Field(field)
			if !ok || (v == "" && n.cfg.IgnoreNullStrings) {
				continue
			}
			metadata = metadata.With(n.cfg.Fields[field], v)
		}
		ctx.Route(env.WithMetadata(metadata), models.RelationSuccess)
	})
}

type redisEnrichmentConfig struct {
	Key         string `json:"key"`
	Field       string `json:"field"`
	MetadataKey string `json:"metadataKey"`
	// Optional routes Success unchanged when the key does not exist.
	Optional bool `json:"optional"`
}

// redisEnrichment reads a string key, or one hash field, into metadata.
type redisEnrichment struct {
	stateless
	client redis.UniversalClient
	cfg    redisEnrichmentConfig
	key    template
}

func (n *redisEnrichment) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg redisEnrichmentConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Key == "" {
		return engine.ConfigError("key", "is required")
	}
	if cfg.MetadataKey == "" {
		return engine.ConfigError("metadataKey", "is required")
	}
	if n.client == nil {
		return engine.ConfigError("redis", "redis is not configured")
	}
	n.cfg = cfg
	n.key = parseTemplate(cfg.Key)
	return nil
}

func (n *redisEnrichment) OnMessage(ctx engine.Context, env models.Envelope) {
	key, err := n.key.render(env)
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}

	ctx.ExternalCall("redis", func(callCtx context.Context) (interface{}, error) {
		var (
			value string
			err   error
		)
		if n.cfg.Field != "" {
			value, err = n.client.HGet(callCtx, key, n.cfg.Field).Result()
		} else {
			value, err = n.client.Get(callCtx, key).Result()
		}
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("redis key %s not found", key))
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		return value, nil
	}, func(result interface{}, err error) {
		if apperrors.IsNotFound(err) && n.cfg.Optional {
			ctx.Route(env, models.RelationSuccess)
			return
		}
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		value, _ := result.(string)
		ctx.Route(env.WithMetadataValue(n.cfg.MetadataKey, value), models.RelationSuccess)
	})
}
