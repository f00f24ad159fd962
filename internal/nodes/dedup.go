package nodes

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ruleengine/internal/engine"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

const (
	dedupOnErrorAllow = "allow"
	dedupOnErrorDeny  = "deny"

	// dedupOriginatorField hashes the originator id instead of a payload path.
	dedupOriginatorField = "@originator"
	// dedupTypeField hashes the message type.
	dedupTypeField = "@msgType"
)

type dedupConfig struct {
	Fields     []string `json:"fields"`
	TTLSeconds int      `json:"ttlSeconds"`
	Algorithm  string   `json:"algorithm"`
	// OnRedisError is "deny" (fail the message, retried as transient) or
	// "allow" (treat the message as new).
	OnRedisError string `json:"onRedisError"`
}

// deduplicate routes True for the first message carrying a fingerprint within
// the TTL and False for repeats. Fingerprints live in Redis, scoped to the node.
type deduplicate struct {
	stateless
	client redis.UniversalClient
	cfg    dedupConfig
	ttl    time.Duration
	prefix string
}

func (n *deduplicate) Init(raw json.RawMessage, ictx engine.InitContext) error {
	cfg := dedupConfig{
		Fields:       []string{dedupOriginatorField, dedupTypeField},
		Algorithm:    "sha256",
		OnRedisError: dedupOnErrorDeny,
	}
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if len(cfg.Fields) == 0 {
		return engine.ConfigError("fields", "must not be empty")
	}
	if cfg.TTLSeconds <= 0 {
		return engine.ConfigError("ttlSeconds", "must be positive")
	}
	if cfg.Algorithm != "sha256" && cfg.Algorithm != "md5" {
		return engine.ConfigError("algorithm", "must be sha256 or md5")
	}
	if cfg.OnRedisError != dedupOnErrorAllow && cfg.OnRedisError != dedupOnErrorDeny {
		return engine.ConfigError("onRedisError", "must be %q or %q", dedupOnErrorAllow, dedupOnErrorDeny)
	}
	if n.client == nil {
		return engine.ConfigError("redis", "redis is not configured")
	}

	n.cfg = cfg
	n.ttl = time.Duration(cfg.TTLSeconds) * time.Second
	n.prefix = fmt.Sprintf("dedup:%s:%s:%s:", ictx.TenantID, ictx.ChainID, ictx.NodeID)
	return nil
}

func (n *deduplicate) OnMessage(ctx engine.Context, env models.Envelope) {
	fingerprint, err := n.fingerprint(env)
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}
	key := n.prefix + fingerprint

	ctx.ExternalCall("redis", func(callCtx context.Context) (interface{}, error) {
		prev, err := n.client.SetArgs(callCtx, key, env.ID(), redis.SetArgs{Mode: "NX", TTL: n.ttl, Get: true}).Result()
		first, err := claimed(prev, err, env.ID())
		if err != nil {
			return nil, fmt.Errorf("redis set nx failed: %w", err)
		}
		return first, nil
	}, func(result interface{}, err error) {
		if err != nil {
			if n.cfg.OnRedisError == dedupOnErrorAllow {
				ctx.Logger().Warnw("Deduplication store unavailable, passing message", "error", err)
				ctx.Route(env, models.RelationTrue)
				return
			}
			ctx.Fail(env, err)
			return
		}
		if first, _ := result.(bool); first {
			ctx.Route(env, models.RelationTrue)
			return
		}
		ctx.Route(env, models.RelationFalse)
	})
}

// claimed reports whether envelopeID owns the fingerprint key, given the reply of
// SET NX GET. A retried envelope finds its own id and is still first-seen.
func claimed(prev string, err error, envelopeID string) (bool, error) {
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return prev == envelopeID, nil
}

// fingerprint hashes the configured fields in order. Missing fields hash as empty.
func (n *deduplicate) fingerprint(env models.Envelope) (string, error) {
	var data map[string]interface{}
	for _, f := range n.cfg.Fields {
		if !strings.HasPrefix(f, "@") {
			decoded, err := env.Data()
			if err != nil {
				return "", fmt.Errorf("payload is not a JSON object: %w", err)
			}
			data = decoded
			break
		}
	}

	var h hash.Hash
	if n.cfg.Algorithm == "md5" {
		h = md5.New()
	} else {
		h = sha256.New()
	}
	for _, f := range n.cfg.Fields {
		var value string
		switch f {
		case dedupOriginatorField:
			value = env.Originator().ID.String()
		case dedupTypeField:
			value = env.Type()
		default:
			if v, ok := lookup(data, f); ok {
				value = metadataValue(v)
			}
		}
		h.Write([]byte(value))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
