package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

// Node is one processing step of a rule chain.
//
// Init validates the configuration and prepares the node; it may be called again
// on a fresh instance with the same configuration and must behave identically.
// OnMessage must end, synchronously or from an async completion callback, with
// one or more Context.Route calls or a single Context.Fail. Destroy releases held
// resources and is called at most once by the chain actor.
type Node interface {
	Init(cfg json.RawMessage, ictx InitContext) error
	OnMessage(ctx Context, env models.Envelope)
	Destroy()
}

// InitContext describes where a node instance lives.
type InitContext struct {
	TenantID uuid.UUID
	ChainID  uuid.UUID
	NodeID   string
	Logger   logger.Logger
}

// Descriptor registers a node kind. Relations are the labels the kind may emit;
// a node definition may narrow or replace them for branching kinds.
type Descriptor struct {
	Type          string
	Relations     []string
	ConfigVersion int
	// DynamicRelations marks kinds whose labels come from the node definition.
	DynamicRelations bool
	New              func() Node
}

// DecodeConfig decodes raw into out, rejecting unknown fields. An empty config
// leaves out untouched.
func DecodeConfig(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if err := jsoncodec.UnmarshalStrict(trimmed, out); err != nil {
		return apperrors.ErrConfiguration.WithCause(err)
	}
	return nil
}

// ConfigError builds a CONFIGURATION_ERROR for a single field.
func ConfigError(field, format string, args ...interface{}) error {
	return apperrors.ErrConfiguration.
		WithMessage(fmt.Sprintf("%s: %s", field, fmt.Sprintf(format, args...))).
		WithDetail("field", field)
}
