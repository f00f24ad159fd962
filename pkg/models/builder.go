package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleengine/pkg/ids"
	"ruleengine/pkg/jsoncodec"
)

type EnvelopeBuilder struct {
	envelope Envelope
	err      error
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{}
}

func (b *EnvelopeBuilder) WithType(msgType string) *EnvelopeBuilder {
	b.envelope.msgType = msgType
	return b
}

func (b *EnvelopeBuilder) WithTenantID(tenantID uuid.UUID) *EnvelopeBuilder {
	b.envelope.queueKey.TenantID = tenantID
	return b
}

func (b *EnvelopeBuilder) WithOriginator(originator EntityID) *EnvelopeBuilder {
	b.envelope.originator = originator
	b.envelope.queueKey.OriginatorID = originator.ID
	return b
}

func (b *EnvelopeBuilder) WithMetadata(metadata Metadata) *EnvelopeBuilder {
	b.envelope.metadata = metadata
	return b
}

func (b *EnvelopeBuilder) WithPayload(payload []byte) *EnvelopeBuilder {
	b.envelope.payload = make([]byte, len(payload))
	copy(b.envelope.payload, payload)
	return b
}

func (b *EnvelopeBuilder) WithData(data map[string]interface{}) *EnvelopeBuilder {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		b.err = fmt.Errorf("failed to encode payload: %w", err)
		return b
	}
	b.envelope.payload = raw
	return b
}

// Build fills in a ULID id and creation time when missing and validates the result.
func (b *EnvelopeBuilder) Build() (Envelope, error) {
	if b.err != nil {
		return Envelope{}, b.err
	}
	if b.envelope.id == "" {
		b.envelope.id = ids.NewMessageID()
	}
	if b.envelope.createdAt.IsZero() {
		b.envelope.createdAt = time.Now().UTC()
	}
	if err := ValidateEnvelope(b.envelope); err != nil {
		return Envelope{}, err
	}
	return b.envelope, nil
}

// MustBuild is Build for tests and static fixtures.
func (b *EnvelopeBuilder) MustBuild() Envelope {
	env, err := b.Build()
	if err != nil {
		panic(err)
	}
	return env
}
