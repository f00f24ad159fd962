package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleengine/pkg/jsoncodec"
)

type EntityType string

const (
	EntityTypeDevice    EntityType = "DEVICE"
	EntityTypeAsset     EntityType = "ASSET"
	EntityTypeCustomer  EntityType = "CUSTOMER"
	EntityTypeTenant    EntityType = "TENANT"
	EntityTypeRuleChain EntityType = "RULE_CHAIN"
)

type EntityID struct {
	Type EntityType `json:"entityType" yaml:"entityType"`
	ID   uuid.UUID  `json:"id" yaml:"id"`
}

func NewEntityID(entityType EntityType, id uuid.UUID) EntityID {
	return EntityID{Type: entityType, ID: id}
}

func (e EntityID) IsZero() bool {
	return e.ID == uuid.Nil
}

func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// QueueKey decides the partition of an envelope. It is carried unchanged by every
// envelope derived from the same inbound message.
type QueueKey struct {
	TenantID     uuid.UUID
	OriginatorID uuid.UUID
}

// Bytes returns tenant id followed by originator id, 32 bytes.
func (k QueueKey) Bytes() []byte {
	out := make([]byte, 0, 32)
	out = append(out, k.TenantID[:]...)
	out = append(out, k.OriginatorID[:]...)
	return out
}

func (k QueueKey) String() string {
	return k.TenantID.String() + "/" + k.OriginatorID.String()
}

func QueueKeyFromBytes(b []byte) (QueueKey, error) {
	if len(b) != 32 {
		return QueueKey{}, fmt.Errorf("queue key must be 32 bytes, got %d", len(b))
	}
	var k QueueKey
	copy(k.TenantID[:], b[:16])
	copy(k.OriginatorID[:], b[16:])
	return k, nil
}

// Envelope is the immutable unit of work flowing through rule chains. The With*
// methods return a copy that keeps id, originator and queue key.
type Envelope struct {
	id         string
	msgType    string
	originator EntityID
	metadata   Metadata
	payload    []byte
	queueKey   QueueKey
	chainID    uuid.UUID
	createdAt  time.Time
}

func (e Envelope) ID() string { return e.id }
func (e Envelope) Type() string { return e.msgType }
func (e Envelope) Originator() EntityID { return e.originator }
func (e Envelope) Metadata() Metadata { return e.metadata }
func (e Envelope) QueueKey() QueueKey { return e.queueKey }
func (e Envelope) TenantID() uuid.UUID { return e.queueKey.TenantID }
func (e Envelope) ChainID() uuid.UUID { return e.chainID }
func (e Envelope) CreatedAt() time.Time { return e.createdAt }
func (e Envelope) IsZero() bool { return e.id == "" }
func (e Envelope) Equal(o Envelope) bool { return e.id == o.id }
func (e Envelope) PayloadString() string { return string(e.payload) }
func (e Envelope) PayloadSize() int { return len(e.payload) }

// Payload returns a copy of the opaque body.
func (e Envelope) Payload() []byte {
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out
}

// Data decodes a JSON object payload. An empty payload decodes to an empty map.
func (e Envelope) Data() (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if len(e.payload) == 0 {
		return data, nil
	}
	if err := jsoncodec.Unmarshal(e.payload, &data); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return data, nil
}

func (e Envelope) WithMetadata(metadata Metadata) Envelope {
	e.metadata = metadata
	return e
}

func (e Envelope) WithMetadataValue(key, value string) Envelope {
	e.metadata = e.metadata.With(key, value)
	return e
}

func (e Envelope) WithPayload(payload []byte) Envelope {
	e.payload = make([]byte, len(payload))
	copy(e.payload, payload)
	return e
}

func (e Envelope) WithData(data map[string]interface{}) (Envelope, error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	e.payload = raw
	return e, nil
}

func (e Envelope) WithType(msgType string) Envelope {
	e.msgType = msgType
	return e
}

func (e Envelope) WithChainID(chainID uuid.UUID) Envelope {
	e.chainID = chainID
	return e
}
