package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleengine/pkg/jsoncodec"
)

type wireEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Originator EntityID        `json:"originator"`
	TenantID   uuid.UUID       `json:"tenantId"`
	ChainID    *uuid.UUID      `json:"chainId,omitempty"`
	Metadata   []MetadataEntry `json:"metadata,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Payload    []byte          `json:"payload,omitempty"`
	Timestamp  int64           `json:"ts"`
}

// EncodeEnvelope serializes an envelope for the ingestion queue. JSON payloads are
// embedded as-is under "data", anything else is base64 under "payload".
func EncodeEnvelope(env Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:         env.id,
		Type:       env.msgType,
		Originator: env.originator,
		TenantID:   env.queueKey.TenantID,
		Metadata:   env.metadata.Entries(),
		Timestamp:  env.createdAt.UnixMilli(),
	}
	if env.chainID != uuid.Nil {
		chainID := env.chainID
		w.ChainID = &chainID
	}
	if len(env.payload) > 0 {
		if json.Valid(env.payload) {
			w.Data = env.payload
		} else {
			w.Payload = env.payload
		}
	}
	return jsoncodec.Marshal(w)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	env := Envelope{
		id:         w.ID,
		msgType:    w.Type,
		originator: w.Originator,
		metadata:   MetadataFromEntries(w.Metadata),
		queueKey:   QueueKey{TenantID: w.TenantID, OriginatorID: w.Originator.ID},
		createdAt:  time.UnixMilli(w.Timestamp).UTC(),
	}
	if w.ChainID != nil {
		env.chainID = *w.ChainID
	}
	switch {
	case len(w.Data) > 0:
		env.payload = []byte(w.Data)
	case len(w.Payload) > 0:
		env.payload = w.Payload
	}
	if w.Timestamp == 0 {
		env.createdAt = time.Time{}
	}

	if err := ValidateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
