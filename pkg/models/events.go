package models

import (
	"time"

	"github.com/google/uuid"
)

// ChainUpdateEvent is published by the chain administration side whenever a chain
// or a tenant changes.
type ChainUpdateEvent struct {
	EventType string    `json:"event_type"` // "chain_updated", "tenant_deleted"
	TenantID  uuid.UUID `json:"tenant_id"`
	ChainID   uuid.UUID `json:"chain_id,omitempty"`
	Action    string    `json:"action"` // "create", "update", "delete"
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

const (
	EventTypeChainUpdated  = "chain_updated"
	EventTypeTenantDeleted = "tenant_deleted"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ChainLifecycleEvent reports chain actor state changes to operators.
type ChainLifecycleEvent struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	ChainID   uuid.UUID `json:"chain_id"`
	Event     string    `json:"event"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	LifecycleStarted = "STARTED"
	LifecycleStopped = "STOPPED"
	LifecycleFailed  = "FAILED"
)
