// Package services is the facade rule nodes use to reach platform data:
// time series, entity attributes and entity records.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

type Entity struct {
	ID             models.EntityID        `json:"id"`
	TenantID       uuid.UUID              `json:"tenantId"`
	CustomerID     uuid.UUID              `json:"customerId,omitempty"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Label          string                 `json:"label,omitempty"`
	AdditionalInfo map[string]interface{} `json:"additionalInfo,omitempty"`
}

// Field returns a named entity field as text, for metadata enrichment.
func (e *Entity) Field(name string) (string, bool) {
	switch name {
	case "name":
		return e.Name, true
	case "type":
		return e.Type, true
	case "label":
		return e.Label, e.Label != ""
	case "id":
		return e.ID.ID.String(), true
	case "entityType":
		return string(e.ID.Type), true
	case "customerId":
		if e.CustomerID == uuid.Nil {
			return "", false
		}
		return e.CustomerID.String(), true
	}
	if v, ok := e.AdditionalInfo[name]; ok {
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, ts time.Time, values map[string]interface{}) error
}

type AttributeStore interface {
	SaveAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, values map[string]interface{}) error
	// GetAttributes returns the requested keys that exist; no keys returns the whole scope.
	GetAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, keys []string) (map[string]interface{}, error)
}

type EntityStore interface {
	GetEntity(ctx context.Context, tenantID uuid.UUID, entity models.EntityID) (*Entity, error)
}

type Service interface {
	TelemetryStore
	AttributeStore
	EntityStore
}

// classify maps storage errors onto the rule engine taxonomy: missing rows are
// NOT_FOUND, rejected data is PERMANENT_ERROR and everything else is retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrNotFound.WithMessage(op + ": not found")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout.WithMessage(op + " timed out").WithCause(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return apperrors.ErrPermanent.WithMessage(op + " rejected").WithCause(err)
		}
	}
	return apperrors.ErrTransient.WithMessage(op + " failed").WithCause(err)
}
