package models

import (
	"fmt"

	"github.com/google/uuid"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEnvelope(env Envelope) error {
	if env.id == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}

	if env.msgType == "" {
		return &ValidationError{Field: "type", Message: "message type is required"}
	}

	if env.queueKey.TenantID == uuid.Nil {
		return &ValidationError{Field: "tenantId", Message: "tenant ID is required"}
	}

	if env.originator.IsZero() {
		return &ValidationError{Field: "originator", Message: "originator ID is required"}
	}

	if env.originator.Type == "" {
		return &ValidationError{Field: "originator.entityType", Message: "originator entity type is required"}
	}

	if env.createdAt.IsZero() {
		return &ValidationError{Field: "ts", Message: "creation time is required"}
	}

	return nil
}
