package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/config"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		transient bool
	}{
		{name: "no rows", err: sql.ErrNoRows, code: apperrors.ErrNotFound.Code},
		{name: "deadline", err: context.DeadlineExceeded, code: apperrors.ErrTimeout.Code, transient: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, code: apperrors.ErrPermanent.Code},
		{name: "bad data", err: &pq.Error{Code: "22P02"}, code: apperrors.ErrPermanent.Code},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, code: apperrors.ErrTransient.Code, transient: true},
		{name: "plain error", err: errors.New("connection reset"), code: apperrors.ErrTransient.Code, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
		})
	}

	assert.NoError(t, classify("op", nil))
}

func TestEntity_Field(t *testing.T) {
	customer := uuid.New()
	e := &Entity{
		ID:             models.NewEntityID(models.EntityTypeDevice, uuid.New()),
		CustomerID:     customer,
		Name:           "Thermostat A",
		Type:           "thermostat",
		AdditionalInfo: map[string]interface{}{"floor": 3},
	}

	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{field: "name", want: "Thermostat A", ok: true},
		{field: "type", want: "thermostat", ok: true},
		{field: "label", want: "", ok: false},
		{field: "entityType", want: "DEVICE", ok: true},
		{field: "customerId", want: customer.String(), ok: true},
		{field: "floor", want: "3", ok: true},
		{field: "missing", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := e.Field(tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryService_Attributes(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	tenantID := uuid.New()
	device := models.NewEntityID(models.EntityTypeDevice, uuid.New())

	require.NoError(t, svc.SaveAttributes(ctx, tenantID, device, "SERVER_SCOPE", map[string]interface{}{
		"threshold": 25.0,
		"location":  "lab",
	}))

	got, err := svc.GetAttributes(ctx, tenantID, device, "SERVER_SCOPE", []string{"threshold", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"threshold": 25.0}, got)

	all, err := svc.GetAttributes(ctx, tenantID, device, "SERVER_SCOPE", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := svc.GetAttributes(ctx, uuid.New(), device, "SERVER_SCOPE", nil)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryService_EntityNotFound(t *testing.T) {
	svc := NewMemoryService()

	_, err := svc.GetEntity(context.Background(), uuid.New(), models.NewEntityID(models.EntityTypeAsset, uuid.New()))

	assert.True(t, apperrors.IsNotFound(err))
	assert.False(t, apperrors.IsTransient(err))
}

func TestMemoryService_CancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryService().SaveTelemetry(ctx, uuid.New(), models.EntityID{}, time.Now(), map[string]interface{}{"t": 1})

	assert.True(t, apperrors.IsTransient(err))
}

type failingService struct {
	*MemoryService
	err   error
	calls int
}

func (s *failingService) GetEntity(ctx context.Context, tenantID uuid.UUID, entity models.EntityID) (*Entity, error) {
	s.calls++
	return nil, s.err
}

func TestBreakerService_OpensOnTransientFailures(t *testing.T) {
	inner := &failingService{MemoryService: NewMemoryService(), err: apperrors.ErrTransient.WithMessage("db down")}
	svc := WrapWithCircuitBreaker(inner, "test-open", config.ServiceCircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  3,
	})
	entity := models.NewEntityID(models.EntityTypeDevice, uuid.New())

	for i := 0; i < 3; i++ {
		_, err := svc.GetEntity(context.Background(), uuid.New(), entity)
		require.Error(t, err)
	}
	_, err := svc.GetEntity(context.Background(), uuid.New(), entity)

	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "open", svc.(*BreakerService).States()["test-open.entities"])
}

func TestBreakerService_NotFoundDoesNotTrip(t *testing.T) {
	inner := &failingService{MemoryService: NewMemoryService(), err: apperrors.ErrNotFound}
	svc := WrapWithCircuitBreaker(inner, "test-notfound", config.ServiceCircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 5; i++ {
		_, err := svc.GetEntity(context.Background(), uuid.New(), models.EntityID{})
		assert.True(t, apperrors.IsNotFound(err))
	}
	assert.Equal(t, 5, inner.calls)
}

func TestWrapWithCircuitBreaker_Disabled(t *testing.T) {
	inner := NewMemoryService()
	assert.Same(t, inner, WrapWithCircuitBreaker(inner, "off", config.ServiceCircuitBreakerConfig{}))
}
