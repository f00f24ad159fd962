//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/logger"
	"ruleengine/internal/testinfra"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

func TestPostgresService_Integration(t *testing.T) {
	db := testinfra.Postgres(t)
	svc := NewPostgresService(db)
	ctx := context.Background()
	tenantID := uuid.New()
	device := models.NewEntityID(models.EntityTypeDevice, uuid.New())

	t.Run("telemetry upsert", func(t *testing.T) {
		ts := time.Now().Truncate(time.Millisecond)
		require.NoError(t, svc.SaveTelemetry(ctx, tenantID, device, ts, map[string]interface{}{"temperature": 30.5}))
		require.NoError(t, svc.SaveTelemetry(ctx, tenantID, device, ts, map[string]interface{}{"temperature": 31.0}))

		var count int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ts_kv WHERE entity_id = $1`, device.ID).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("attributes", func(t *testing.T) {
		require.NoError(t, svc.SaveAttributes(ctx, tenantID, device, "SERVER_SCOPE", map[string]interface{}{
			"threshold": 25.0,
			"mode":      "eco",
		}))

		got, err := svc.GetAttributes(ctx, tenantID, device, "SERVER_SCOPE", []string{"threshold"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"threshold": 25.0}, got)

		all, err := svc.GetAttributes(ctx, tenantID, device, "SERVER_SCOPE", nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("entity", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO entities (tenant_id, entity_type, id, name, type, additional_info)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tenantID, string(device.Type), device.ID, "Thermostat A", "thermostat", `{"floor": 3}`)
		require.NoError(t, err)

		e, err := svc.GetEntity(ctx, tenantID, device)
		require.NoError(t, err)
		assert.Equal(t, "Thermostat A", e.Name)
		assert.Equal(t, float64(3), e.AdditionalInfo["floor"])

		_, err = svc.GetEntity(ctx, tenantID, models.NewEntityID(models.EntityTypeDevice, uuid.New()))
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestCachedService_Integration(t *testing.T) {
	client := testinfra.Redis(t)
	inner := NewMemoryService()
	svc := NewCachedService(inner, client, time.Minute, logger.NopLogger())
	ctx := context.Background()
	tenantID := uuid.New()
	device := models.NewEntityID(models.EntityTypeDevice, uuid.New())

	require.NoError(t, svc.SaveAttributes(ctx, tenantID, device, "SHARED_SCOPE", map[string]interface{}{"threshold": 25.0}))

	got, err := svc.GetAttributes(ctx, tenantID, device, "SHARED_SCOPE", []string{"threshold"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, got["threshold"])

	cached, err := client.HGet(ctx, attributeCacheKey(tenantID, device, "SHARED_SCOPE"), "threshold").Result()
	require.NoError(t, err)
	assert.Equal(t, "25", cached)

	// A write through the inner store alone is not visible until the cache is invalidated.
	require.NoError(t, inner.SaveAttributes(ctx, tenantID, device, "SHARED_SCOPE", map[string]interface{}{"threshold": 30.0}))
	got, err = svc.GetAttributes(ctx, tenantID, device, "SHARED_SCOPE", []string{"threshold"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, got["threshold"])

	require.NoError(t, svc.SaveAttributes(ctx, tenantID, device, "SHARED_SCOPE", map[string]interface{}{"threshold": 35.0}))
	got, err = svc.GetAttributes(ctx, tenantID, device, "SHARED_SCOPE", []string{"threshold"})
	require.NoError(t, err)
	assert.Equal(t, 35.0, got["threshold"])
}
