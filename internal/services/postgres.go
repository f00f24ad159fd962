package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ruleengine/internal/constants"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
)

type PostgresService struct {
	db *sql.DB
}

var _ Service = (*PostgresService)(nil)

func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

func (s *PostgresService) SaveTelemetry(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, ts time.Time, values map[string]interface{}) (err error) {
	defer s.observe("save_telemetry", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("save telemetry", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ts_kv (tenant_id, entity_type, entity_id, key, ts, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, entity_type, entity_id, key, ts) DO UPDATE SET value = EXCLUDED.value
	`)
	if err != nil {
		return classify("save telemetry", err)
	}
	defer stmt.Close()

	for key, value := range values {
		encoded, err := jsoncodec.Marshal(value)
		if err != nil {
			return apperrors.ErrPermanent.WithMessage(fmt.Sprintf("telemetry %s is not encodable", key)).WithCause(err)
		}
		if _, err := stmt.ExecContext(ctx, tenantID, string(entity.Type), entity.ID, key, ts.UTC(), encoded); err != nil {
			return classify("save telemetry", err)
		}
	}

	return classify("save telemetry", tx.Commit())
}

func (s *PostgresService) SaveAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, values map[string]interface{}) (err error) {
	defer s.observe("save_attributes", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("save attributes", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attribute_kv (tenant_id, entity_type, entity_id, scope, key, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, entity_id, scope, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return classify("save attributes", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, value := range values {
		encoded, err := jsoncodec.Marshal(value)
		if err != nil {
			return apperrors.ErrPermanent.WithMessage(fmt.Sprintf("attribute %s is not encodable", key)).WithCause(err)
		}
		if _, err := stmt.ExecContext(ctx, tenantID, string(entity.Type), entity.ID, scope, key, encoded, now); err != nil {
			return classify("save attributes", err)
		}
	}

	return classify("save attributes", tx.Commit())
}

func (s *PostgresService) GetAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, keys []string) (_ map[string]interface{}, err error) {
	defer s.observe("get_attributes", time.Now(), &err)

	query := `
		SELECT key, value
		FROM attribute_kv
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND scope = $4
	`
	args := []interface{}{tenantID, string(entity.Type), entity.ID, scope}
	if len(keys) > 0 {
		query += " AND key = ANY($5)"
		args = append(args, pq.Array(keys))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("get attributes", err)
	}
	defer rows.Close()

	out := make(map[string]interface{})
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, classify("get attributes", err)
		}
		var value interface{}
		if err := jsoncodec.Unmarshal(raw, &value); err != nil {
			value = string(raw)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get attributes", err)
	}

	return out, nil
}

func (s *PostgresService) GetEntity(ctx context.Context, tenantID uuid.UUID, entity models.EntityID) (_ *Entity, err error) {
	defer s.observe("get_entity", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, `
		SELECT name, type, label, customer_id, additional_info
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3
	`, tenantID, string(entity.Type), entity.ID)

	var (
		e        = Entity{ID: entity, TenantID: tenantID}
		label    sql.NullString
		customer uuid.NullUUID
		info     []byte
	)
	if err := row.Scan(&e.Name, &e.Type, &label, &customer, &info); err != nil {
		return nil, classify(fmt.Sprintf("get entity %s", entity), err)
	}
	e.Label = label.String
	if customer.Valid {
		e.CustomerID = customer.UUID
	}
	if len(info) > 0 {
		if err := jsoncodec.Unmarshal(info, &e.AdditionalInfo); err != nil {
			return nil, apperrors.ErrPermanent.WithMessage("entity additional_info is not valid JSON").WithCause(err)
		}
	}

	return &e, nil
}

func (s *PostgresService) observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.ObserveDatabaseQuery(constants.ServiceName, "postgres", operation, status, time.Since(start))
}
