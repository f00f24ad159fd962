package chains

import (
	"context"
	"database/sql"
	"errors"
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

// PostgresRepository keeps each chain as one rule_chains row. The definition
// column holds the nodes and connections; id, tenant, name, root flag and
// version live in their own columns and win over the JSON copy.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (graph *models.ChainGraph, err error) {
	defer observe("postgres", "load_chain", time.Now(), &err)

	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, root, version, definition
		FROM rule_chains
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, chainID)

	graph, err = scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chainNotFound(tenantID, chainID)
	}
	return graph, err
}

func (r *PostgresRepository) RootChain(ctx context.Context, tenantID uuid.UUID) (graph *models.ChainGraph, err error) {
	defer observe("postgres", "root_chain", time.Now(), &err)

	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, root, version, definition
		FROM rule_chains
		WHERE tenant_id = $1 AND root
	`, tenantID)

	graph, err = scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rootNotFound(tenantID)
	}
	return graph, err
}

func (r *PostgresRepository) ListChains(ctx context.Context, tenantID uuid.UUID) (out []*models.ChainGraph, err error) {
	defer observe("postgres", "list_chains", time.Now(), &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, root, version, definition
		FROM rule_chains
		WHERE tenant_id = $1
		ORDER BY name, id
	`, tenantID)
	if err != nil {
		return nil, storageError("list rule chains", err)
	}
	defer rows.Close()

	for rows.Next() {
		graph, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, graph)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list rule chains", err)
	}
	return out, nil
}

func (r *PostgresRepository) SaveChain(ctx context.Context, graph *models.ChainGraph) (err error) {
	defer observe("postgres", "save_chain", time.Now(), &err)

	if err := checkIdentity(graph); err != nil {
		return err
	}
	definition, err := jsoncodec.Marshal(graph)
	if err != nil {
		return apperrors.ErrValidation.WithMessage("chain definition is not encodable").WithCause(err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("save rule chain", err)
	}
	defer tx.Rollback()

	if graph.Root {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rule_chains SET root = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND root AND id <> $2
		`, graph.TenantID, graph.ChainID); err != nil {
			return storageError("save rule chain", err)
		}
	}

	var version int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rule_chains (id, tenant_id, name, root, version, definition)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			root = EXCLUDED.root,
			definition = EXCLUDED.definition,
			version = rule_chains.version + 1,
			updated_at = NOW()
		WHERE rule_chains.tenant_id = EXCLUDED.tenant_id
		RETURNING version
	`, graph.ChainID, graph.TenantID, graph.Name, graph.Root, definition).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("rule chain %s belongs to another tenant", graph.ChainID))
	}
	if err != nil {
		return storageError("save rule chain", err)
	}

	if err := tx.Commit(); err != nil {
		return storageError("save rule chain", err)
	}
	graph.Version = version
	return nil
}

func (r *PostgresRepository) DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) (err error) {
	defer observe("postgres", "delete_chain", time.Now(), &err)

	result, err := r.db.ExecContext(ctx, `DELETE FROM rule_chains WHERE tenant_id = $1 AND id = $2`, tenantID, chainID)
	if err != nil {
		return storageError("delete rule chain", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageError("delete rule chain", err)
	}
	if affected == 0 {
		return chainNotFound(tenantID, chainID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChain(row rowScanner) (*models.ChainGraph, error) {
	var (
		id, tenantID uuid.UUID
		name         string
		root         bool
		version      int64
		definition   []byte
	)
	if err := row.Scan(&id, &tenantID, &name, &root, &version, &definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError("read rule chain", err)
	}

	var graph models.ChainGraph
	if err := jsoncodec.Unmarshal(definition, &graph); err != nil {
		return nil, invalidDefinition(id, err)
	}
	graph.ChainID = id
	graph.TenantID = tenantID
	graph.Name = name
	graph.Root = root
	graph.Version = version
	return &graph, nil
}

func storageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout.WithMessage(op + " timed out").WithCause(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperrors.ErrValidation.WithMessage(op + ": only one root chain per tenant").WithCause(err)
	}
	return apperrors.ErrTransient.WithMessage(op + " failed").WithCause(err)
}

func observe(database, op string, start time.Time, err *error) {
	status := "success"
	if *err != nil && !apperrors.IsNotFound(*err) {
		status = "error"
	}
	metrics.ObserveDatabaseQuery(constants.ServiceName, database, op, status, time.Since(start))
}
