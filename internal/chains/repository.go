// Package chains stores rule chain graphs and carries chain change and lifecycle
// events between the administration side and running engines.
package chains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

// Repository persists chain graphs per tenant. At most one chain per tenant is
// the root chain; saving a root chain demotes the previous one.
type Repository interface {
	LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (*models.ChainGraph, error)
	RootChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainGraph, error)
	ListChains(ctx context.Context, tenantID uuid.UUID) ([]*models.ChainGraph, error)
	// SaveChain creates or replaces a chain and bumps its version.
	SaveChain(ctx context.Context, graph *models.ChainGraph) error
	DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) error
}

func chainNotFound(tenantID, chainID uuid.UUID) error {
	return apperrors.ErrNotFound.
		WithMessage(fmt.Sprintf("rule chain %s not found", chainID)).
		WithDetail("tenant_id", tenantID.String()).
		WithDetail("chain_id", chainID.String())
}

func rootNotFound(tenantID uuid.UUID) error {
	return apperrors.ErrNotFound.
		WithMessage(fmt.Sprintf("tenant %s has no root rule chain", tenantID)).
		WithDetail("tenant_id", tenantID.String())
}

func checkIdentity(graph *models.ChainGraph) error {
	if graph == nil {
		return apperrors.ErrValidation.WithMessage("chain graph cannot be nil")
	}
	if graph.ChainID == uuid.Nil {
		return apperrors.ErrValidation.WithMessage("chain ID is required")
	}
	if graph.TenantID == uuid.Nil {
		return apperrors.ErrValidation.WithMessage("tenant ID is required")
	}
	return nil
}

func invalidDefinition(chainID uuid.UUID, err error) error {
	return apperrors.ErrConfiguration.
		WithMessage(fmt.Sprintf("rule chain %s has an unreadable definition", chainID)).
		WithCause(err)
}

// cloneGraph copies everything a caller could mutate.
func cloneGraph(g *models.ChainGraph) *models.ChainGraph {
	out := *g
	out.Nodes = make([]models.NodeDefinition, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Configuration != nil {
			n.Configuration = append(json.RawMessage(nil), n.Configuration...)
		}
		if n.Relations != nil {
			n.Relations = append([]string(nil), n.Relations...)
		}
		out.Nodes[i] = n
	}
	out.Connections = append([]models.Connection(nil), g.Connections...)
	return &out
}
