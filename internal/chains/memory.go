package chains

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ruleengine/pkg/models"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	chains map[uuid.UUID]map[uuid.UUID]*models.ChainGraph
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{chains: make(map[uuid.UUID]map[uuid.UUID]*models.ChainGraph)}
}

func (r *MemoryRepository) LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (*models.ChainGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.chains[tenantID][chainID]
	if !ok {
		return nil, chainNotFound(tenantID, chainID)
	}
	return cloneGraph(g), nil
}

func (r *MemoryRepository) RootChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.chains[tenantID] {
		if g.Root {
			return cloneGraph(g), nil
		}
	}
	return nil, rootNotFound(tenantID)
}

func (r *MemoryRepository) ListChains(ctx context.Context, tenantID uuid.UUID) ([]*models.ChainGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ChainGraph, 0, len(r.chains[tenantID]))
	for _, g := range r.chains[tenantID] {
		out = append(out, cloneGraph(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ChainID.String() < out[j].ChainID.String()
	})
	return out, nil
}

func (r *MemoryRepository) SaveChain(ctx context.Context, graph *models.ChainGraph) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkIdentity(graph); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.chains[graph.TenantID]
	if !ok {
		tenant = make(map[uuid.UUID]*models.ChainGraph)
		r.chains[graph.TenantID] = tenant
	}

	stored := cloneGraph(graph)
	stored.Version = 1
	if prev, ok := tenant[graph.ChainID]; ok {
		stored.Version = prev.Version + 1
	}
	if stored.Root {
		for id, g := range tenant {
			if id != stored.ChainID && g.Root {
				demoted := cloneGraph(g)
				demoted.Root = false
				tenant[id] = demoted
			}
		}
	}
	tenant[graph.ChainID] = stored
	graph.Version = stored.Version
	return nil
}

func (r *MemoryRepository) DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chains[tenantID][chainID]; !ok {
		return chainNotFound(tenantID, chainID)
	}
	delete(r.chains[tenantID], chainID)
	if len(r.chains[tenantID]) == 0 {
		delete(r.chains, tenantID)
	}
	return nil
}
