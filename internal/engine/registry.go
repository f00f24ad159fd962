package engine

import (
	"fmt"
	"sort"
	"sync"

	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

// Registry maps node type tags to descriptors. It is filled at start-up and read
// by every chain load.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("node descriptor type is required")
	}
	if d.New == nil {
		return fmt.Errorf("node descriptor %s has no constructor", d.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.Type]; exists {
		return fmt.Errorf("node type %s already registered", d.Type)
	}
	r.descriptors[d.Type] = d
	return nil
}

func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(nodeType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[nodeType]
	return d, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Relations resolves the output labels of a node definition. It is the resolver
// passed to ChainGraph.Validate.
func (r *Registry) Relations(def models.NodeDefinition) ([]string, error) {
	d, ok := r.Lookup(def.Type)
	if !ok {
		return nil, apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("unknown node type %q", def.Type)).
			WithDetail("node_id", def.ID)
	}
	if def.ConfigVersion > d.ConfigVersion {
		return nil, apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("node %s: config version %d is newer than supported version %d", def.ID, def.ConfigVersion, d.ConfigVersion)).
			WithDetail("node_id", def.ID)
	}

	if len(def.Relations) > 0 {
		if !d.DynamicRelations {
			for _, rel := range def.Relations {
				if !contains(d.Relations, rel) {
					return nil, apperrors.ErrConfiguration.
						WithMessage(fmt.Sprintf("node %s: relation %q is not emitted by %s", def.ID, rel, def.Type)).
						WithDetail("node_id", def.ID)
				}
			}
		}
		return def.Relations, nil
	}
	if d.DynamicRelations && len(d.Relations) == 0 {
		return nil, apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("node %s: %s requires declared relations", def.ID, def.Type)).
			WithDetail("node_id", def.ID)
	}
	return d.Relations, nil
}

// Validate checks a chain graph's structure against the registered node kinds.
func (r *Registry) Validate(graph *models.ChainGraph) error {
	if err := graph.Validate(r.Relations); err != nil {
		return apperrors.ErrConfiguration.WithCause(err).WithDetail("chain_id", graph.ChainID.String())
	}
	return nil
}

// Check validates graph and initialises every node on a throwaway instance, so
// configuration errors surface without starting the chain.
func (r *Registry) Check(graph *models.ChainGraph) error {
	if err := r.Validate(graph); err != nil {
		return err
	}
	for _, def := range graph.Nodes {
		node, _, err := r.instantiate(def, InitContext{
			TenantID: graph.TenantID,
			ChainID:  graph.ChainID,
			NodeID:   def.ID,
			Logger:   logger.NopLogger(),
		})
		if err != nil {
			return err
		}
		node.Destroy()
	}
	return nil
}

// instantiate creates and initialises the node of def. A panicking Init is a
// configuration error.
func (r *Registry) instantiate(def models.NodeDefinition, ictx InitContext) (node Node, relations []string, err error) {
	d, ok := r.Lookup(def.Type)
	if !ok {
		return nil, nil, apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("unknown node type %q", def.Type)).
			WithDetail("node_id", def.ID)
	}
	relations, err = r.Relations(def)
	if err != nil {
		return nil, nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			node, relations = nil, nil
			err = apperrors.ErrConfiguration.WithCause(apperrors.RecoverPanic(rec)).WithDetail("node_id", def.ID)
		}
	}()

	node = d.New()
	if err := node.Init(def.Configuration, ictx); err != nil {
		return nil, nil, apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("node %s (%s) failed to initialise", def.ID, def.Type)).
			WithDetail("node_id", def.ID).
			WithCause(err)
	}
	return node, relations, nil
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
