package models

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func successFailure(def NodeDefinition) ([]string, error) {
	if def.Type == "unknown" {
		return nil, fmt.Errorf("unknown node type %q", def.Type)
	}
	if len(def.Relations) > 0 {
		return def.Relations, nil
	}
	return []string{RelationSuccess, RelationFailure}, nil
}

func validGraph() *ChainGraph {
	return &ChainGraph{
		ChainID:     uuid.New(),
		TenantID:    uuid.New(),
		EntryNodeID: "filter",
		Nodes: []NodeDefinition{
			{ID: "filter", Type: "filter.threshold"},
			{ID: "save", Type: "action.save_telemetry"},
		},
		Connections: []Connection{
			{From: "filter", Relation: RelationSuccess, To: "save"},
			{From: "save", Relation: RelationFailure, To: "filter"},
		},
	}
}

func TestChainGraph_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *ChainGraph)
		field  string
	}{
		{name: "valid cyclic graph", mutate: func(g *ChainGraph) {}},
		{name: "missing entry node", mutate: func(g *ChainGraph) { g.EntryNodeID = "nope" }, field: "entryNodeId"},
		{name: "duplicate node", mutate: func(g *ChainGraph) { g.Nodes = append(g.Nodes, NodeDefinition{ID: "save", Type: "x"}) }, field: "nodes[2].id"},
		{name: "undeclared relation", mutate: func(g *ChainGraph) { g.Connections[0].Relation = "Hot" }, field: "connections[0].relation"},
		{name: "dangling edge", mutate: func(g *ChainGraph) { g.Connections[1].To = "ghost" }, field: "connections[1].to"},
		{name: "duplicate connection", mutate: func(g *ChainGraph) { g.Connections = append(g.Connections, g.Connections[0]) }, field: "connections[2]"},
		{
			name: "same relation to different targets",
			mutate: func(g *ChainGraph) {
				c := g.Connections[0]
				c.To = g.Nodes[0].ID
				g.Connections = append(g.Connections, c)
			},
		},
		{name: "unknown type", mutate: func(g *ChainGraph) { g.Nodes[1].Type = "unknown" }, field: "nodes[1].type"},
		{
			name: "custom relations",
			mutate: func(g *ChainGraph) {
				g.Nodes[0].Relations = []string{"Hot", "Cold"}
				g.Connections[0].Relation = "Hot"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGraph()
			tt.mutate(g)
			err := g.Validate(successFailure)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *ValidationError
			if assert.ErrorAs(t, err, &vErr) {
				assert.Equal(t, tt.field, vErr.Field)
			}
		})
	}
}
