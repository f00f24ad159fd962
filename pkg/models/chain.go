package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	RelationSuccess = "Success"
	RelationFailure = "Failure"
	RelationTrue    = "True"
	RelationFalse   = "False"
)

type ChainGraph struct {
	ChainID     uuid.UUID        `json:"id"`
	TenantID    uuid.UUID        `json:"tenantId"`
	Name        string           `json:"name"`
	Root        bool             `json:"root"`
	Version     int64            `json:"version"`
	EntryNodeID string           `json:"entryNodeId"`
	Nodes       []NodeDefinition `json:"nodes"`
	Connections []Connection     `json:"connections"`
}

type NodeDefinition struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Name          string          `json:"name,omitempty"`
	ConfigVersion int             `json:"configVersion,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	// Relations overrides the relations declared by the node type, for nodes
	// whose labels depend on configuration.
	Relations []string `json:"relations,omitempty"`
}

type Connection struct {
	From     string `json:"from"`
	Relation string `json:"relation"`
	To       string `json:"to"`
}

// RelationResolver returns the output relations a node definition may emit.
type RelationResolver func(def NodeDefinition) ([]string, error)

func (g *ChainGraph) Node(id string) (NodeDefinition, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// Validate checks the structure of the graph. Cycles are allowed.
func (g *ChainGraph) Validate(resolve RelationResolver) error {
	if g == nil {
		return &ValidationError{Field: "chain", Message: "chain graph cannot be nil"}
	}
	if g.ChainID == uuid.Nil {
		return &ValidationError{Field: "id", Message: "chain ID is required"}
	}
	if g.TenantID == uuid.Nil {
		return &ValidationError{Field: "tenantId", Message: "tenant ID is required"}
	}
	if len(g.Nodes) == 0 {
		return &ValidationError{Field: "nodes", Message: "chain must contain at least one node"}
	}

	relations := make(map[string]map[string]struct{}, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("nodes[%d].id", i), Message: "node ID is required"}
		}
		if n.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("nodes[%d].type", i), Message: "node type is required"}
		}
		if _, dup := relations[n.ID]; dup {
			return &ValidationError{Field: fmt.Sprintf("nodes[%d].id", i), Message: fmt.Sprintf("duplicate node ID %q", n.ID)}
		}

		declared := n.Relations
		if resolve != nil {
			resolved, err := resolve(n)
			if err != nil {
				return &ValidationError{Field: fmt.Sprintf("nodes[%d].type", i), Message: err.Error()}
			}
			declared = resolved
		}
		set := make(map[string]struct{}, len(declared))
		for _, r := range declared {
			set[r] = struct{}{}
		}
		relations[n.ID] = set
	}

	if _, ok := relations[g.EntryNodeID]; !ok {
		return &ValidationError{Field: "entryNodeId", Message: fmt.Sprintf("entry node %q not found", g.EntryNodeID)}
	}

	seen := make(map[Connection]int, len(g.Connections))
	for i, c := range g.Connections {
		field := fmt.Sprintf("connections[%d]", i)
		declared, ok := relations[c.From]
		if !ok {
			return &ValidationError{Field: field + ".from", Message: fmt.Sprintf("unknown node %q", c.From)}
		}
		if _, ok := relations[c.To]; !ok {
			return &ValidationError{Field: field + ".to", Message: fmt.Sprintf("unknown node %q", c.To)}
		}
		if c.Relation == "" {
			return &ValidationError{Field: field + ".relation", Message: "relation label is required"}
		}
		if _, ok := declared[c.Relation]; !ok {
			return &ValidationError{
				Field:   field + ".relation",
				Message: fmt.Sprintf("node %q does not declare relation %q", c.From, c.Relation),
			}
		}
		if first, dup := seen[c]; dup {
			return &ValidationError{Field: field, Message: fmt.Sprintf("duplicate of connections[%d]", first)}
		}
		seen[c] = i
	}

	return nil
}
