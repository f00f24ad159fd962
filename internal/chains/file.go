package chains

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

// chainFile is the YAML layout of one chain definition:
//
//	id: 6f1c...
//	tenantId: 0b7e...
//	name: Thermostat
//	root: true
//	entryNodeId: threshold
//	nodes:
//	  - id: threshold
//	    type: filter.threshold
//	    configuration:
//	      key: temperature
//	      threshold: 25
//	connections:
//	  - {from: threshold, relation: Success, to: alarm}
type chainFile struct {
	ID          string           `yaml:"id"`
	TenantID    string           `yaml:"tenantId"`
	Name        string           `yaml:"name"`
	Root        bool             `yaml:"root"`
	Version     int64            `yaml:"version,omitempty"`
	EntryNodeID string           `yaml:"entryNodeId"`
	Nodes       []nodeFile       `yaml:"nodes"`
	Connections []connectionFile `yaml:"connections"`
}

type nodeFile struct {
	ID            string                 `yaml:"id"`
	Type          string                 `yaml:"type"`
	Name          string                 `yaml:"name,omitempty"`
	ConfigVersion int                    `yaml:"configVersion,omitempty"`
	Configuration map[string]interface{} `yaml:"configuration,omitempty"`
	Relations     []string               `yaml:"relations,omitempty"`
}

type connectionFile struct {
	From     string `yaml:"from"`
	Relation string `yaml:"relation"`
	To       string `yaml:"to"`
}

// ParseChain decodes one YAML chain definition.
func ParseChain(data []byte) (*models.ChainGraph, error) {
	var f chainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("invalid chain YAML").WithCause(err)
	}

	chainID, err := uuid.Parse(f.ID)
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage(fmt.Sprintf("invalid chain id %q", f.ID)).WithCause(err)
	}
	tenantID, err := uuid.Parse(f.TenantID)
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage(fmt.Sprintf("invalid tenant id %q", f.TenantID)).WithCause(err)
	}

	g := &models.ChainGraph{
		ChainID:     chainID,
		TenantID:    tenantID,
		Name:        f.Name,
		Root:        f.Root,
		Version:     f.Version,
		EntryNodeID: f.EntryNodeID,
		Nodes:       make([]models.NodeDefinition, len(f.Nodes)),
		Connections: make([]models.Connection, len(f.Connections)),
	}
	for i, n := range f.Nodes {
		def := models.NodeDefinition{
			ID:            n.ID,
			Type:          n.Type,
			Name:          n.Name,
			ConfigVersion: n.ConfigVersion,
			Relations:     n.Relations,
		}
		if n.Configuration != nil {
			raw, err := jsoncodec.Marshal(n.Configuration)
			if err != nil {
				return nil, apperrors.ErrValidation.
					WithMessage(fmt.Sprintf("configuration of node %s is not representable as JSON", n.ID)).
					WithCause(err)
			}
			def.Configuration = raw
		}
		g.Nodes[i] = def
	}
	for i, c := range f.Connections {
		g.Connections[i] = models.Connection{From: c.From, Relation: c.Relation, To: c.To}
	}
	return g, nil
}

// MarshalChain encodes a chain in the layout ParseChain reads.
func MarshalChain(g *models.ChainGraph) ([]byte, error) {
	f := chainFile{
		ID:          g.ChainID.String(),
		TenantID:    g.TenantID.String(),
		Name:        g.Name,
		Root:        g.Root,
		Version:     g.Version,
		EntryNodeID: g.EntryNodeID,
		Nodes:       make([]nodeFile, len(g.Nodes)),
		Connections: make([]connectionFile, len(g.Connections)),
	}
	for i, n := range g.Nodes {
		nf := nodeFile{
			ID:            n.ID,
			Type:          n.Type,
			Name:          n.Name,
			ConfigVersion: n.ConfigVersion,
			Relations:     n.Relations,
		}
		if len(n.Configuration) > 0 && string(n.Configuration) != "null" {
			if err := jsoncodec.Unmarshal(n.Configuration, &nf.Configuration); err != nil {
				return nil, apperrors.ErrValidation.
					WithMessage(fmt.Sprintf("configuration of node %s must be a JSON object", n.ID)).
					WithCause(err)
			}
		}
		f.Nodes[i] = nf
	}
	for i, c := range g.Connections {
		f.Connections[i] = connectionFile{From: c.From, Relation: c.Relation, To: c.To}
	}
	return yaml.Marshal(f)
}

// LoadFile reads one YAML chain definition from disk.
func LoadFile(path string) (*models.ChainGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file %s: %w", path, err)
	}
	g, err := ParseChain(data)
	if err != nil {
		return nil, fmt.Errorf("chain file %s: %w", path, err)
	}
	return g, nil
}

// FileRepository serves chains from a directory of YAML files, one chain per
// file. Saved chains are written back as <chain id>.yaml.
type FileRepository struct {
	dir string

	mu    sync.Mutex
	mem   *MemoryRepository
	paths map[uuid.UUID]string
}

var _ Repository = (*FileRepository)(nil)

func NewFileRepository(dir string) (*FileRepository, error) {
	r := &FileRepository{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every *.yaml and *.yml file of the directory.
func (r *FileRepository) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read chain directory %s: %w", r.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	mem := NewMemoryRepository()
	paths := make(map[uuid.UUID]string, len(names))
	for _, name := range names {
		path := filepath.Join(r.dir, name)
		g, err := LoadFile(path)
		if err != nil {
			return err
		}
		if prev, dup := paths[g.ChainID]; dup {
			return fmt.Errorf("chain %s is defined in both %s and %s", g.ChainID, prev, path)
		}
		version := g.Version
		if err := mem.SaveChain(context.Background(), g); err != nil {
			return fmt.Errorf("chain file %s: %w", path, err)
		}
		if version > 0 {
			mem.chains[g.TenantID][g.ChainID].Version = version
		}
		paths[g.ChainID] = path
	}

	r.mu.Lock()
	r.mem = mem
	r.paths = paths
	r.mu.Unlock()
	return nil
}

func (r *FileRepository) repo() *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

func (r *FileRepository) LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (*models.ChainGraph, error) {
	return r.repo().LoadChain(ctx, tenantID, chainID)
}

func (r *FileRepository) RootChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainGraph, error) {
	return r.repo().RootChain(ctx, tenantID)
}

func (r *FileRepository) ListChains(ctx context.Context, tenantID uuid.UUID) ([]*models.ChainGraph, error) {
	return r.repo().ListChains(ctx, tenantID)
}

func (r *FileRepository) SaveChain(ctx context.Context, graph *models.ChainGraph) error {
	if err := checkIdentity(graph); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mem.SaveChain(ctx, graph); err != nil {
		return err
	}

	// A new root demotes the previous one, whose file must follow.
	if graph.Root {
		for id, path := range r.paths {
			if id == graph.ChainID {
				continue
			}
			g, err := r.mem.LoadChain(ctx, graph.TenantID, id)
			if err != nil {
				continue
			}
			if err := writeChain(path, g); err != nil {
				return err
			}
		}
	}

	path, ok := r.paths[graph.ChainID]
	if !ok {
		path = filepath.Join(r.dir, graph.ChainID.String()+".yaml")
	}
	if err := writeChain(path, graph); err != nil {
		return err
	}
	r.paths[graph.ChainID] = path
	return nil
}

func (r *FileRepository) DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mem.DeleteChain(ctx, tenantID, chainID); err != nil {
		return err
	}
	path := r.paths[chainID]
	delete(r.paths, chainID)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove chain file %s: %w", path, err)
	}
	return nil
}

func writeChain(path string, g *models.ChainGraph) error {
	data, err := MarshalChain(g)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chain file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write chain file %s: %w", path, err)
	}
	return nil
}
