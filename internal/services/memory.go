package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

type TelemetryPoint struct {
	Key   string
	Value interface{}
	Ts    time.Time
}

type entityKey struct {
	tenantID uuid.UUID
	entity   models.EntityID
}

type scopeKey struct {
	entityKey
	scope string
}

// MemoryService keeps everything in process memory. It backs local runs with
// services.store=memory and engine tests.
type MemoryService struct {
	mu         sync.RWMutex
	telemetry  map[entityKey][]TelemetryPoint
	attributes map[scopeKey]map[string]interface{}
	entities   map[entityKey]*Entity
}

var _ Service = (*MemoryService)(nil)

func NewMemoryService() *MemoryService {
	return &MemoryService{
		telemetry:  make(map[entityKey][]TelemetryPoint),
		attributes: make(map[scopeKey]map[string]interface{}),
		entities:   make(map[entityKey]*Entity),
	}
}

func (s *MemoryService) SaveTelemetry(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, ts time.Time, values map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transient(err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{tenantID: tenantID, entity: entity}
	for _, key := range keys {
		s.telemetry[k] = append(s.telemetry[k], TelemetryPoint{Key: key, Value: values[key], Ts: ts})
	}
	return nil
}

func (s *MemoryService) Telemetry(tenantID uuid.UUID, entity models.EntityID) []TelemetryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.telemetry[entityKey{tenantID: tenantID, entity: entity}]
	out := make([]TelemetryPoint, len(points))
	copy(out, points)
	return out
}

func (s *MemoryService) SaveAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, values map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey{entityKey: entityKey{tenantID: tenantID, entity: entity}, scope: scope}
	attrs, ok := s.attributes[k]
	if !ok {
		attrs = make(map[string]interface{}, len(values))
		s.attributes[k] = attrs
	}
	for key, v := range values {
		attrs[key] = v
	}
	return nil
}

func (s *MemoryService) GetAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, keys []string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transient(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs := s.attributes[scopeKey{entityKey: entityKey{tenantID: tenantID, entity: entity}, scope: scope}]
	out := make(map[string]interface{})
	if len(keys) == 0 {
		for k, v := range attrs {
			out[k] = v
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryService) PutEntity(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey{tenantID: e.TenantID, entity: e.ID}] = &e
}

func (s *MemoryService) GetEntity(ctx context.Context, tenantID uuid.UUID, entity models.EntityID) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transient(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey{tenantID: tenantID, entity: entity}]
	if !ok {
		return nil, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("entity %s not found", entity))
	}
	out := *e
	return &out, nil
}
