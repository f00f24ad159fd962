package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ruleengine/internal/constants"
	"ruleengine/internal/logger"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
)

const defaultAttributeTTL = 5 * time.Minute

// CachedService serves attribute reads from a Redis hash per entity scope and
// falls through to the wrapped service for missing keys. Writes invalidate the hash.
type CachedService struct {
	Service
	client redis.UniversalClient
	ttl    time.Duration
	log    logger.Logger
}

func NewCachedService(inner Service, client redis.UniversalClient, ttl time.Duration, log logger.Logger) *CachedService {
	if ttl <= 0 {
		ttl = defaultAttributeTTL
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &CachedService{Service: inner, client: client, ttl: ttl, log: log}
}

func attributeCacheKey(tenantID uuid.UUID, entity models.EntityID, scope string) string {
	return constants.CacheKeyPrefixAttributes + tenantID.String() + ":" + string(entity.Type) + ":" + entity.ID.String() + ":" + scope
}

func (s *CachedService) GetAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, keys []string) (map[string]interface{}, error) {
	if len(keys) == 0 {
		return s.Service.GetAttributes(ctx, tenantID, entity, scope, keys)
	}

	cacheKey := attributeCacheKey(tenantID, entity, scope)
	cached, err := s.client.HMGet(ctx, cacheKey, keys...).Result()
	if err != nil {
		metrics.ServiceCacheRequestsTotal.WithLabelValues("error").Inc()
		s.log.Warnw("Attribute cache read failed", "key", cacheKey, "error", err)
		return s.Service.GetAttributes(ctx, tenantID, entity, scope, keys)
	}

	out := make(map[string]interface{}, len(keys))
	var missing []string
	for i, v := range cached {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, keys[i])
			continue
		}
		var value interface{}
		if err := jsoncodec.Unmarshal([]byte(str), &value); err != nil {
			missing = append(missing, keys[i])
			continue
		}
		out[keys[i]] = value
	}
	if len(missing) == 0 {
		metrics.ServiceCacheRequestsTotal.WithLabelValues("hit").Inc()
		return out, nil
	}
	metrics.ServiceCacheRequestsTotal.WithLabelValues("miss").Inc()

	loaded, err := s.Service.GetAttributes(ctx, tenantID, entity, scope, missing)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{}, len(loaded))
	for k, v := range loaded {
		out[k] = v
		encoded, err := jsoncodec.Marshal(v)
		if err != nil {
			continue
		}
		fields[k] = string(encoded)
	}
	if len(fields) > 0 {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, cacheKey, fields)
		pipe.Expire(ctx, cacheKey, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warnw("Attribute cache write failed", "key", cacheKey, "error", err)
		}
	}

	return out, nil
}

func (s *CachedService) SaveAttributes(ctx context.Context, tenantID uuid.UUID, entity models.EntityID, scope string, values map[string]interface{}) error {
	if err := s.Service.SaveAttributes(ctx, tenantID, entity, scope, values); err != nil {
		return err
	}

	cacheKey := attributeCacheKey(tenantID, entity, scope)
	if err := s.client.Del(ctx, cacheKey).Err(); err != nil {
		s.log.Warnw("Attribute cache invalidation failed", "key", cacheKey, "error", err)
	}
	return nil
}
