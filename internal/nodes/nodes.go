// Package nodes holds the built-in rule node kinds.
package nodes

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"

	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/services"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

// Publisher sends a record to an arbitrary topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Dependencies are shared by every node instance of one engine. Kinds whose
// dependency is missing are still registered but reject their configuration.
type Dependencies struct {
	Services   services.Service
	Redis      redis.UniversalClient
	Publisher  Publisher
	HTTPClient *http.Client
	Scripts    script.Executor
}

var (
	successFailure = []string{models.RelationSuccess, models.RelationFailure}
	trueFalse      = []string{models.RelationTrue, models.RelationFalse}
)

// Register adds every built-in kind to reg.
func Register(reg *engine.Registry, deps Dependencies) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}

	for _, d := range Descriptors(deps) {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func Descriptors(deps Dependencies) []engine.Descriptor {
	return []engine.Descriptor{
		{
			Type:          TypeThresholdFilter,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &thresholdFilter{} },
		},
		{
			Type:          TypeScriptFilter,
			Relations:     []string{models.RelationTrue, models.RelationFalse, models.RelationFailure},
			ConfigVersion: 1,
			New:           func() engine.Node { return &scriptFilter{scripts: deps.Scripts} },
		},
		{
			Type:             TypeSwitch,
			DynamicRelations: true,
			ConfigVersion:    1,
			New:              func() engine.Node { return &switchNode{scripts: deps.Scripts} },
		},
		{
			Type:          TypeMessageTypeFilter,
			Relations:     trueFalse,
			ConfigVersion: 1,
			New:           func() engine.Node { return &messageTypeFilter{} },
		},
		{
			Type:          TypeOriginatorTypeFilter,
			Relations:     trueFalse,
			ConfigVersion: 1,
			New:           func() engine.Node { return &originatorTypeFilter{} },
		},
		{
			Type:          TypeDeduplicate,
			Relations:     trueFalse,
			ConfigVersion: 1,
			New:           func() engine.Node { return &deduplicate{client: deps.Redis} },
		},
		{
			Type:          TypeScriptTransform,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &scriptTransform{scripts: deps.Scripts} },
		},
		{
			Type:          TypeMetadataTransform,
			Relations:     []string{models.RelationSuccess},
			ConfigVersion: 1,
			New:           func() engine.Node { return &metadataTransform{} },
		},
		{
			Type:          TypeLog,
			Relations:     []string{models.RelationSuccess, models.RelationFailure},
			ConfigVersion: 1,
			New:           func() engine.Node { return &logNode{scripts: deps.Scripts} },
		},
		{
			Type:          TypeSaveTelemetry,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &saveTelemetry{svc: deps.Services} },
		},
		{
			Type:          TypeSaveAttributes,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &saveAttributes{svc: deps.Services} },
		},
		{
			Type:          TypeOriginatorAttributes,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &originatorAttributes{svc: deps.Services} },
		},
		{
			Type:          TypeOriginatorFields,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &originatorFields{svc: deps.Services} },
		},
		{
			Type:          TypeRedisEnrichment,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &redisEnrichment{client: deps.Redis} },
		},
		{
			Type:          TypeRestAPI,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &restAPICall{client: deps.HTTPClient} },
		},
		{
			Type:          TypeKafka,
			Relations:     successFailure,
			ConfigVersion: 1,
			New:           func() engine.Node { return &kafkaPublish{publisher: deps.Publisher} },
		},
	}
}

const (
	TypeThresholdFilter      = "filter.threshold"
	TypeScriptFilter         = "filter.script"
	TypeSwitch               = "filter.switch"
	TypeMessageTypeFilter    = "filter.message_type"
	TypeOriginatorTypeFilter = "filter.originator_type"
	TypeDeduplicate          = "filter.deduplicate"
	TypeScriptTransform      = "transform.script"
	TypeMetadataTransform    = "transform.metadata"
	TypeLog                  = "action.log"
	TypeSaveTelemetry        = "action.save_telemetry"
	TypeSaveAttributes       = "action.save_attributes"
	TypeOriginatorAttributes = "enrichment.originator_attributes"
	TypeOriginatorFields     = "enrichment.originator_fields"
	TypeRedisEnrichment      = "enrichment.redis"
	TypeRestAPI              = "external.rest_api"
	TypeKafka                = "external.kafka"
)

// stateless is embedded by kinds that hold nothing to release.
type stateless struct{}

func (stateless) Destroy() {}
