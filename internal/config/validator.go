package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateService(c.Service) },
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateBroker(c.Broker) },
		func(c *Config) error { return validateDatabase(c.Database) },
		validateChains,
		func(c *Config) error { return validateRuleEngine(c.RuleEngine) },
		func(c *Config) error { return validateRetry("retry", c.Retry) },
		func(c *Config) error { return validateCircuitBreaker(c.CircuitBreaker) },
		func(c *Config) error { return validateRateLimit(c.RateLimit) },
		func(c *Config) error { return validateIngest(c.Ingest) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateService(cfg ServiceConfig) error {
	if cfg.Tier == "" {
		return &ValidationError{Field: "service.tier", Message: "tier is required"}
	}
	if strings.ContainsAny(cfg.Tier, " /") {
		return &ValidationError{Field: "service.tier", Message: "tier must not contain spaces or slashes"}
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "memory":
		if cfg.Memory.Partitions < 1 {
			return &ValidationError{Field: "broker.memory.partitions", Message: "at least one partition is required"}
		}
		return nil
	case "":
		return &ValidationError{Field: "broker.type", Message: "broker type is required"}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, memory)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{Field: prefix + ".max_attempts", Message: "max_attempts must be at least 1"}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{Field: prefix + ".initial_interval", Message: "initial_interval must be non-negative"}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{Field: prefix + ".max_interval", Message: "max_interval must be non-negative"}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{Field: prefix + ".multiplier", Message: "multiplier must be positive"}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.postgres.host", Message: "PostgreSQL host is required"}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{Field: "database.postgres.user", Message: "PostgreSQL user is required"}
	}

	if cfg.DBName == "" {
		return &ValidationError{Field: "database.postgres.dbname", Message: "PostgreSQL database name is required"}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "Redis host is required"}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{Field: "database.redis.ttl_seconds", Message: "TTL must be non-negative"}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{Field: "database.mongodb.database", Message: "MongoDB database name is required"}
	}

	return nil
}

func validateChains(cfg *Config) error {
	switch cfg.Chains.Store {
	case "postgres":
		if !cfg.Database.Postgres.Enabled() {
			return &ValidationError{Field: "chains.store", Message: "postgres chain store requires database.postgres"}
		}
	case "mongodb":
		if !cfg.Database.MongoDB.Enabled() {
			return &ValidationError{Field: "chains.store", Message: "mongodb chain store requires database.mongodb"}
		}
		if cfg.Chains.Collection == "" {
			return &ValidationError{Field: "chains.collection", Message: "collection is required"}
		}
	case "file":
		if cfg.Chains.Dir == "" {
			return &ValidationError{Field: "chains.dir", Message: "file chain store requires a directory"}
		}
	default:
		return &ValidationError{
			Field:   "chains.store",
			Message: fmt.Sprintf("unknown chain store: %s (supported: postgres, mongodb, file)", cfg.Chains.Store),
		}
	}
	return nil
}

func validateRuleEngine(cfg RuleEngineConfig) error {
	if cfg.MaxHops < 1 {
		return &ValidationError{Field: "rule_engine.max_hops", Message: "max_hops must be at least 1"}
	}

	durations := map[string]int64{
		"rule_engine.node_timeout":          int64(cfg.NodeTimeout),
		"rule_engine.external_call_timeout": int64(cfg.ExternalCallTimeout),
		"rule_engine.script_timeout":        int64(cfg.ScriptTimeout),
		"rule_engine.chain_idle_timeout":    int64(cfg.ChainIdleTimeout),
		"rule_engine.tenant_idle_timeout":   int64(cfg.TenantIdleTimeout),
		"rule_engine.eviction_interval":     int64(cfg.EvictionInterval),
	}
	for field, d := range durations {
		if d <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
	}

	if cfg.ExternalCallTimeout > cfg.NodeTimeout {
		return &ValidationError{
			Field:   "rule_engine.external_call_timeout",
			Message: "external call timeout must not exceed node timeout",
		}
	}

	return nil
}

func validateCircuitBreaker(cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.FailureThreshold < 1 {
		return &ValidationError{Field: "circuit_breaker.failure_threshold", Message: "failure_threshold must be at least 1"}
	}

	if cfg.Window <= 0 {
		return &ValidationError{Field: "circuit_breaker.window", Message: "window must be positive"}
	}

	if cfg.CoolDown <= 0 {
		return &ValidationError{Field: "circuit_breaker.cool_down", Message: "cool_down must be positive"}
	}

	if cfg.Services.FailureRatio < 0 || cfg.Services.FailureRatio > 1 {
		return &ValidationError{Field: "circuit_breaker.services.failure_ratio", Message: "failure_ratio must be between 0 and 1"}
	}

	return nil
}

func validateRateLimit(cfg RateLimitConfig) error {
	if cfg.Enabled && (cfg.TenantRPS <= 0 || cfg.TenantBurst < 1) {
		return &ValidationError{Field: "rate_limit.tenant_rps", Message: "tenant_rps and tenant_burst must be positive"}
	}

	if cfg.API.Enabled && (cfg.API.RPS <= 0 || cfg.API.Burst < 1) {
		return &ValidationError{Field: "rate_limit.api.rps", Message: "rps and burst must be positive"}
	}

	return nil
}

func validateIngest(cfg IngestConfig) error {
	if cfg.MaxInFlight < 1 {
		return &ValidationError{Field: "ingest.max_in_flight", Message: "max_in_flight must be at least 1"}
	}

	if cfg.MaxBuffered < cfg.MaxInFlight {
		return &ValidationError{Field: "ingest.max_buffered", Message: "max_buffered must be at least max_in_flight"}
	}

	if cfg.ProcessingTimeout <= 0 {
		return &ValidationError{Field: "ingest.processing_timeout", Message: "processing_timeout must be positive"}
	}

	return nil
}
