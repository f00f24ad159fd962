package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig reads the YAML file (optional), applies defaults and environment
// overrides and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("service.name", "rule-engine")
	viper.SetDefault("service.tier", "main")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.group_id", "rule-engine")
	viper.SetDefault("broker.kafka.min_bytes", 1)
	viper.SetDefault("broker.kafka.max_bytes", 10_000_000)
	viper.SetDefault("broker.kafka.stats_interval", 15*time.Second)
	viper.SetDefault("broker.kafka.retry.max_attempts", 5)
	viper.SetDefault("broker.kafka.retry.initial_interval", 200*time.Millisecond)
	viper.SetDefault("broker.kafka.retry.max_interval", 5*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
	viper.SetDefault("broker.memory.partitions", 8)

	viper.SetDefault("chains.store", "postgres")
	viper.SetDefault("chains.collection", "rule_chains")

	viper.SetDefault("rule_engine.max_hops", 1000)
	viper.SetDefault("rule_engine.node_timeout", 20*time.Second)
	viper.SetDefault("rule_engine.external_call_timeout", 10*time.Second)
	viper.SetDefault("rule_engine.script_timeout", 2*time.Second)
	viper.SetDefault("rule_engine.chain_idle_timeout", 5*time.Minute)
	viper.SetDefault("rule_engine.tenant_idle_timeout", 10*time.Minute)
	viper.SetDefault("rule_engine.eviction_interval", 30*time.Second)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("retry.max_interval", 10*time.Second)
	viper.SetDefault("retry.multiplier", 2.0)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.failure_threshold", 200)
	viper.SetDefault("circuit_breaker.window", time.Minute)
	viper.SetDefault("circuit_breaker.cool_down", 30*time.Second)
	viper.SetDefault("circuit_breaker.half_open_max_requests", 1)
	viper.SetDefault("circuit_breaker.services.enabled", true)
	viper.SetDefault("circuit_breaker.services.max_requests", 3)
	viper.SetDefault("circuit_breaker.services.interval", time.Minute)
	viper.SetDefault("circuit_breaker.services.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.services.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.services.min_requests", 10)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.tenant_rps", 1000)
	viper.SetDefault("rate_limit.tenant_burst", 2000)
	viper.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	viper.SetDefault("rate_limit.max_age", 10*time.Minute)
	viper.SetDefault("rate_limit.api.enabled", true)
	viper.SetDefault("rate_limit.api.rps", 20)
	viper.SetDefault("rate_limit.api.burst", 40)

	viper.SetDefault("ingest.max_in_flight", 256)
	viper.SetDefault("ingest.max_buffered", 4096)
	viper.SetDefault("ingest.processing_timeout", time.Minute)
	viper.SetDefault("ingest.dlq_enabled", true)

	viper.SetDefault("services.attribute_cache_ttl", 5*time.Minute)
	viper.SetDefault("services.http_timeout", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("tracing.service_name", "rule-engine")
	viper.SetDefault("tracing.sampler.type", "parentbased_traceidratio")
	viper.SetDefault("tracing.sampler.param", 1.0)
}

func bindEnvVariables() {
	viper.BindEnv("service.tier", "SERVICE_TIER")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")

	viper.BindEnv("chains.store", "CHAINS_STORE")
	viper.BindEnv("chains.dir", "CHAINS_DIR")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
