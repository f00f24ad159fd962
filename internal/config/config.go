package config

import (
	"fmt"
	"time"

	"ruleengine/pkg/circuitbreaker"
	"ruleengine/pkg/ratelimit"
	"ruleengine/pkg/retry"
)

type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Chains         ChainsConfig         `mapstructure:"chains"`
	RuleEngine     RuleEngineConfig     `mapstructure:"rule_engine"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Ingest         IngestConfig         `mapstructure:"ingest"`
	Services       ServicesConfig       `mapstructure:"services"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name"`
	// Tier prefixes every topic, e.g. "main" gives "main.rule-engine".
	Tier string `mapstructure:"tier"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

func (c MongoDBConfig) Enabled() bool {
	return c.URI != ""
}

type BrokerConfig struct {
	Type   string       `mapstructure:"type"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	GroupID       string        `mapstructure:"group_id"`
	MinBytes      int           `mapstructure:"min_bytes"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type MemoryConfig struct {
	Partitions int `mapstructure:"partitions"`
}

type ChainsConfig struct {
	// Store is one of postgres, mongodb, file.
	Store      string `mapstructure:"store"`
	Dir        string `mapstructure:"dir"`
	Collection string `mapstructure:"collection"`
}

type RuleEngineConfig struct {
	MaxHops             int           `mapstructure:"max_hops"`
	NodeTimeout         time.Duration `mapstructure:"node_timeout"`
	ExternalCallTimeout time.Duration `mapstructure:"external_call_timeout"`
	ScriptTimeout       time.Duration `mapstructure:"script_timeout"`
	ChainIdleTimeout    time.Duration `mapstructure:"chain_idle_timeout"`
	TenantIdleTimeout   time.Duration `mapstructure:"tenant_idle_timeout"`
	EvictionInterval    time.Duration `mapstructure:"eviction_interval"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		MaxElapsedTime:  c.MaxElapsedTime,
	}
}

type CircuitBreakerConfig struct {
	Enabled             bool                        `mapstructure:"enabled"`
	FailureThreshold    int                         `mapstructure:"failure_threshold"`
	Window              time.Duration               `mapstructure:"window"`
	CoolDown            time.Duration               `mapstructure:"cool_down"`
	HalfOpenMaxRequests uint32                      `mapstructure:"half_open_max_requests"`
	Services            ServiceCircuitBreakerConfig `mapstructure:"services"`
}

func (c CircuitBreakerConfig) NodeConfig() circuitbreaker.NodeConfig {
	return circuitbreaker.NodeConfig{
		Enabled:             c.Enabled,
		FailureThreshold:    c.FailureThreshold,
		Window:              c.Window,
		CoolDown:            c.CoolDown,
		HalfOpenMaxRequests: c.HalfOpenMaxRequests,
	}
}

// ServiceCircuitBreakerConfig guards the external service facade.
type ServiceCircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	TenantRPS       float64       `mapstructure:"tenant_rps"`
	TenantBurst     int           `mapstructure:"tenant_burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	API             APIRateLimit  `mapstructure:"api"`
}

type APIRateLimit struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

func (c RateLimitConfig) Tenant() ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{
		Enabled:         c.Enabled,
		RPS:             c.TenantRPS,
		Burst:           c.TenantBurst,
		CleanupInterval: c.CleanupInterval,
		MaxAge:          c.MaxAge,
	}
}

func (c RateLimitConfig) OpsAPI() ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{
		Enabled:         c.API.Enabled,
		RPS:             c.API.RPS,
		Burst:           c.API.Burst,
		CleanupInterval: c.CleanupInterval,
		MaxAge:          c.MaxAge,
	}
}

type IngestConfig struct {
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	MaxBuffered       int           `mapstructure:"max_buffered"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	DLQEnabled        bool          `mapstructure:"dlq_enabled"`
}

type ServicesConfig struct {
	AttributeCacheTTL time.Duration `mapstructure:"attribute_cache_ttl"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
