package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RuleEngineMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_messages_total",
			Help: "Total number of inbound envelopes acknowledged by the rule engine (count)",
		},
		[]string{"status"},
	)

	RuleEngineMessageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_engine_message_duration_ms",
			Help:    "Time from chain entry to acknowledgment in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"chain_id", "status"},
	)

	RuleEngineInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_engine_in_flight_messages",
			Help: "Number of envelopes currently inside chain actors (count)",
		},
	)

	RuleEngineTenantActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_engine_tenant_actors",
			Help: "Number of live tenant actors (count)",
		},
	)

	RuleEngineChainActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_engine_chain_actors",
			Help: "Number of live chain actors (count)",
		},
	)

	RuleEngineChainEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_chain_lifecycle_events_total",
			Help: "Total number of chain lifecycle events (count)",
		},
		[]string{"event"},
	)

	RuleNodeInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_node_invocations_total",
			Help: "Total number of node invocations by outcome (count)",
		},
		[]string{"chain_id", "node_id", "outcome"},
	)

	RuleNodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_node_duration_ms",
			Help:    "Node invocation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"chain_id", "node_id"},
	)

	RuleNodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_node_terminal_failures_total",
			Help: "Total number of message paths terminated at a node by error code (count)",
		},
		[]string{"chain_id", "node_id", "code"},
	)

	RuleNodeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_node_retries_total",
			Help: "Total number of node re-evaluations after transient failures (count)",
		},
		[]string{"chain_id", "node_id"},
	)

	RuleNodeUnroutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_node_unrouted_total",
			Help: "Total number of routes with an undeclared relation label (count)",
		},
		[]string{"chain_id", "node_id", "relation"},
	)

	ScriptEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "script_evaluations_total",
			Help: "Total number of script evaluations (count)",
		},
		[]string{"kind", "status"},
	)

	ScriptEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "script_evaluation_duration_ms",
			Help:    "Script evaluation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"kind"},
	)

	ExternalCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_calls_total",
			Help: "Total number of external calls issued by nodes (count)",
		},
		[]string{"name", "status"},
	)

	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_duration_ms",
			Help:    "External call duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"name"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"scope", "status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	IngestCommittedOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_committed_offset",
			Help: "Last committed source offset per partition (offset)",
		},
		[]string{"partition"},
	)

	IngestPendingMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_pending_messages",
			Help: "Envelopes submitted but not yet acknowledged per partition (count)",
		},
		[]string{"partition"},
	)

	IngestDecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_decode_errors_total",
			Help: "Total number of source records that could not be decoded (count)",
		},
	)

	ServiceCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_cache_requests_total",
			Help: "Total number of attribute cache lookups (count)",
		},
		[]string{"result"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

func RegisterRuleEngineMetrics() {
	prometheus.MustRegister(RuleEngineMessagesTotal)
	prometheus.MustRegister(RuleEngineMessageDuration)
	prometheus.MustRegister(RuleEngineInFlight)
	prometheus.MustRegister(RuleEngineTenantActors)
	prometheus.MustRegister(RuleEngineChainActors)
	prometheus.MustRegister(RuleEngineChainEventsTotal)
	prometheus.MustRegister(RuleNodeInvocationsTotal)
	prometheus.MustRegister(RuleNodeDuration)
	prometheus.MustRegister(RuleNodeFailuresTotal)
	prometheus.MustRegister(RuleNodeRetriesTotal)
	prometheus.MustRegister(RuleNodeUnroutedTotal)
	prometheus.MustRegister(ScriptEvaluationsTotal)
	prometheus.MustRegister(ScriptEvaluationDuration)
	prometheus.MustRegister(ExternalCallsTotal)
	prometheus.MustRegister(ExternalCallDuration)
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(KafkaWriteDuration)
	prometheus.MustRegister(IngestCommittedOffset)
	prometheus.MustRegister(IngestPendingMessages)
	prometheus.MustRegister(IngestDecodeErrorsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterServiceMetrics() {
	prometheus.MustRegister(ServiceCacheRequestsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func IncMessage(status string) {
	RuleEngineMessagesTotal.WithLabelValues(status).Inc()
}

func ObserveMessageDuration(chainID, status string, duration time.Duration) {
	RuleEngineMessageDuration.WithLabelValues(chainID, status).Observe(float64(duration.Milliseconds()))
}

func IncNodeInvocation(chainID, nodeID, outcome string) {
	RuleNodeInvocationsTotal.WithLabelValues(chainID, nodeID, outcome).Inc()
}

func ObserveNodeDuration(chainID, nodeID string, duration time.Duration) {
	RuleNodeDuration.WithLabelValues(chainID, nodeID).Observe(float64(duration.Milliseconds()))
}

func IncNodeFailure(chainID, nodeID, code string) {
	RuleNodeFailuresTotal.WithLabelValues(chainID, nodeID, code).Inc()
}

func IncNodeRetry(chainID, nodeID string) {
	RuleNodeRetriesTotal.WithLabelValues(chainID, nodeID).Inc()
}

func IncUnrouted(chainID, nodeID, relation string) {
	RuleNodeUnroutedTotal.WithLabelValues(chainID, nodeID, relation).Inc()
}

func IncChainEvent(event string) {
	RuleEngineChainEventsTotal.WithLabelValues(event).Inc()
}

func ObserveScript(kind, status string, duration time.Duration) {
	ScriptEvaluationsTotal.WithLabelValues(kind, status).Inc()
	ScriptEvaluationDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

func ObserveExternalCall(name, status string, duration time.Duration) {
	ExternalCallsTotal.WithLabelValues(name, status).Inc()
	ExternalCallDuration.WithLabelValues(name).Observe(float64(duration.Milliseconds()))
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func SetCommittedOffset(partition int, offset int64) {
	IngestCommittedOffset.WithLabelValues(fmt.Sprintf("%d", partition)).Set(float64(offset))
}

func SetPendingMessages(partition, pending int) {
	IngestPendingMessages.WithLabelValues(fmt.Sprintf("%d", partition)).Set(float64(pending))
}

func ObserveDatabaseQuery(service, database, operation, status string, duration time.Duration) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
