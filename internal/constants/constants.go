package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	ServiceName = "rule-engine"
)

// Topic suffixes appended to the tier, e.g. "main.rule-engine".
const (
	TopicRuleEngine  = "rule-engine"
	TopicChainEvents = "rule-engine.chain-events"
	TopicLifecycle   = "rule-engine.lifecycle"
	TopicDeadLetter  = "rule-engine.dlq"
)

func Topic(tier, suffix string) string {
	return tier + "." + suffix
}

const (
	CacheKeyPrefixAttributes = "attrs:"
)

const (
	DefaultMongoDBName = "rule_engine"
)

const (
	ShutdownTimeout = 10 * time.Second
)

// Metadata keys written by the engine on failure routing.
const (
	MetadataError      = "error"
	MetadataErrorCode  = "errorCode"
	MetadataFailedNode = "failedNode"
)

// Message types produced by transport adapters.
const (
	MsgTypePostTelemetry     = "POST_TELEMETRY_REQUEST"
	MsgTypePostAttributes    = "POST_ATTRIBUTES_REQUEST"
	MsgTypeAttributesUpdated = "ATTRIBUTES_UPDATED"
	MsgTypeConnectEvent      = "CONNECT_EVENT"
	MsgTypeDisconnectEvent   = "DISCONNECT_EVENT"
	MsgTypeInactivityEvent   = "INACTIVITY_EVENT"
)

const (
	AttributeScopeClient = "CLIENT_SCOPE"
	AttributeScopeServer = "SERVER_SCOPE"
	AttributeScopeShared = "SHARED_SCOPE"
)
