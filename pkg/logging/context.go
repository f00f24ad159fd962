package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey      ctxKey = "trace_id"
	MessageIDKey    ctxKey = "message_id"
	ServiceNameKey  ctxKey = "service_name"
	TenantIDKey     ctxKey = "tenant_id"
	ChainIDKey      ctxKey = "chain_id"
	NodeIDKey       ctxKey = "node_id"
	OriginatorIDKey ctxKey = "originator_id"
)

var fieldOrder = []ctxKey{TraceIDKey, MessageIDKey, ServiceNameKey, TenantIDKey, ChainIDKey, NodeIDKey, OriginatorIDKey}

func with(ctx context.Context, key ctxKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return with(ctx, TenantIDKey, tenantID)
}

func WithChainID(ctx context.Context, chainID string) context.Context {
	return with(ctx, ChainIDKey, chainID)
}

func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return with(ctx, NodeIDKey, nodeID)
}

func WithOriginatorID(ctx context.Context, originatorID string) context.Context {
	return with(ctx, OriginatorIDKey, originatorID)
}

func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func GetServiceName(ctx context.Context) string {
	return get(ctx, ServiceNameKey)
}

func GetTenantID(ctx context.Context) string {
	return get(ctx, TenantIDKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 2*len(fieldOrder))
	for _, key := range fieldOrder {
		if v := get(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}
