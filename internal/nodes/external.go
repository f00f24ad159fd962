package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ruleengine/internal/engine"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

const maxResponseBytes = 1 << 20

type restAPIConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// SkipBody sends no request body; GET and DELETE never send one.
	SkipBody bool `json:"skipBody"`
}

// restAPICall sends the payload to an HTTP endpoint and continues with the
// response body as payload and the status in metadata.
type restAPICall struct {
	stateless
	client  *http.Client
	cfg     restAPIConfig
	url     template
	headers map[string]template
}

var httpMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func (n *restAPICall) Init(raw json.RawMessage, _ engine.InitContext) error {
	cfg := restAPIConfig{Method: http.MethodPost}
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return engine.ConfigError("url", "is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return engine.ConfigError("url", "must be an http or https URL")
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if _, ok := httpMethods[cfg.Method]; !ok {
		return engine.ConfigError("method", "unsupported method %q", cfg.Method)
	}

	n.cfg = cfg
	n.url = parseTemplate(cfg.URL)
	n.headers = make(map[string]template, len(cfg.Headers))
	for k, v := range cfg.Headers {
		n.headers[k] = parseTemplate(v)
	}
	return nil
}

type httpResponse struct {
	status int
	body   []byte
}

func (n *restAPICall) OnMessage(ctx engine.Context, env models.Envelope) {
	url, err := n.url.render(env)
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}
	headers := make(map[string]string, len(n.headers))
	for k, t := range n.headers {
		v, err := t.render(env)
		if err != nil {
			ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
			return
		}
		headers[k] = v
	}

	var body []byte
	if !n.cfg.SkipBody && n.cfg.Method != http.MethodGet && n.cfg.Method != http.MethodDelete {
		body = env.Payload()
	}

	ctx.ExternalCall("rest_api", func(callCtx context.Context) (interface{}, error) {
		return n.do(callCtx, url, headers, body)
	}, func(result interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		resp := result.(httpResponse)
		out := env.WithPayload(resp.body).
			WithMetadataValue("status", http.StatusText(resp.status)).
			WithMetadataValue("statusCode", strconv.Itoa(resp.status))
		ctx.Route(out, models.RelationSuccess)
	})
}

func (n *restAPICall) do(ctx context.Context, url string, headers map[string]string, body []byte) (httpResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, n.cfg.Method, url, reader)
	if err != nil {
		return httpResponse{}, apperrors.ErrPermanent.WithMessage("failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return httpResponse{}, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return httpResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return httpResponse{status: resp.StatusCode, body: respBody}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return httpResponse{}, apperrors.ErrTransient.
			WithMessage(fmt.Sprintf("api returned status: %d", resp.StatusCode)).
			WithDetail("status_code", resp.StatusCode)
	default:
		return httpResponse{}, apperrors.ErrPermanent.
			WithMessage(fmt.Sprintf("api returned status: %d", resp.StatusCode)).
			WithDetail("status_code", resp.StatusCode)
	}
}

type kafkaConfig struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
	// AddMetadataHeaders copies the envelope metadata into record headers.
	AddMetadataHeaders bool `json:"addMetadataHeaders"`
}

// kafkaPublish forwards the payload to a Kafka topic.
type kafkaPublish struct {
	stateless
	publisher Publisher
	cfg       kafkaConfig
	topic     template
	key       template
}

func (n *kafkaPublish) Init(raw json.RawMessage, _ engine.InitContext) error {
	var cfg kafkaConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Topic == "" {
		return engine.ConfigError("topic", "is required")
	}
	if n.publisher == nil {
		return engine.ConfigError("publisher", "kafka publisher is not configured")
	}
	n.cfg = cfg
	n.topic = parseTemplate(cfg.Topic)
	n.key = parseTemplate(cfg.Key)
	return nil
}

func (n *kafkaPublish) OnMessage(ctx engine.Context, env models.Envelope) {
	topic, err := n.topic.render(env)
	if err == nil && topic == "" {
		err = fmt.Errorf("topic template %q rendered empty", n.cfg.Topic)
	}
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}
	key, err := n.key.render(env)
	if err != nil {
		ctx.Fail(env, apperrors.ErrPermanent.WithCause(err))
		return
	}

	var headers map[string]string
	if n.cfg.AddMetadataHeaders {
		headers = env.Metadata().ToMap()
	}
	value := env.Payload()

	ctx.ExternalCall("kafka", func(callCtx context.Context) (interface{}, error) {
		var k []byte
		if key != "" {
			k = []byte(key)
		}
		return nil, n.publisher.Publish(callCtx, topic, k, value, headers)
	}, func(_ interface{}, err error) {
		if err != nil {
			ctx.Fail(env, err)
			return
		}
		ctx.Route(env.WithMetadataValue("topic", topic), models.RelationSuccess)
	})
}
