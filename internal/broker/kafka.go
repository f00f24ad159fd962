package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ruleengine/internal/config"
	"ruleengine/internal/constants"
	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/logging"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/retry"
	"ruleengine/pkg/tracing"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               QueueKeyBalancer{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	if cfg.Retry.MaxAttempts > 0 {
		w.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval > 0 {
		w.WriteBackoffMin = cfg.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval > 0 {
		w.WriteBackoffMax = cfg.Retry.MaxInterval
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: constants.ServiceName}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	kafkaHeaders := make([]kafka.Header, 0, len(headers)+2)
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: name, Value: []byte(headers[name])})
	}
	kafkaHeaders = tracing.InjectTraceContext(ctx, kafkaHeaders)

	start := time.Now()
	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     key,
			Value:   value,
			Headers: kafkaHeaders,
			Time:    start,
		},
	)
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaSource reads one topic as a member of the configured consumer group.
// Offsets are committed only through Commit.
type KafkaSource struct {
	reader      *kafka.Reader
	topic       string
	serviceName string
}

func NewKafkaSource(cfg config.KafkaConfig, topic string) *KafkaSource {
	return newKafkaSource(cfg, topic, kafka.FirstOffset)
}

func newKafkaSource(cfg config.KafkaConfig, topic string, startOffset int64) *KafkaSource {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}

	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       topic,
			MinBytes:    minBytes,
			MaxBytes:    maxBytes,
			StartOffset: startOffset,
		}),
		topic:       topic,
		serviceName: constants.ServiceName,
	}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}

	metrics.IncKafkaMessagesRead(s.serviceName, m.Topic)
	metrics.ObserveKafkaMessageSize(s.serviceName, m.Topic, "in", len(m.Value))
	if m.HighWaterMark > 0 {
		metrics.SetKafkaConsumerLag(s.serviceName, m.Topic, m.Partition, m.HighWaterMark-m.Offset-1)
	}
	return fromKafka(m), nil
}

func (s *KafkaSource) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
	}
	if err := s.reader.CommitMessages(ctx, out...); err != nil {
		return fmt.Errorf("failed to commit kafka offsets: %w", err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

func fromKafka(m kafka.Message) Message {
	var headers map[string]string
	if len(m.Headers) > 0 {
		headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
	}
}

// KafkaConsumer runs a handler over a topic with retries, committing every
// record once the handler is done with it.
type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	sources     []*KafkaSource
	logger      logger.Logger
	serviceName string
	startOffset int64
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: constants.ServiceName,
		startOffset: kafka.FirstOffset,
	}
}

// NewKafkaBroadcastConsumer joins a consumer group of its own, so every process
// sees every record. A new group starts at the end of the topic.
func NewKafkaBroadcastConsumer(cfg config.KafkaConfig, instance string, log logger.Logger) *KafkaConsumer {
	cfg.GroupID = fmt.Sprintf("%s.%s", cfg.GroupID, instance)
	c := NewKafkaConsumer(cfg, log)
	c.startOffset = kafka.LastOffset
	return c
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	source := newKafkaSource(c.cfg, topic, c.startOffset)
	source.serviceName = c.serviceName
	c.mu.Lock()
	c.sources = append(c.sources, source)
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

	for {
		m, err := source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"reason", "reader closed",
				)
				return nil
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		msgCtx, span := tracing.StartConsumeSpan(consumeCtx, m.Topic, m.Partition, m.Offset, m.Headers)
		if err := processWithRetry(msgCtx, c.cfg.Retry.Policy(), m, handler, c.logger, c.serviceName); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
				"error", err,
				"topic", topic,
				"partition", m.Partition,
				"offset", m.Offset,
			)
		}
		tracing.EndSpan(span, nil)

		if err := source.Commit(ctx, m); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
				"error", err,
				"topic", topic,
			)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	sources := c.sources
	c.sources = nil
	c.mu.Unlock()

	var err error
	for _, s := range sources {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func processWithRetry(ctx context.Context, policy retry.Policy, msg Message, handler HandlerFunc, log logger.Logger, serviceName string) error {
	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.RecoverPanic(r)
				log.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", msg.Topic,
				)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(serviceName, msg.Topic).Inc()
		log.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", msg.Topic,
		)
	})
}
