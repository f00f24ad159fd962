package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"ruleengine/internal/logger"
	"ruleengine/pkg/retry"
)

var ErrBrokerClosed = errors.New("broker is closed")

// MemoryBroker is an in-process partitioned log with a single consumer group.
// Records are placed with PartitionFor, like the Kafka producer does.
type MemoryBroker struct {
	partitions  int
	logger      logger.Logger
	serviceName string

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	done   chan struct{}
}

type memoryTopic struct {
	logs      [][]Message
	committed []int64
	notify    chan struct{}
}

func NewMemoryBroker(partitions int, log logger.Logger) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &MemoryBroker{
		partitions: partitions,
		logger:     log,
		topics:     make(map[string]*memoryTopic),
		done:       make(chan struct{}),
	}
}

func (b *MemoryBroker) Partitions() int {
	return b.partitions
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{
			logs:      make([][]Message, b.partitions),
			committed: make([]int64, b.partitions),
			notify:    make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	t := b.topic(topic)
	partition := PartitionFor(key, b.partitions)
	var copied map[string]string
	if len(headers) > 0 {
		copied = make(map[string]string, len(headers))
		for k, v := range headers {
			copied[k] = v
		}
	}
	t.logs[partition] = append(t.logs[partition], Message{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(len(t.logs[partition])),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Headers:   copied,
		Time:      time.Now(),
	})
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

// Messages returns every record published to topic, partition by partition.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	var out []Message
	for _, log := range t.logs {
		out = append(out, log...)
	}
	return out
}

// Committed returns the next offset the consumer group would read from a partition.
func (b *MemoryBroker) Committed(topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok || partition < 0 || partition >= len(t.committed) {
		return 0
	}
	return t.committed[partition]
}

// NewSource starts reading topic from the committed offsets.
func (b *MemoryBroker) NewSource(topic string) *MemorySource {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	positions := make([]int64, b.partitions)
	copy(positions, t.committed)
	return &MemorySource{broker: b, topic: topic, positions: positions, closed: make(chan struct{})}
}

func (b *MemoryBroker) SetServiceName(name string) {
	b.serviceName = name
}

// Consume implements Consumer on top of a MemorySource.
func (b *MemoryBroker) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	source := b.NewSource(topic)
	defer source.Close()

	for {
		m, err := source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, ErrBrokerClosed) {
				return nil
			}
			return err
		}
		if err := processWithRetry(ctx, retry.DefaultPolicy(), m, handler, b.logger, b.serviceName); err != nil {
			b.logger.ErrorwCtx(ctx, "Failed to process message after retries",
				"error", err,
				"topic", topic,
				"offset", m.Offset,
			)
		}
		_ = source.Commit(ctx, m)
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type MemorySource struct {
	broker    *MemoryBroker
	topic     string
	positions []int64
	next      int
	closeOnce sync.Once
	closed    chan struct{}
}

// Fetch returns the next unread record, visiting partitions round robin so a
// busy partition cannot starve the others.
func (s *MemorySource) Fetch(ctx context.Context) (Message, error) {
	for {
		s.broker.mu.Lock()
		if s.broker.closed {
			s.broker.mu.Unlock()
			return Message{}, ErrBrokerClosed
		}
		t := s.broker.topic(s.topic)
		for i := 0; i < len(t.logs); i++ {
			p := (s.next + i) % len(t.logs)
			if s.positions[p] < int64(len(t.logs[p])) {
				m := t.logs[p][s.positions[p]]
				s.positions[p]++
				s.next = (p + 1) % len(t.logs)
				s.broker.mu.Unlock()
				return m, nil
			}
		}
		notify := t.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.closed:
			return Message{}, ErrBrokerClosed
		case <-s.broker.done:
			return Message{}, ErrBrokerClosed
		case <-notify:
		}
	}
}

func (s *MemorySource) Commit(_ context.Context, msgs ...Message) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	t := s.broker.topic(s.topic)
	for _, m := range msgs {
		if m.Partition < 0 || m.Partition >= len(t.committed) {
			continue
		}
		if next := m.Offset + 1; next > t.committed[m.Partition] {
			t.committed[m.Partition] = next
		}
	}
	return nil
}

func (s *MemorySource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
