package broker

import (
	"fmt"

	"ruleengine/internal/config"
	"ruleengine/internal/logger"
)

// Broker bundles the producer and the consumers of one transport.
type Broker struct {
	Producer Producer
	Consumer Consumer
	// Broadcast delivers every record to this process regardless of how many
	// instances share the consumer group.
	Broadcast Consumer
	// NewSource opens a partitioned source over a topic for the ingestion consumer.
	NewSource func(topic string) Source
	closers   []func() error
}

func (b *Broker) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New builds the configured transport. instance names this process for
// broadcast consumption.
func New(cfg config.BrokerConfig, instance string, log logger.Logger) (*Broker, error) {
	switch cfg.Type {
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are not configured")
		}
		producer := NewKafkaProducer(cfg.Kafka, log)
		consumer := NewKafkaConsumer(cfg.Kafka, log)
		broadcast := NewKafkaBroadcastConsumer(cfg.Kafka, instance, log)
		return &Broker{
			Producer:  producer,
			Consumer:  consumer,
			Broadcast: broadcast,
			NewSource: func(topic string) Source { return NewKafkaSource(cfg.Kafka, topic) },
			closers:   []func() error{consumer.Close, broadcast.Close, producer.Close},
		}, nil
	case "memory":
		mem := NewMemoryBroker(cfg.Memory.Partitions, log)
		return &Broker{
			Producer:  mem,
			Consumer:  mem,
			Broadcast: mem,
			NewSource: func(topic string) Source { return mem.NewSource(topic) },
			closers:   []func() error{mem.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
