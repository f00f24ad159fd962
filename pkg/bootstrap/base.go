package bootstrap

import (
	"context"
	"fmt"

	"ruleengine/internal/broker"
	"ruleengine/internal/config"
	"ruleengine/internal/logger"
	"ruleengine/pkg/health"
)

// Base carries what every rule-engine process needs: configuration, logger
// and the message broker.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Broker *broker.Broker
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker connects the configured transport. instance identifies this process
// for broadcast topics.
func (b *Base) InitBroker(serviceName, instance string) error {
	br, err := broker.New(b.Config.Broker, instance, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if serviceName != "" {
		br.Consumer.SetServiceName(serviceName)
		br.Broadcast.SetServiceName(serviceName)
	}
	b.Broker = br

	b.Logger.Infow("Broker initialised", "type", b.Config.Broker.Type)
	return nil
}

// RegisterBrokerHealth adds a Kafka checker when the broker is Kafka.
func (b *Base) RegisterBrokerHealth(registry *health.CheckerRegistry) {
	if b.Config.Broker.Type == "kafka" {
		registry.Register(health.NewKafkaChecker(b.Config.Broker.Kafka.Brokers))
	}
}

func (b *Base) ShutdownBroker() []error {
	if b.Broker == nil {
		return nil
	}
	if err := b.Broker.Close(); err != nil {
		return []error{fmt.Errorf("broker close error: %w", err)}
	}
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
