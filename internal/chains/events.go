package chains

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleengine/internal/broker"
	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

// EventApplier is the part of the engine that reacts to chain changes.
type EventApplier interface {
	HandleChainEvent(event models.ChainUpdateEvent)
}

// EventHandler consumes the chain-events topic and forwards each event to the engine.
type EventHandler struct {
	applier EventApplier
	logger  logger.Logger
}

func NewEventHandler(applier EventApplier, log logger.Logger) *EventHandler {
	return &EventHandler{applier: applier, logger: log}
}

func (h *EventHandler) HandleMessage(ctx context.Context, msg broker.Message) error {
	var event models.ChainUpdateEvent
	if err := jsoncodec.Unmarshal(msg.Value, &event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to decode chain event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return apperrors.ErrValidation.WithMessage("undecodable chain event").WithCause(err)
	}

	if event.TenantID == uuid.Nil {
		h.logger.WarnwCtx(ctx, "Chain event missing tenant_id", "event_type", event.EventType)
		return nil
	}

	switch event.EventType {
	case models.EventTypeChainUpdated:
		if event.ChainID == uuid.Nil {
			h.logger.WarnwCtx(ctx, "Chain event missing chain_id", "tenant_id", event.TenantID.String())
			return nil
		}
	case models.EventTypeTenantDeleted:
	default:
		h.logger.DebugwCtx(ctx, "Ignoring chain event", "event_type", event.EventType)
		return nil
	}

	h.logger.InfowCtx(ctx, "Received chain update event",
		"event_type", event.EventType,
		"action", event.Action,
		"tenant_id", event.TenantID.String(),
		"chain_id", event.ChainID.String(),
		"changed_by", event.ChangedBy,
	)
	h.applier.HandleChainEvent(event)
	return nil
}

// EventPublisher announces chain changes on the chain-events topic.
type EventPublisher struct {
	producer broker.Producer
	topic    string
	now      func() time.Time
}

func NewEventPublisher(producer broker.Producer, topic string) *EventPublisher {
	return &EventPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *EventPublisher) PublishChainUpdated(ctx context.Context, tenantID, chainID uuid.UUID, action, changedBy string) error {
	return p.publish(ctx, models.ChainUpdateEvent{
		EventType: models.EventTypeChainUpdated,
		TenantID:  tenantID,
		ChainID:   chainID,
		Action:    action,
		Timestamp: p.now().UTC(),
		ChangedBy: changedBy,
	})
}

func (p *EventPublisher) PublishTenantDeleted(ctx context.Context, tenantID uuid.UUID, changedBy string) error {
	return p.publish(ctx, models.ChainUpdateEvent{
		EventType: models.EventTypeTenantDeleted,
		TenantID:  tenantID,
		Action:    models.ActionDelete,
		Timestamp: p.now().UTC(),
		ChangedBy: changedBy,
	})
}

func (p *EventPublisher) publish(ctx context.Context, event models.ChainUpdateEvent) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}

	body, err := jsoncodec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal chain event: %w", err)
	}

	// Keyed by tenant so events of one tenant stay ordered.
	headers := map[string]string{"event_type": event.EventType}
	if err := p.producer.Publish(ctx, p.topic, event.TenantID[:], body, headers); err != nil {
		return fmt.Errorf("failed to publish chain event: %w", err)
	}
	return nil
}

// NotifyingRepository publishes a chain-updated event after every successful
// save or delete of the wrapped repository.
type NotifyingRepository struct {
	Repository
	publisher *EventPublisher
	changedBy string
}

func NewNotifyingRepository(repo Repository, publisher *EventPublisher, changedBy string) *NotifyingRepository {
	return &NotifyingRepository{Repository: repo, publisher: publisher, changedBy: changedBy}
}

func (r *NotifyingRepository) SaveChain(ctx context.Context, graph *models.ChainGraph) error {
	action := models.ActionCreate
	if _, err := r.Repository.LoadChain(ctx, graph.TenantID, graph.ChainID); err == nil {
		action = models.ActionUpdate
	}
	if err := r.Repository.SaveChain(ctx, graph); err != nil {
		return err
	}
	return r.publisher.PublishChainUpdated(ctx, graph.TenantID, graph.ChainID, action, r.changedBy)
}

func (r *NotifyingRepository) DeleteChain(ctx context.Context, tenantID, chainID uuid.UUID) error {
	if err := r.Repository.DeleteChain(ctx, tenantID, chainID); err != nil {
		return err
	}
	return r.publisher.PublishChainUpdated(ctx, tenantID, chainID, models.ActionDelete, r.changedBy)
}
