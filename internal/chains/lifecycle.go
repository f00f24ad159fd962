package chains

import (
	"context"
	"sync"

	"ruleengine/internal/actor"
	"ruleengine/internal/broker"
	"ruleengine/internal/logger"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

type lifecycleItem struct {
	ctx   context.Context
	event models.ChainLifecycleEvent
}

// LifecycleNotifier logs chain lifecycle events and publishes them to the
// lifecycle topic from its own goroutine, so a slow broker never holds up the
// actor that reported the event.
type LifecycleNotifier struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
	mailbox  *actor.Mailbox[lifecycleItem]
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewLifecycleNotifier(producer broker.Producer, topic string, log logger.Logger) *LifecycleNotifier {
	n := &LifecycleNotifier{
		producer: producer,
		topic:    topic,
		logger:   log,
		mailbox:  actor.NewMailbox[lifecycleItem](),
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *LifecycleNotifier) ChainLifecycle(ctx context.Context, event models.ChainLifecycleEvent) {
	fields := []interface{}{
		"tenant_id", event.TenantID.String(),
		"chain_id", event.ChainID.String(),
		"event", event.Event,
	}
	if event.Event == models.LifecycleFailed {
		n.logger.WarnwCtx(ctx, "Rule chain lifecycle event", append(fields, "error_code", event.ErrorCode, "error", event.Error)...)
	} else {
		n.logger.InfowCtx(ctx, "Rule chain lifecycle event", fields...)
	}

	if n.producer == nil || n.topic == "" {
		return
	}
	if !n.mailbox.Post(lifecycleItem{ctx: ctx, event: event}) {
		n.logger.Warnw("Lifecycle notifier is closed, event not published", fields...)
	}
}

func (n *LifecycleNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.mailbox.Ready():
			for _, item := range n.mailbox.Drain() {
				n.publish(item)
			}
		}
	}
}

func (n *LifecycleNotifier) publish(item lifecycleItem) {
	body, err := jsoncodec.Marshal(item.event)
	if err != nil {
		n.logger.Errorw("Failed to marshal lifecycle event", "error", err)
		return
	}
	key := item.event.TenantID[:]
	if err := n.producer.Publish(item.ctx, n.topic, key, body, map[string]string{"event": item.event.Event}); err != nil {
		n.logger.ErrorwCtx(item.ctx, "Failed to publish lifecycle event",
			"error", err,
			"chain_id", item.event.ChainID.String(),
			"event", item.event.Event,
		)
	}
}

// Close publishes what is still queued and stops the notifier.
func (n *LifecycleNotifier) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.wg.Wait()
		for _, item := range n.mailbox.Close() {
			n.publish(item)
		}
	})
	return nil
}
