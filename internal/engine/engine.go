// Package engine runs tenant rule chains as actors: an engine dispatches to tenant
// actors, which own chain actors, which execute nodes one step at a time.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ruleengine/internal/actor"
	"ruleengine/internal/logger"
	"ruleengine/pkg/circuitbreaker"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
	"ruleengine/pkg/ratelimit"
	"ruleengine/pkg/script"
)

// ChainLoader reads chain graphs from storage.
type ChainLoader interface {
	LoadChain(ctx context.Context, tenantID, chainID uuid.UUID) (*models.ChainGraph, error)
	RootChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainGraph, error)
}

// LifecycleNotifier receives chain start, stop and failure events.
type LifecycleNotifier interface {
	ChainLifecycle(ctx context.Context, event models.ChainLifecycleEvent)
}

type Options struct {
	Settings Settings
	Registry *Registry
	Loader   ChainLoader
	Notifier LifecycleNotifier
	Breakers *circuitbreaker.Registry
	// Limiter admits envelopes per tenant. Nil admits everything.
	Limiter *ratelimit.Registry[uuid.UUID]
	Scripts script.Executor
	Logger  logger.Logger
	Clock   func() time.Time
}

// runtime is shared read-only by every actor of one engine.
type runtime struct {
	settings Settings
	registry *Registry
	loader   ChainLoader
	notifier LifecycleNotifier
	breakers *circuitbreaker.Registry
	scripts  script.Executor
	log      logger.Logger
	now      func() time.Time
}

type engineMsg interface {
	isEngineMsg()
}

type submitMsg struct {
	env models.Envelope
	ack AckFunc
}

type engineChainEventMsg struct {
	event models.ChainUpdateEvent
}

type engineStatsMsg struct {
	reply chan []*tenantActor
}

func (submitMsg) isEngineMsg() {}
func (engineChainEventMsg) isEngineMsg() {}
func (engineStatsMsg) isEngineMsg() {}

type tenantEntry struct {
	actor      *tenantActor
	inflight   atomic.Int64
	lastActive atomic.Int64
}

type Engine struct {
	rt      *runtime
	limiter *ratelimit.Registry[uuid.UUID]
	mailbox *actor.Mailbox[engineMsg]
	tenants map[uuid.UUID]*tenantEntry

	inflight atomic.Int64
	running  atomic.Bool
	done     chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("node registry is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("chain loader is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewRegistry(circuitbreaker.NodeConfig{})
	}

	return &Engine{
		rt: &runtime{
			settings: opts.Settings.normalized(),
			registry: opts.Registry,
			loader:   opts.Loader,
			notifier: opts.Notifier,
			breakers: opts.Breakers,
			scripts:  opts.Scripts,
			log:      opts.Logger,
			now:      opts.Clock,
		},
		limiter: opts.Limiter,
		mailbox: actor.NewMailbox[engineMsg](),
		tenants: make(map[uuid.UUID]*tenantEntry),
		done:    make(chan struct{}),
	}, nil
}

// Submit hands an envelope to the engine. ack is called exactly once with the
// outcome. A tenant over its rate limit is rejected immediately with RATE_LIMITED.
func (e *Engine) Submit(env models.Envelope, ack AckFunc) {
	received := e.rt.now()
	tenantID := env.TenantID()

	if e.limiter != nil && !e.limiter.Allow(tenantID) {
		metrics.IncMessage(StatusDropped.String())
		ack(Outcome{
			Status:   StatusDropped,
			Err:      apperrors.ErrRateLimited.WithDetail("tenant_id", tenantID.String()),
			Envelope: env,
		})
		return
	}

	e.inflight.Add(1)
	metrics.RuleEngineInFlight.Inc()
	tracked := func(o Outcome) {
		e.inflight.Add(-1)
		metrics.RuleEngineInFlight.Dec()
		metrics.IncMessage(o.Status.String())
		metrics.ObserveMessageDuration(o.Envelope.ChainID().String(), o.Status.String(), e.rt.now().Sub(received))
		ack(o)
	}

	if !e.mailbox.Post(submitMsg{env: env, ack: tracked}) {
		tracked(Outcome{
			Status:   StatusFailed,
			Err:      apperrors.ErrServiceUnavailable.WithMessage("rule engine is stopped"),
			Envelope: env,
		})
	}
}

// HandleChainEvent applies a chain or tenant change. The affected chain actor
// is stopped; the next message reloads it.
func (e *Engine) HandleChainEvent(event models.ChainUpdateEvent) {
	e.mailbox.Post(engineChainEventMsg{event: event})
}

// Run processes submissions until ctx is cancelled, then stops every tenant.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("rule engine already running")
	}
	defer close(e.done)

	ticker := time.NewTicker(e.rt.settings.EvictionInterval)
	defer ticker.Stop()

	e.rt.log.Infow("Rule engine started",
		"max_hops", e.rt.settings.MaxHops,
		"chain_idle_timeout", e.rt.settings.ChainIdleTimeout,
		"tenant_idle_timeout", e.rt.settings.TenantIdleTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.evictIdle()
		case <-e.mailbox.Ready():
			for _, msg := range e.mailbox.Drain() {
				e.handle(ctx, msg)
			}
		}
	}
}

// Done is closed after Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Running() bool {
	select {
	case <-e.done:
		return false
	default:
		return e.running.Load()
	}
}

func (e *Engine) InFlight() int64 {
	return e.inflight.Load()
}

func (e *Engine) Breakers() *circuitbreaker.Registry {
	return e.rt.breakers
}

func (e *Engine) handle(ctx context.Context, msg engineMsg) {
	switch m := msg.(type) {
	case submitMsg:
		entry := e.tenantFor(ctx, m.env.TenantID())
		entry.inflight.Add(1)
		entry.lastActive.Store(e.rt.now().UnixNano())
		ack := m.ack
		wrapped := func(o Outcome) {
			entry.inflight.Add(-1)
			entry.lastActive.Store(e.rt.now().UnixNano())
			ack(o)
		}
		if !entry.actor.deliver(m.env, wrapped) {
			wrapped(Outcome{Status: StatusFailed, Err: apperrors.ErrChainUnavailable, Envelope: m.env})
		}

	case engineChainEventMsg:
		e.onChainEvent(m.event)

	case engineStatsMsg:
		actors := make([]*tenantActor, 0, len(e.tenants))
		for _, entry := range e.tenants {
			actors = append(actors, entry.actor)
		}
		m.reply <- actors
	}
}

func (e *Engine) tenantFor(ctx context.Context, tenantID uuid.UUID) *tenantEntry {
	if entry, ok := e.tenants[tenantID]; ok {
		return entry
	}

	ta := newTenantActor(tenantID, e.rt)
	ta.start(ctx)
	entry := &tenantEntry{actor: ta}
	e.tenants[tenantID] = entry
	metrics.RuleEngineTenantActors.Inc()
	e.rt.log.Debugw("Tenant actor created", "tenant_id", tenantID.String())
	return entry
}

func (e *Engine) onChainEvent(event models.ChainUpdateEvent) {
	entry, ok := e.tenants[event.TenantID]

	switch event.EventType {
	case models.EventTypeTenantDeleted:
		if ok {
			e.stopTenant(event.TenantID, entry, "tenant deleted")
		}
		e.rt.log.Infow("Tenant deleted", "tenant_id", event.TenantID.String())
		if e.limiter != nil {
			e.limiter.Forget(event.TenantID)
		}
	case models.EventTypeChainUpdated:
		if ok {
			entry.actor.mailbox.Post(chainEventMsg{event: event})
			return
		}
		e.rt.breakers.RemoveChain(event.ChainID)
	default:
		e.rt.log.Warnw("Unknown chain event type", "event_type", event.EventType)
	}
}

func (e *Engine) stopTenant(tenantID uuid.UUID, entry *tenantEntry, reason string) {
	delete(e.tenants, tenantID)
	entry.actor.stop()
	metrics.RuleEngineTenantActors.Dec()
	e.rt.log.Infow("Tenant actor stopped", "tenant_id", tenantID.String(), "reason", reason)
}

// evictIdle stops tenants that have no chain actors and nothing in flight.
func (e *Engine) evictIdle() {
	now := e.rt.now()
	for tenantID, entry := range e.tenants {
		if entry.inflight.Load() > 0 || entry.actor.chainCount.Load() > 0 {
			continue
		}
		if now.Sub(time.Unix(0, entry.lastActive.Load())) >= e.rt.settings.TenantIdleTimeout {
			e.stopTenant(tenantID, entry, "idle")
		}
	}
}

func (e *Engine) shutdown() {
	for tenantID, entry := range e.tenants {
		e.stopTenant(tenantID, entry, "engine stopped")
	}

	stopped := apperrors.ErrServiceUnavailable.WithMessage("rule engine is stopped")
	for _, msg := range e.mailbox.Close() {
		switch m := msg.(type) {
		case submitMsg:
			m.ack(Outcome{Status: StatusFailed, Err: stopped, Envelope: m.env})
		case engineStatsMsg:
			m.reply <- nil
		}
	}
	e.rt.log.Infow("Rule engine stopped")
}

type Stats struct {
	Tenants  int           `json:"tenants"`
	Chains   int           `json:"chains"`
	InFlight int64         `json:"in_flight"`
	Details  []TenantStats `json:"details"`
}

// Stats collects a snapshot from every tenant actor.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan []*tenantActor, 1)
	if !e.mailbox.Post(engineStatsMsg{reply: reply}) {
		return Stats{}, apperrors.ErrServiceUnavailable.WithMessage("rule engine is stopped")
	}

	var actors []*tenantActor
	select {
	case actors = <-reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	stats := Stats{InFlight: e.inflight.Load(), Details: make([]TenantStats, 0, len(actors))}
	for _, ta := range actors {
		tr := make(chan TenantStats, 1)
		if !ta.mailbox.Post(tenantStatsMsg{reply: tr}) {
			continue
		}
		select {
		case ts := <-tr:
			stats.Details = append(stats.Details, ts)
			stats.Chains += len(ts.Chains)
		case <-ta.done:
		case <-ctx.Done():
			return Stats{}, ctx.Err()
		}
	}
	stats.Tenants = len(stats.Details)
	return stats, nil
}
