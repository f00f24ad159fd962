package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ruleengine/internal/actor"
	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
)

type tenantMsg interface {
	isTenantMsg()
}

type deliverMsg struct {
	env models.Envelope
	ack AckFunc
}

type chainEventMsg struct {
	event models.ChainUpdateEvent
}

type tenantStatsMsg struct {
	reply chan TenantStats
}

func (deliverMsg) isTenantMsg() {}
func (chainEventMsg) isTenantMsg() {}
func (tenantStatsMsg) isTenantMsg() {}

type chainEntry struct {
	actor      *chainActor
	inflight   atomic.Int64
	lastActive atomic.Int64
}

func (e *chainEntry) touch(now time.Time) {
	e.lastActive.Store(now.UnixNano())
}

type unavailableChain struct {
	err   error
	since time.Time
}

type ChainStats struct {
	ChainID  uuid.UUID `json:"chain_id"`
	InFlight int64     `json:"in_flight"`
	IdleFor  string    `json:"idle_for"`
}

type UnavailableChainStats struct {
	ChainID uuid.UUID `json:"chain_id"`
	Error   string    `json:"error"`
	Since   time.Time `json:"since"`
}

type TenantStats struct {
	TenantID    uuid.UUID               `json:"tenant_id"`
	Chains      []ChainStats            `json:"chains"`
	Unavailable []UnavailableChainStats `json:"unavailable,omitempty"`
}

// tenantActor owns the chain actors of one tenant. It loads chains on first use,
// evicts idle ones and fails messages for chains that cannot start.
type tenantActor struct {
	tenantID uuid.UUID
	rt       *runtime
	log      logger.Logger

	mailbox     *actor.Mailbox[tenantMsg]
	chains      map[uuid.UUID]*chainEntry
	unavailable map[uuid.UUID]unavailableChain
	rootChainID uuid.UUID
	chainCount  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newTenantActor(tenantID uuid.UUID, rt *runtime) *tenantActor {
	return &tenantActor{
		tenantID:    tenantID,
		rt:          rt,
		log:         rt.log.Named("tenant_id", tenantID.String()),
		mailbox:     actor.NewMailbox[tenantMsg](),
		chains:      make(map[uuid.UUID]*chainEntry),
		unavailable: make(map[uuid.UUID]unavailableChain),
		done:        make(chan struct{}),
	}
}

func (t *tenantActor) start(parent context.Context) {
	t.ctx, t.cancel = context.WithCancel(parent)
	go t.run()
}

func (t *tenantActor) stop() {
	t.cancel()
	<-t.done
}

func (t *tenantActor) deliver(env models.Envelope, ack AckFunc) bool {
	return t.mailbox.Post(deliverMsg{env: env, ack: ack})
}

func (t *tenantActor) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.rt.settings.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.shutdown()
			return
		case <-ticker.C:
			t.evictIdle()
		case <-t.mailbox.Ready():
			for _, msg := range t.mailbox.Drain() {
				t.handle(msg)
			}
		}
	}
}

func (t *tenantActor) handle(msg tenantMsg) {
	switch m := msg.(type) {
	case deliverMsg:
		t.dispatch(m.env, m.ack)
	case chainEventMsg:
		t.onChainEvent(m.event)
	case tenantStatsMsg:
		m.reply <- t.stats()
	}
}

func (t *tenantActor) dispatch(env models.Envelope, ack AckFunc) {
	entry, err := t.chainFor(env.ChainID())
	if err != nil {
		ack(Outcome{Status: StatusFailed, Err: err, Envelope: env})
		return
	}
	if env.ChainID() == uuid.Nil {
		env = env.WithChainID(entry.actor.chainID)
	}

	now := t.rt.now()
	entry.inflight.Add(1)
	entry.touch(now)
	wrapped := func(o Outcome) {
		entry.inflight.Add(-1)
		entry.touch(t.rt.now())
		ack(o)
	}

	if !entry.actor.deliver(env, wrapped) {
		wrapped(Outcome{
			Status:   StatusFailed,
			Err:      apperrors.ErrChainUnavailable.WithDetail("chain_id", entry.actor.chainID.String()),
			Envelope: env,
		})
	}
}

// chainFor returns the running actor for chainID, starting it when needed. A nil
// chainID selects the tenant's root chain.
func (t *tenantActor) chainFor(chainID uuid.UUID) (*chainEntry, error) {
	if chainID == uuid.Nil {
		chainID = t.rootChainID
	}
	if chainID != uuid.Nil {
		if entry, ok := t.chains[chainID]; ok {
			return entry, nil
		}
		if u, ok := t.unavailable[chainID]; ok {
			return nil, u.err
		}
	}

	graph, err := t.loadGraph(chainID)
	if err != nil {
		unavailable := apperrors.ErrChainUnavailable.WithCause(err)
		if chainID != uuid.Nil {
			unavailable = unavailable.WithDetail("chain_id", chainID.String())
			if apperrors.IsNotFound(err) || apperrors.IsConfiguration(err) {
				t.markUnavailable(chainID, unavailable)
			}
		}
		t.log.Warnw("Failed to load rule chain", "chain_id", chainID.String(), "error", err)
		return nil, unavailable
	}

	if chainID == uuid.Nil {
		t.rootChainID = graph.ChainID
		if entry, ok := t.chains[graph.ChainID]; ok {
			return entry, nil
		}
		if u, ok := t.unavailable[graph.ChainID]; ok {
			return nil, u.err
		}
	}
	return t.startChain(graph)
}

func (t *tenantActor) loadGraph(chainID uuid.UUID) (*models.ChainGraph, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.rt.settings.ExternalCallTimeout)
	defer cancel()

	if chainID == uuid.Nil {
		return t.rt.loader.RootChain(ctx, t.tenantID)
	}
	return t.rt.loader.LoadChain(ctx, t.tenantID, chainID)
}

func (t *tenantActor) startChain(graph *models.ChainGraph) (*chainEntry, error) {
	chainID := graph.ChainID

	var err error
	if graph.TenantID != t.tenantID {
		err = apperrors.ErrConfiguration.WithMessage(fmt.Sprintf("chain %s belongs to another tenant", chainID))
	} else {
		err = t.rt.registry.Validate(graph)
	}

	var ca *chainActor
	if err == nil {
		ca, err = newChainActor(chainActorConfig{
			tenantID: t.tenantID,
			graph:    graph,
			registry: t.rt.registry,
			settings: t.rt.settings,
			breakers: t.rt.breakers,
			scripts:  t.rt.scripts,
			log:      t.log,
			now:      t.rt.now,
		})
	}
	if err != nil {
		unavailable := apperrors.ErrChainUnavailable.WithCause(err).WithDetail("chain_id", chainID.String())
		t.markUnavailable(chainID, unavailable)
		t.log.Errorw("Rule chain failed to start",
			"chain_id", chainID.String(),
			"error_code", apperrors.CodeOf(err),
			"error", err,
		)
		t.notify(chainID, models.LifecycleFailed, err)
		return nil, unavailable
	}

	ca.start(t.ctx)
	entry := &chainEntry{actor: ca}
	entry.touch(t.rt.now())
	t.chains[chainID] = entry
	t.chainCount.Add(1)
	metrics.RuleEngineChainActors.Inc()

	t.log.Infow("Rule chain started",
		"chain_id", chainID.String(),
		"nodes", len(graph.Nodes),
		"version", graph.Version,
	)
	t.notify(chainID, models.LifecycleStarted, nil)
	return entry, nil
}

func (t *tenantActor) markUnavailable(chainID uuid.UUID, err error) {
	t.unavailable[chainID] = unavailableChain{err: err, since: t.rt.now()}
}

func (t *tenantActor) stopChain(chainID uuid.UUID, reason string) {
	entry, ok := t.chains[chainID]
	if !ok {
		return
	}
	delete(t.chains, chainID)
	entry.actor.stop()
	t.chainCount.Add(-1)
	metrics.RuleEngineChainActors.Dec()

	t.log.Infow("Rule chain stopped", "chain_id", chainID.String(), "reason", reason)
	t.notify(chainID, models.LifecycleStopped, nil)
}

func (t *tenantActor) onChainEvent(event models.ChainUpdateEvent) {
	if event.EventType != models.EventTypeChainUpdated {
		return
	}

	t.log.Infow("Rule chain changed",
		"chain_id", event.ChainID.String(),
		"action", event.Action,
		"changed_by", event.ChangedBy,
	)

	// The root assignment may have moved to another chain.
	t.rootChainID = uuid.Nil
	delete(t.unavailable, event.ChainID)
	t.stopChain(event.ChainID, event.Action)
	t.rt.breakers.RemoveChain(event.ChainID)
}

func (t *tenantActor) evictIdle() {
	now := t.rt.now()
	idle := t.rt.settings.ChainIdleTimeout

	for chainID, entry := range t.chains {
		if entry.inflight.Load() > 0 {
			continue
		}
		if now.Sub(time.Unix(0, entry.lastActive.Load())) >= idle {
			t.stopChain(chainID, "idle")
		}
	}
	for chainID, u := range t.unavailable {
		if now.Sub(u.since) >= idle {
			delete(t.unavailable, chainID)
		}
	}
}

func (t *tenantActor) shutdown() {
	for chainID := range t.chains {
		t.stopChain(chainID, "tenant stopped")
	}

	unavailable := apperrors.ErrChainUnavailable.WithMessage("tenant actor stopped")
	for _, msg := range t.mailbox.Close() {
		switch m := msg.(type) {
		case deliverMsg:
			m.ack(Outcome{Status: StatusFailed, Err: unavailable, Envelope: m.env})
		case tenantStatsMsg:
			m.reply <- t.stats()
		}
	}
}

func (t *tenantActor) stats() TenantStats {
	now := t.rt.now()
	s := TenantStats{TenantID: t.tenantID, Chains: make([]ChainStats, 0, len(t.chains))}
	for chainID, entry := range t.chains {
		s.Chains = append(s.Chains, ChainStats{
			ChainID:  chainID,
			InFlight: entry.inflight.Load(),
			IdleFor:  now.Sub(time.Unix(0, entry.lastActive.Load())).Truncate(time.Second).String(),
		})
	}
	sort.Slice(s.Chains, func(i, j int) bool {
		return s.Chains[i].ChainID.String() < s.Chains[j].ChainID.String()
	})
	for chainID, u := range t.unavailable {
		s.Unavailable = append(s.Unavailable, UnavailableChainStats{ChainID: chainID, Error: u.err.Error(), Since: u.since})
	}
	return s
}

func (t *tenantActor) notify(chainID uuid.UUID, event string, err error) {
	metrics.IncChainEvent(event)
	if t.rt.notifier == nil {
		return
	}

	e := models.ChainLifecycleEvent{
		TenantID:  t.tenantID,
		ChainID:   chainID,
		Event:     event,
		Timestamp: t.rt.now(),
	}
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = apperrors.CodeOf(err)
	}
	t.rt.notifier.ChainLifecycle(context.WithoutCancel(t.ctx), e)
}
