package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"ruleengine/internal/actor"
	"ruleengine/internal/constants"
	"ruleengine/internal/logger"
	"ruleengine/pkg/circuitbreaker"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/logging"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
	"ruleengine/pkg/tracing"
)

type chainMsg interface {
	isChainMsg()
}

type inboundMsg struct {
	env      models.Envelope
	ack      AckFunc
	received time.Time
}

type asyncResultMsg struct {
	invocationID uint64
	apply        func()
}

type timeoutMsg struct {
	invocationID uint64
}

type retryMsg struct {
	task *task
}

func (inboundMsg) isChainMsg() {}
func (asyncResultMsg) isChainMsg() {}
func (timeoutMsg) isChainMsg() {}
func (retryMsg) isChainMsg() {}

type nodeRuntime struct {
	def       models.NodeDefinition
	node      Node
	relations map[string]struct{}
	edges     map[string][]*nodeRuntime
	destroy   sync.Once
}

// tracked is the state of one inbound envelope inside the chain. pending counts
// the live message paths spawned from it.
type tracked struct {
	env      models.Envelope
	ack      AckFunc
	received time.Time
	pending  int
	err      error
	acked    bool
}

type task struct {
	msg     *tracked
	node    *nodeRuntime
	env     models.Envelope
	hops    int
	attempt int
	backoff backoff.BackOff
}

type invocation struct {
	id           uint64
	task         *task
	ctx          context.Context
	cancel       context.CancelFunc
	span         trace.Span
	timer        *time.Timer
	breakerDone  func(success bool)
	started      time.Time
	pendingAsync int
	routed       int
	failed       bool
	failEnv      models.Envelope
	err          error
	closed       bool
	log          logger.Logger
}

type chainActorConfig struct {
	tenantID uuid.UUID
	graph    *models.ChainGraph
	registry *Registry
	settings Settings
	breakers *circuitbreaker.Registry
	scripts  script.Executor
	log      logger.Logger
	now      func() time.Time
}

// chainActor owns one live chain graph. All node invocations, routing and
// acknowledgments happen on its single goroutine.
type chainActor struct {
	tenantID uuid.UUID
	chainID  uuid.UUID
	nodes    map[string]*nodeRuntime
	entry    *nodeRuntime
	settings Settings
	breakers *circuitbreaker.Registry
	scripts  script.Executor
	log      logger.Logger
	now      func() time.Time
	chainTag string

	mailbox        *actor.Mailbox[chainMsg]
	queue          []*task
	messages       map[*tracked]struct{}
	invocations    map[uint64]*invocation
	nextInvocation uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newChainActor initialises every node of the graph. Any init failure destroys
// the nodes created so far and is returned as CONFIGURATION_ERROR.
func newChainActor(cfg chainActorConfig) (*chainActor, error) {
	graph := cfg.graph
	a := &chainActor{
		tenantID:    cfg.tenantID,
		chainID:     graph.ChainID,
		nodes:       make(map[string]*nodeRuntime, len(graph.Nodes)),
		settings:    cfg.settings,
		breakers:    cfg.breakers,
		scripts:     cfg.scripts,
		log:         cfg.log.Named("chain_id", graph.ChainID.String()),
		now:         cfg.now,
		chainTag:    graph.ChainID.String(),
		mailbox:     actor.NewMailbox[chainMsg](),
		messages:    make(map[*tracked]struct{}),
		invocations: make(map[uint64]*invocation),
		done:        make(chan struct{}),
	}

	for _, def := range graph.Nodes {
		rt, err := a.initNode(cfg.registry, def)
		if err != nil {
			a.destroyNodes()
			return nil, err
		}
		a.nodes[def.ID] = rt
	}

	for _, c := range graph.Connections {
		from := a.nodes[c.From]
		from.edges[c.Relation] = append(from.edges[c.Relation], a.nodes[c.To])
	}
	a.entry = a.nodes[graph.EntryNodeID]

	return a, nil
}

func (a *chainActor) initNode(registry *Registry, def models.NodeDefinition) (*nodeRuntime, error) {
	node, relations, err := registry.instantiate(def, InitContext{
		TenantID: a.tenantID,
		ChainID:  a.chainID,
		NodeID:   def.ID,
		Logger:   a.log.Named("node_id", def.ID, "node_type", def.Type),
	})
	if err != nil {
		return nil, err
	}

	rt := &nodeRuntime{
		def:       def,
		node:      node,
		relations: make(map[string]struct{}, len(relations)),
		edges:     make(map[string][]*nodeRuntime),
	}
	for _, r := range relations {
		rt.relations[r] = struct{}{}
	}
	return rt, nil
}

func (a *chainActor) start(parent context.Context) {
	a.ctx, a.cancel = context.WithCancel(parent)
	go a.run()
}

// stop cancels every pending operation, fails in-flight messages with
// CHAIN_UNAVAILABLE and destroys the nodes. It returns once the actor has exited.
func (a *chainActor) stop() {
	a.cancel()
	<-a.done
}

func (a *chainActor) deliver(env models.Envelope, ack AckFunc) bool {
	return a.mailbox.Post(inboundMsg{env: env, ack: ack, received: a.now()})
}

func (a *chainActor) post(msg chainMsg) {
	a.mailbox.Post(msg)
}

func (a *chainActor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			a.shutdown()
			return
		case <-a.mailbox.Ready():
			for _, msg := range a.mailbox.Drain() {
				a.handle(msg)
			}
			a.process()
		}
	}
}

func (a *chainActor) handle(msg chainMsg) {
	switch m := msg.(type) {
	case inboundMsg:
		t := &tracked{env: m.env, ack: m.ack, received: m.received, pending: 1}
		a.messages[t] = struct{}{}
		a.queue = append(a.queue, &task{msg: t, node: a.entry, env: m.env, hops: 1, attempt: 1})

	case asyncResultMsg:
		inv, ok := a.invocations[m.invocationID]
		if !ok {
			return
		}
		inv.pendingAsync--
		a.safely(inv, m.apply)
		a.maybeComplete(inv)

	case timeoutMsg:
		inv, ok := a.invocations[m.invocationID]
		if !ok {
			return
		}
		if !inv.failed {
			inv.failed = true
			inv.failEnv = inv.task.env
			inv.err = apperrors.ErrTimeout.
				WithMessage(fmt.Sprintf("node %s exceeded its %s deadline", inv.task.node.def.ID, a.settings.NodeTimeout))
		}
		inv.pendingAsync = 0
		a.complete(inv)

	case retryMsg:
		if _, live := a.messages[m.task.msg]; live {
			a.queue = append(a.queue, m.task)
		}
	}
}

func (a *chainActor) process() {
	for len(a.queue) > 0 {
		t := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.invoke(t)
	}
	a.queue = nil
}

func (a *chainActor) invoke(t *task) {
	nodeID := t.node.def.ID

	if t.hops > a.settings.MaxHops {
		err := apperrors.ErrLoopLimitExceeded.
			WithMessage(fmt.Sprintf("message exceeded %d hops at node %s", a.settings.MaxHops, nodeID)).
			WithDetail("node_id", nodeID)
		metrics.IncNodeFailure(a.chainTag, nodeID, apperrors.CodeOf(err))
		a.log.Warnw("Message path terminated by hop limit",
			"node_id", nodeID,
			"message_id", t.msg.env.ID(),
			"hops", t.hops,
		)
		a.endPath(t, err)
		return
	}

	breakerDone, err := a.breakers.Allow(circuitbreaker.Key{ChainID: a.chainID, NodeID: nodeID})
	if err != nil {
		metrics.IncNodeInvocation(a.chainTag, nodeID, "circuit_open")
		metrics.IncNodeFailure(a.chainTag, nodeID, apperrors.CodeOf(err))
		a.endPath(t, apperrors.ErrCircuitOpen.WithCause(err).WithDetail("node_id", nodeID))
		return
	}

	a.nextInvocation++
	ctx := logging.WithNodeID(logging.WithMessageID(a.ctx, t.msg.env.ID()), nodeID)
	ctx = logging.WithChainID(logging.WithTenantID(ctx, a.tenantID.String()), a.chainTag)
	ctx = logging.WithOriginatorID(ctx, t.msg.env.Originator().ID.String())
	ctx, span := tracing.StartNodeSpan(ctx, a.chainTag, nodeID, t.node.def.Type)
	ctx, cancel := context.WithCancel(ctx)

	inv := &invocation{
		id:          a.nextInvocation,
		task:        t,
		ctx:         ctx,
		cancel:      cancel,
		span:        span,
		breakerDone: breakerDone,
		started:     a.now(),
	}
	a.invocations[inv.id] = inv

	if a.settings.NodeTimeout > 0 {
		id := inv.id
		inv.timer = time.AfterFunc(a.settings.NodeTimeout, func() {
			a.post(timeoutMsg{invocationID: id})
		})
	}

	nctx := &nodeContext{actor: a, inv: inv}
	a.safely(inv, func() {
		t.node.node.OnMessage(nctx, t.env)
	})
	a.maybeComplete(inv)
}

// safely runs node code, turning a panic into a PERMANENT_ERROR that ends the
// invocation without waiting for its outstanding async work.
func (a *chainActor) safely(inv *invocation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.RecoverPanic(r)
			a.log.Errorw("Node panicked",
				"node_id", inv.task.node.def.ID,
				"message_id", inv.task.msg.env.ID(),
				"error", err,
			)
			if !inv.failed {
				a.fail(inv, inv.task.env, err)
			}
			inv.pendingAsync = 0
		}
	}()
	fn()
}

func (a *chainActor) maybeComplete(inv *invocation) {
	if !inv.closed && inv.pendingAsync <= 0 {
		a.complete(inv)
	}
}

func (a *chainActor) complete(inv *invocation) {
	inv.closed = true
	delete(a.invocations, inv.id)
	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.cancel()

	t := inv.task
	nodeID := t.node.def.ID
	if !inv.failed && inv.routed == 0 {
		inv.failed = true
		inv.failEnv = t.env
		inv.err = apperrors.ErrPermanent.
			WithMessage(fmt.Sprintf("node %s finished without routing or failing the message", nodeID))
	}

	inv.breakerDone(!inv.failed)
	tracing.EndSpan(inv.span, inv.err)
	metrics.ObserveNodeDuration(a.chainTag, nodeID, a.now().Sub(inv.started))

	switch {
	case inv.failed && inv.routed > 0:
		a.failAfterRoute(inv)
	case inv.failed:
		metrics.IncNodeInvocation(a.chainTag, nodeID, "failure")
		a.handleFailure(t, inv.failEnv, inv.err)
	default:
		metrics.IncNodeInvocation(a.chainTag, nodeID, "success")
	}
	a.release(t.msg)
}

// failAfterRoute ends a path whose node failed or timed out after it had already
// routed. The scheduled continuations stay as they are, so the failure is neither
// retried nor sent along the Failure edge.
func (a *chainActor) failAfterRoute(inv *invocation) {
	t := inv.task
	nodeID := t.node.def.ID
	err := apperrors.ErrPermanent.
		WithMessage(fmt.Sprintf("node %s failed after routing %d envelope(s)", nodeID, inv.routed)).
		WithCause(inv.err).
		WithDetail("node_id", nodeID)

	metrics.IncNodeInvocation(a.chainTag, nodeID, "failure")
	metrics.IncNodeFailure(a.chainTag, nodeID, apperrors.CodeOf(err))
	a.log.Warnw("Node failed after routing, path ends without retry",
		"node_id", nodeID,
		"message_id", t.msg.env.ID(),
		"routed", inv.routed,
		"error", inv.err,
	)
	a.recordFailure(t.msg, err)
}

// handleFailure retries transient errors with backoff, then routes to the
// Failure edge, then drops the path.
func (a *chainActor) handleFailure(t *task, env models.Envelope, err error) {
	nodeID := t.node.def.ID
	code := apperrors.CodeOf(err)

	if apperrors.IsTransient(err) {
		if t.backoff == nil {
			t.backoff = a.settings.Retry.NewBackOff()
		}
		if delay := t.backoff.NextBackOff(); delay != backoff.Stop {
			next := &task{
				msg:     t.msg,
				node:    t.node,
				env:     t.env,
				hops:    t.hops,
				attempt: t.attempt + 1,
				backoff: t.backoff,
			}
			t.msg.pending++
			metrics.IncNodeRetry(a.chainTag, nodeID)
			a.log.Debugw("Retrying node after transient failure",
				"node_id", nodeID,
				"message_id", t.msg.env.ID(),
				"attempt", next.attempt,
				"delay", delay,
				"error", err,
			)
			time.AfterFunc(delay, func() {
				a.post(retryMsg{task: next})
			})
			return
		}
	}

	metrics.IncNodeFailure(a.chainTag, nodeID, code)

	if targets := t.node.edges[models.RelationFailure]; len(targets) > 0 {
		md := env.Metadata().
			With(constants.MetadataError, err.Error()).
			With(constants.MetadataErrorCode, code).
			With(constants.MetadataFailedNode, nodeID)
		a.schedule(t, env.WithMetadata(md), targets)
		return
	}

	a.log.Warnw("Message path dropped after node failure",
		"node_id", nodeID,
		"message_id", t.msg.env.ID(),
		"attempts", t.attempt,
		"error_code", code,
		"error", err,
	)
	a.recordFailure(t.msg, err)
}

func (a *chainActor) route(inv *invocation, env models.Envelope, relation string) {
	t := inv.task
	nodeID := t.node.def.ID
	if inv.closed || inv.failed {
		a.log.Warnw("Route after the invocation ended ignored",
			"node_id", nodeID,
			"message_id", t.msg.env.ID(),
			"relation", relation,
		)
		return
	}
	if env.QueueKey() != t.msg.env.QueueKey() {
		a.fail(inv, env, apperrors.ErrPermanent.
			WithMessage(fmt.Sprintf("node %s routed an envelope with a different queue key", nodeID)))
		return
	}

	inv.routed++
	if _, declared := t.node.relations[relation]; !declared {
		metrics.IncUnrouted(a.chainTag, nodeID, relation)
		a.log.Warnw("Node routed an undeclared relation",
			"node_id", nodeID,
			"message_id", t.msg.env.ID(),
			"relation", relation,
		)
		return
	}

	if targets := t.node.edges[relation]; len(targets) > 0 {
		a.schedule(t, env, targets)
	}
}

func (a *chainActor) fail(inv *invocation, env models.Envelope, err error) {
	if inv.closed || inv.failed {
		a.log.Warnw("Fail after the invocation ended ignored",
			"node_id", inv.task.node.def.ID,
			"message_id", inv.task.msg.env.ID(),
			"error", err,
		)
		return
	}
	if err == nil {
		err = apperrors.ErrPermanent
	}
	if env.IsZero() || env.QueueKey() != inv.task.msg.env.QueueKey() {
		env = inv.task.env
	}
	inv.failed = true
	inv.failEnv = env
	inv.err = apperrors.Permanent(err)
}

func (a *chainActor) schedule(parent *task, env models.Envelope, targets []*nodeRuntime) {
	for _, to := range targets {
		parent.msg.pending++
		a.queue = append(a.queue, &task{
			msg:     parent.msg,
			node:    to,
			env:     env,
			hops:    parent.hops + 1,
			attempt: 1,
		})
	}
}

func (a *chainActor) endPath(t *task, err error) {
	a.recordFailure(t.msg, err)
	a.release(t.msg)
}

func (a *chainActor) recordFailure(msg *tracked, err error) {
	if msg.err == nil {
		msg.err = err
	}
}

func (a *chainActor) release(msg *tracked) {
	msg.pending--
	if msg.pending > 0 {
		return
	}
	a.finish(msg)
}

func (a *chainActor) finish(msg *tracked) {
	if msg.acked {
		return
	}
	msg.acked = true
	delete(a.messages, msg)

	outcome := Outcome{Status: StatusCompleted, Envelope: msg.env, Duration: a.now().Sub(msg.received)}
	if msg.err != nil {
		outcome.Status = StatusFailed
		outcome.Err = msg.err
	}
	msg.ack(outcome)
}

func (a *chainActor) shutdown() {
	unavailable := apperrors.ErrChainUnavailable.
		WithMessage(fmt.Sprintf("rule chain %s stopped", a.chainID)).
		WithDetail("chain_id", a.chainTag)

	for id, inv := range a.invocations {
		if inv.timer != nil {
			inv.timer.Stop()
		}
		inv.cancel()
		inv.closed = true
		inv.breakerDone(false)
		tracing.EndSpan(inv.span, unavailable)
		delete(a.invocations, id)
	}
	a.queue = nil

	for msg := range a.messages {
		msg.err = unavailable
		a.finish(msg)
	}
	for _, msg := range a.mailbox.Close() {
		if in, ok := msg.(inboundMsg); ok {
			in.ack(Outcome{Status: StatusFailed, Err: unavailable, Envelope: in.env})
		}
	}

	a.destroyNodes()
}

func (a *chainActor) destroyNodes() {
	for _, rt := range a.nodes {
		rt := rt
		rt.destroy.Do(func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Errorw("Node destroy panicked", "node_id", rt.def.ID, "error", apperrors.RecoverPanic(r))
				}
			}()
			rt.node.Destroy()
		})
	}
}
