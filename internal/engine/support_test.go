package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
)

// recorder records what the test node kinds observe.
type recorder struct {
	mu        sync.Mutex
	calls     map[string]int
	seen      map[string][]models.Envelope
	destroyed map[string]int
	started   chan string
}

func newRecorder() *recorder {
	return &recorder{
		calls:     make(map[string]int),
		seen:      make(map[string][]models.Envelope),
		destroyed: make(map[string]int),
		started:   make(chan string, 1024),
	}
}

func (p *recorder) record(nodeID string, env models.Envelope) {
	p.mu.Lock()
	p.calls[nodeID]++
	p.seen[nodeID] = append(p.seen[nodeID], env)
	p.mu.Unlock()

	select {
	case p.started <- nodeID:
	default:
	}
}

func (p *recorder) callCount(nodeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[nodeID]
}

func (p *recorder) envelopes(nodeID string) []models.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Envelope, len(p.seen[nodeID]))
	copy(out, p.seen[nodeID])
	return out
}

func (p *recorder) destroyCount(nodeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed[nodeID]
}

type testNodeConfig struct {
	Relation string `json:"relation"`
	Count    int    `json:"count"`
	Delay    string `json:"delay"`
}

// testNode behaves according to its kind; every kind records its invocations.
type testNode struct {
	kind   string
	recorder  *recorder
	nodeID string
	cfg    testNodeConfig
	delay  time.Duration
	inits  atomic.Int32
}

func (n *testNode) Init(raw json.RawMessage, ictx InitContext) error {
	n.inits.Add(1)
	n.nodeID = ictx.NodeID
	n.cfg = testNodeConfig{Relation: models.RelationSuccess, Count: 1}
	if err := DecodeConfig(raw, &n.cfg); err != nil {
		return err
	}
	if n.cfg.Delay != "" {
		d, err := time.ParseDuration(n.cfg.Delay)
		if err != nil {
			return ConfigError("delay", "invalid duration %q", n.cfg.Delay)
		}
		n.delay = d
	}
	if n.kind == "test.badconfig" {
		return ConfigError("relation", "always rejected")
	}
	return nil
}

func (n *testNode) OnMessage(ctx Context, env models.Envelope) {
	n.recorder.record(n.nodeID, env)

	switch n.kind {
	case "test.pass":
		for i := 0; i < n.cfg.Count; i++ {
			ctx.Route(env, n.cfg.Relation)
		}

	case "test.async":
		delay := n.delay
		ctx.ExternalCall("sleep", func(callCtx context.Context) (interface{}, error) {
			select {
			case <-time.After(delay):
				return "ok", nil
			case <-callCtx.Done():
				return nil, callCtx.Err()
			}
		}, func(_ interface{}, err error) {
			if err != nil {
				ctx.Fail(env, err)
				return
			}
			ctx.Route(env, n.cfg.Relation)
		})

	case "test.block":
		ctx.ExternalCall("block", func(callCtx context.Context) (interface{}, error) {
			<-callCtx.Done()
			return nil, callCtx.Err()
		}, func(_ interface{}, err error) {
			ctx.Fail(env, err)
		})

	case "test.fail":
		ctx.Fail(env, apperrors.ErrPermanent.WithMessage("rejected by test node"))

	case "test.transient":
		ctx.Fail(env, apperrors.ErrTransient.WithMessage("dependency unavailable"))

	case "test.routefail":
		ctx.Route(env, n.cfg.Relation)
		ctx.Fail(env, apperrors.ErrTransient.WithMessage("flaky after routing"))

	case "test.routeblock":
		ctx.Route(env, n.cfg.Relation)
		ctx.ExternalCall("block", func(callCtx context.Context) (interface{}, error) {
			<-callCtx.Done()
			return nil, callCtx.Err()
		}, func(_ interface{}, err error) {
			ctx.Fail(env, err)
		})

	case "test.silent":

	case "test.panic":
		panic("test node exploded")
	}
}

func (n *testNode) Destroy() {
	n.recorder.mu.Lock()
	n.recorder.destroyed[n.nodeID]++
	n.recorder.mu.Unlock()
}

var testKinds = []string{
	"test.pass",
	"test.async",
	"test.block",
	"test.fail",
	"test.transient",
	"test.routefail",
	"test.routeblock",
	"test.silent",
	"test.panic",
	"test.badconfig",
}

func newTestRegistry(p *recorder) *Registry {
	reg := NewRegistry()
	for _, kind := range testKinds {
		kind := kind
		reg.MustRegister(Descriptor{
			Type:          kind,
			Relations:     []string{models.RelationSuccess, models.RelationFailure},
			ConfigVersion: 1,
			New: func() Node {
				return &testNode{kind: kind, recorder: p}
			},
		})
	}
	reg.MustRegister(Descriptor{
		Type:             "test.switch",
		DynamicRelations: true,
		ConfigVersion:    1,
		New: func() Node {
			return &testNode{kind: "test.pass", recorder: p}
		},
	})
	return reg
}
