package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	apperrors "ruleengine/pkg/errors"
)

type NodeConfig struct {
	Enabled             bool
	FailureThreshold    int
	Window              time.Duration
	CoolDown            time.Duration
	HalfOpenMaxRequests uint32
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Enabled:             true,
		FailureThreshold:    200,
		Window:              time.Minute,
		CoolDown:            30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type Key struct {
	ChainID uuid.UUID
	NodeID  string
}

func (k Key) String() string {
	return k.ChainID.String() + "/" + k.NodeID
}

// NodeBreaker suspends one node of one chain once its failures within the window
// exceed the threshold. Invocations are asynchronous, so the two-step gobreaker API
// is used: Allow before the node runs, done once its outcome is known.
type NodeBreaker struct {
	name      string
	cb        *gobreaker.TwoStepCircuitBreaker
	failures  *SlidingWindow
	threshold uint64
}

func newNodeBreaker(name string, cfg NodeConfig, now func() time.Time) *NodeBreaker {
	b := &NodeBreaker{
		name:      name,
		failures:  NewSlidingWindow(cfg.Window, 60, now),
		threshold: uint64(cfg.FailureThreshold),
	}

	maxRequests := cfg.HalfOpenMaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.failures.Count() > b.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				b.failures.Reset()
			}
			updateCircuitBreakerMetrics(name, to)
		},
	})
	updateCircuitBreakerMetrics(name, gobreaker.StateClosed)
	return b
}

// Allow admits one invocation. The returned done must be called exactly once.
// A suspended node yields a CIRCUIT_OPEN error.
func (b *NodeBreaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			recordRequest(b.name, b.cb.State(), false)
			return nil, apperrors.ErrCircuitOpen.WithCause(err).WithDetail("breaker", b.name)
		}
		return nil, err
	}

	return func(success bool) {
		if !success {
			b.failures.Add(1)
		}
		recordRequest(b.name, b.cb.State(), success)
		done(success)
	}, nil
}

func (b *NodeBreaker) Name() string { return b.name }
func (b *NodeBreaker) State() gobreaker.State { return b.cb.State() }
func (b *NodeBreaker) Failures() uint64 { return b.failures.Count() }

type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures uint64 `json:"failures"`
}

// Registry holds the breakers of one engine keyed by (chainId, nodeId).
type Registry struct {
	cfg      NodeConfig
	now      func() time.Time
	breakers sync.Map
}

func NewRegistry(cfg NodeConfig) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

func NewRegistryWithClock(cfg NodeConfig, now func() time.Time) *Registry {
	return &Registry{cfg: cfg, now: now}
}

func (r *Registry) Enabled() bool {
	return r != nil && r.cfg.Enabled
}

// Allow admits an invocation of the node identified by key. When the registry is
// disabled every call is admitted.
func (r *Registry) Allow(key Key) (func(success bool), error) {
	if !r.Enabled() {
		return func(bool) {}, nil
	}
	return r.Get(key).Allow()
}

func (r *Registry) Get(key Key) *NodeBreaker {
	if b, ok := r.breakers.Load(key); ok {
		return b.(*NodeBreaker)
	}
	b, _ := r.breakers.LoadOrStore(key, newNodeBreaker(key.String(), r.cfg, r.now))
	return b.(*NodeBreaker)
}

// RemoveChain drops every breaker of a deleted chain.
func (r *Registry) RemoveChain(chainID uuid.UUID) {
	r.breakers.Range(func(k, _ any) bool {
		if k.(Key).ChainID == chainID {
			r.breakers.Delete(k)
		}
		return true
	})
}

func (r *Registry) Snapshot() []Status {
	var out []Status
	r.breakers.Range(func(_, v any) bool {
		b := v.(*NodeBreaker)
		out = append(out, Status{Name: b.Name(), State: b.State().String(), Failures: b.Failures()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
