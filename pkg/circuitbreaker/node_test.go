package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ruleengine/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSlidingWindow_ExpiresOldBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	w := NewSlidingWindow(time.Minute, 60, clock.Now)

	w.Add(5)
	clock.Advance(30 * time.Second)
	w.Add(3)
	assert.Equal(t, uint64(8), w.Count())

	clock.Advance(31 * time.Second)
	assert.Equal(t, uint64(3), w.Count())

	clock.Advance(time.Minute)
	assert.Equal(t, uint64(0), w.Count())
}

func TestSlidingWindow_ConcurrentAdds(t *testing.T) {
	w := NewSlidingWindow(time.Minute, 60, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), w.Count())
}

func TestNodeBreaker_OpensAfterThresholdExceeded(t *testing.T) {
	registry := NewRegistry(DefaultNodeConfig())
	key := Key{ChainID: uuid.New(), NodeID: "external"}

	for i := 0; i < 201; i++ {
		done, err := registry.Allow(key)
		require.NoError(t, err, "failure %d should still be admitted", i+1)
		done(false)
	}

	_, err := registry.Allow(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, gobreaker.StateOpen, registry.Get(key).State())
}

func TestNodeBreaker_StaysClosedAtThreshold(t *testing.T) {
	registry := NewRegistry(DefaultNodeConfig())
	key := Key{ChainID: uuid.New(), NodeID: "n"}

	for i := 0; i < 200; i++ {
		done, err := registry.Allow(key)
		require.NoError(t, err)
		done(false)
	}

	done, err := registry.Allow(key)
	require.NoError(t, err)
	done(true)
	assert.Equal(t, gobreaker.StateClosed, registry.Get(key).State())
}

func TestNodeBreaker_HalfOpenTrial(t *testing.T) {
	cfg := NodeConfig{Enabled: true, FailureThreshold: 2, Window: time.Minute, CoolDown: 20 * time.Millisecond, HalfOpenMaxRequests: 1}
	registry := NewRegistry(cfg)
	key := Key{ChainID: uuid.New(), NodeID: "n"}

	trip := func() {
		for i := 0; i < 3; i++ {
			done, err := registry.Allow(key)
			if err != nil {
				return
			}
			done(false)
		}
	}

	trip()
	require.Equal(t, gobreaker.StateOpen, registry.Get(key).State())

	assert.Eventually(t, func() bool {
		return registry.Get(key).State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	trial, err := registry.Allow(key)
	require.NoError(t, err)

	_, err = registry.Allow(key)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen, "only one trial admitted while half-open")

	trial(false)
	assert.Equal(t, gobreaker.StateOpen, registry.Get(key).State())

	assert.Eventually(t, func() bool {
		return registry.Get(key).State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	trial, err = registry.Allow(key)
	require.NoError(t, err)
	trial(true)
	assert.Equal(t, gobreaker.StateClosed, registry.Get(key).State())
	assert.Equal(t, uint64(0), registry.Get(key).Failures())
}

func TestRegistry_Disabled(t *testing.T) {
	registry := NewRegistry(NodeConfig{Enabled: false, FailureThreshold: 1})
	key := Key{ChainID: uuid.New(), NodeID: "n"}

	for i := 0; i < 10; i++ {
		done, err := registry.Allow(key)
		require.NoError(t, err)
		done(false)
	}
}

func TestRegistry_RemoveChain(t *testing.T) {
	registry := NewRegistry(DefaultNodeConfig())
	chainID := uuid.New()
	other := uuid.New()

	registry.Get(Key{ChainID: chainID, NodeID: "a"})
	registry.Get(Key{ChainID: chainID, NodeID: "b"})
	registry.Get(Key{ChainID: other, NodeID: "a"})
	require.Len(t, registry.Snapshot(), 3)

	registry.RemoveChain(chainID)
	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, other.String()+"/a", snapshot[0].Name)
}
