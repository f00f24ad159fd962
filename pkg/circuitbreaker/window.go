package circuitbreaker

import (
	"sync/atomic"
	"time"
)

const (
	countBits = 24
	countMask = 1<<countBits - 1
	epochMask = 1<<(64-countBits) - 1
)

// SlidingWindow counts events over the last window using a ring of buckets.
// Each bucket packs its epoch and count into one word so updates are a single CAS.
type SlidingWindow struct {
	buckets []atomic.Uint64
	width   int64
	now     func() time.Time
}

func NewSlidingWindow(window time.Duration, buckets int, now func() time.Time) *SlidingWindow {
	if buckets <= 0 {
		buckets = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	width := int64(window) / int64(buckets)
	if width <= 0 {
		width = 1
	}
	return &SlidingWindow{
		buckets: make([]atomic.Uint64, buckets),
		width:   width,
		now:     now,
	}
}

func (w *SlidingWindow) epoch() uint64 {
	return uint64(w.now().UnixNano()/w.width) & epochMask
}

func (w *SlidingWindow) Add(n uint64) {
	epoch := w.epoch()
	b := &w.buckets[epoch%uint64(len(w.buckets))]
	for {
		cur := b.Load()
		var next uint64
		if cur>>countBits == epoch {
			count := cur&countMask + n
			if count > countMask {
				count = countMask
			}
			next = epoch<<countBits | count
		} else {
			next = epoch<<countBits | min(n, countMask)
		}
		if b.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Count returns the number of events recorded within the window.
func (w *SlidingWindow) Count() uint64 {
	now := w.epoch()
	size := uint64(len(w.buckets))

	var total uint64
	for i := range w.buckets {
		v := w.buckets[i].Load()
		if v == 0 {
			continue
		}
		age := (now - v>>countBits) & epochMask
		if age < size {
			total += v & countMask
		}
	}
	return total
}

func (w *SlidingWindow) Reset() {
	for i := range w.buckets {
		w.buckets[i].Store(0)
	}
}
