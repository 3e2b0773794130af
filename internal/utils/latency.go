package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyStats is a point-in-time summary of recorded probe durations.
type LatencyStats struct {
	Count   int
	Average time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// LatencyWindow keeps the most recent duration samples in a fixed-size ring
// and summarises them on demand. Safe for concurrent use.
type LatencyWindow struct {
	mu     sync.RWMutex
	ring   []time.Duration
	next   int
	filled bool
}

// NewLatencyWindow creates a window over the last size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 512
	}
	return &LatencyWindow{ring: make([]time.Duration, size)}
}

// Record adds one sample, evicting the oldest once the ring is full.
// Negative durations are clamped to zero.
func (w *LatencyWindow) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	w.ring[w.next] = d
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.filled = true
	}
	w.mu.Unlock()
}

// Count returns the number of samples currently held.
func (w *LatencyWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.filled {
		return len(w.ring)
	}
	return w.next
}

// Summary computes count, mean, percentiles and max over the held samples.
// An empty window yields the zero LatencyStats.
func (w *LatencyWindow) Summary() LatencyStats {
	w.mu.RLock()
	var samples []time.Duration
	if w.filled {
		samples = append([]time.Duration(nil), w.ring...)
	} else {
		samples = append([]time.Duration(nil), w.ring[:w.next]...)
	}
	w.mu.RUnlock()

	n := len(samples)
	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, s := range samples {
		total += s
	}

	// Nearest-rank percentile: the smallest sample at or above rank p/100*n.
	rank := func(p int) time.Duration {
		idx := (p*n + 99) / 100
		if idx < 1 {
			idx = 1
		}
		return samples[idx-1]
	}

	return LatencyStats{
		Count:   n,
		Average: total / time.Duration(n),
		P50:     rank(50),
		P95:     rank(95),
		P99:     rank(99),
		Max:     samples[n-1],
	}
}
