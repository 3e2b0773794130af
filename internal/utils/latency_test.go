package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindowSummary(t *testing.T) {
	w := NewLatencyWindow(200)
	for i := 1; i <= 100; i++ {
		w.Record(time.Duration(i) * time.Millisecond)
	}

	stats := w.Summary()
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 50500*time.Microsecond, stats.Average)
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 95*time.Millisecond, stats.P95)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
}

func TestLatencyWindowEmpty(t *testing.T) {
	w := NewLatencyWindow(8)

	assert.Equal(t, 0, w.Count())
	assert.Equal(t, LatencyStats{}, w.Summary())
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Record(time.Duration(i) * time.Millisecond)
	}

	stats := w.Summary()
	assert.Equal(t, 4, stats.Count)
	// Only 7ms..10ms survive.
	assert.Equal(t, 8*time.Millisecond, stats.P50)
	assert.Equal(t, 10*time.Millisecond, stats.Max)
}

func TestLatencyWindowClampsNegative(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Record(-5 * time.Millisecond)

	stats := w.Summary()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, time.Duration(0), stats.Max)
}
