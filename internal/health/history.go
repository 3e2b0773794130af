package health

import (
	"sync"
	"time"

	"github.com/sentinelops/healthd/internal/models"
)

// History is a capacity-bounded ring of health records. It has a single
// writer (the manager's cycle) and supports concurrent readers through
// copy-on-read snapshots.
type History struct {
	mu       sync.RWMutex
	records  []models.HealthHistoryRecord
	capacity int
}

// NewHistory creates a ring holding up to capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 500
	}
	return &History{capacity: capacity}
}

// Append adds a record, evicting the oldest when full.
func (h *History) Append(record models.HealthHistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, record)
	if len(h.records) > h.capacity {
		copy(h.records[0:], h.records[1:])
		h.records = h.records[:h.capacity]
	}
}

// Since returns a copy of every record newer than the cutoff.
func (h *History) Since(cutoff time.Time) []models.HealthHistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.HealthHistoryRecord, 0, len(h.records))
	for _, record := range h.records {
		if record.Timestamp.After(cutoff) {
			out = append(out, record)
		}
	}
	return out
}

// Last returns the most recent n records, oldest first.
func (h *History) Last(n int) []models.HealthHistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || len(h.records) == 0 {
		return nil
	}
	if n > len(h.records) {
		n = len(h.records)
	}
	out := make([]models.HealthHistoryRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// Len reports the number of retained records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
