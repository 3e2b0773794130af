package recovery

import (
	"sync"

	"github.com/sentinelops/healthd/internal/models"
)

// executionLog is a bounded ring of finished executions with copy-on-read
// snapshots for concurrent readers.
type executionLog struct {
	mu       sync.RWMutex
	entries  []models.Execution
	capacity int
}

func newExecutionLog(capacity int) *executionLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &executionLog{capacity: capacity}
}

func (l *executionLog) append(exec models.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, exec)
	if len(l.entries) > l.capacity {
		copy(l.entries[0:], l.entries[1:])
		l.entries = l.entries[:l.capacity]
	}
}

// last returns the most recent n executions, oldest first.
func (l *executionLog) last(n int) []models.Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	if n == 0 {
		return nil
	}
	out := make([]models.Execution, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

func (l *executionLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
