package recent

import (
	"sync"
	"time"

	"github.com/sentinelops/healthd/internal/models"
)

// Store remembers when each action kind last ran against each target. It
// backs preconditions such as "do not restart a service restarted within the
// last five minutes". Entries expire lazily on read.
type Store struct {
	mu      sync.RWMutex
	marks   map[key]time.Time
	keepFor time.Duration
	now     func() time.Time
}

type key struct {
	target string
	kind   models.ActionKind
}

// NewStore creates a store that keeps marks for at least keepFor before lazy
// expiry may drop them.
func NewStore(keepFor time.Duration) *Store {
	if keepFor <= 0 {
		keepFor = time.Hour
	}
	return &Store{
		marks:   make(map[key]time.Time),
		keepFor: keepFor,
		now:     time.Now,
	}
}

// Mark records that the action kind just ran against the target.
func (s *Store) Mark(target string, kind models.ActionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key{target: target, kind: kind}] = s.now()
}

// Within reports whether the action kind ran against the target inside the
// given window.
func (s *Store) Within(target string, kind models.ActionKind, window time.Duration) bool {
	s.mu.RLock()
	at, ok := s.marks[key{target: target, kind: kind}]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	age := s.now().Sub(at)
	if age > s.keepFor {
		s.mu.Lock()
		if current, still := s.marks[key{target: target, kind: kind}]; still && current.Equal(at) {
			delete(s.marks, key{target: target, kind: kind})
		}
		s.mu.Unlock()
		return false
	}
	return age <= window
}
