package recent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinelops/healthd/internal/models"
)

func TestStoreWithinWindow(t *testing.T) {
	s := NewStore(time.Hour)
	current := time.Now()
	s.now = func() time.Time { return current }

	assert.False(t, s.Within("svc-a", models.ActionRestartService, 5*time.Minute))

	s.Mark("svc-a", models.ActionRestartService)
	assert.True(t, s.Within("svc-a", models.ActionRestartService, 5*time.Minute))

	// Other targets and kinds are independent.
	assert.False(t, s.Within("svc-b", models.ActionRestartService, 5*time.Minute))
	assert.False(t, s.Within("svc-a", models.ActionClearCache, 5*time.Minute))

	current = current.Add(6 * time.Minute)
	assert.False(t, s.Within("svc-a", models.ActionRestartService, 5*time.Minute))
}

func TestStoreLazyExpiry(t *testing.T) {
	s := NewStore(10 * time.Minute)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Mark("svc-a", models.ActionRestartService)
	current = current.Add(11 * time.Minute)

	assert.False(t, s.Within("svc-a", models.ActionRestartService, 30*time.Minute))

	s.mu.RLock()
	_, kept := s.marks[key{target: "svc-a", kind: models.ActionRestartService}]
	s.mu.RUnlock()
	assert.False(t, kept)
}
