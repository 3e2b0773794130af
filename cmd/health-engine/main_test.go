package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/healthd/internal/config"
	"github.com/sentinelops/healthd/internal/models"
)

func TestRecoveryHandlersDemoUsesSimulated(t *testing.T) {
	handlers, err := recoveryHandlers(config.RecoveryConfig{Enabled: true}, true)
	require.NoError(t, err)
	for _, kind := range models.KnownActionKinds {
		assert.Contains(t, handlers, kind)
	}
}

func TestRecoveryHandlersRunRefusesWithoutOptIn(t *testing.T) {
	_, err := recoveryHandlers(config.RecoveryConfig{Enabled: true}, false)
	require.ErrorIs(t, err, errNoRecoveryHandlers)
}

func TestRecoveryHandlersRunSimulatedOptIn(t *testing.T) {
	handlers, err := recoveryHandlers(config.RecoveryConfig{Enabled: true, Simulated: true}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, handlers)
}
