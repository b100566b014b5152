package overrides

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SessionEffort_RoundTrip(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.SetSessionEffort("sess-1", EffortHigh))
	effort, ok := s.SessionEffort("sess-1")
	assert.True(t, ok)
	assert.Equal(t, EffortHigh, effort)

	// Applying the same override twice is idempotent.
	require.NoError(t, s.SetSessionEffort("sess-1", EffortHigh))
	effort2, ok2 := s.SessionEffort("sess-1")
	assert.True(t, ok2)
	assert.Equal(t, effort, effort2)
}

func TestStore_SessionEffort_ClearedRemovesOverride(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetSessionEffort("sess-1", EffortLow))
	require.NoError(t, s.SetSessionEffort("sess-1", EffortCleared))

	_, ok := s.SessionEffort("sess-1")
	assert.False(t, ok)
}

func TestStore_SessionEffort_RejectsInvalidValue(t *testing.T) {
	s := NewStore()
	err := s.SetSessionEffort("sess-1", Effort("extreme"))
	assert.Error(t, err)
}

func TestStore_PinnedConfig_SessionTakesPrecedenceOverGlobal(t *testing.T) {
	s := NewStore()
	s.SetGlobalPinnedConfig("backup")
	s.SetSessionPinnedConfig("sess-1", "primary")

	sessionPin, ok := s.SessionPinnedConfig("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "primary", sessionPin)

	globalPin, ok := s.GlobalPinnedConfig()
	assert.True(t, ok)
	assert.Equal(t, "backup", globalPin)
}

func TestStore_ClearingPinnedConfigWithEmptyString(t *testing.T) {
	s := NewStore()
	s.SetSessionPinnedConfig("sess-1", "primary")
	s.SetSessionPinnedConfig("sess-1", "")

	_, ok := s.SessionPinnedConfig("sess-1")
	assert.False(t, ok)
}

func TestStore_SessionSnapshot_ReflectsBothOverrides(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetSessionEffort("sess-1", EffortMedium))
	s.SetSessionPinnedConfig("sess-1", "backup")

	snap := s.SessionSnapshot("sess-1")
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, "medium", snap.Effort)
	assert.Equal(t, "backup", snap.PinnedConfig)
}
