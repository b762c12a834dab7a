package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnFinishOnce(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	turn := Turn{CreatedAt: created}
	require.True(t, turn.Open())

	require.True(t, turn.Finish(OutcomeCompleted, created.Add(time.Second)))
	assert.Equal(t, StatusSuccess, turn.Status)
	assert.NotEmpty(t, turn.ID)
	assert.False(t, turn.Open())

	// terminal states are final
	require.False(t, turn.Finish(OutcomeErrored, created.Add(time.Minute)))
	assert.Equal(t, OutcomeCompleted, turn.Outcome)
	assert.Equal(t, created.Add(time.Second), turn.FinishedAt)
}

func TestTurnFinishClampsToCreatedAt(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	turn := Turn{CreatedAt: created}
	turn.Finish(OutcomeTimedOut, created.Add(-time.Hour))
	assert.Equal(t, created, turn.FinishedAt)
	assert.Equal(t, StatusError, turn.Status)
}

func TestNewSessionDefaults(t *testing.T) {
	s := NewSession("u-1")
	assert.Equal(t, "u-1", s.UserID)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.ConversationRef)
	assert.False(t, s.CreatedAt.IsZero())
}
