package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClockAt(start)

	require.Equal(t, start, c.Now())

	c.Advance(1500 * time.Millisecond)
	require.Equal(t, start.Add(1500*time.Millisecond), c.Now())

	c.Set(start)
	require.Equal(t, start, c.Now())
}

func TestSystemClockMovesForward(t *testing.T) {
	c := NewSystemClock()
	a := c.Now()
	b := c.Now()
	assert.False(t, b.Before(a))
}

func TestEpochMillisRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ms := ToEpochMillis(at)
	require.True(t, FromEpochMillis(ms).Equal(at))
}
