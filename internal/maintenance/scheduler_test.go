package maintenance

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := NewScheduler(Config{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Task: func() error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerTriggerNow(t *testing.T) {
	var runs atomic.Int64
	s := NewScheduler(Config{
		Name:     "test",
		Interval: time.Hour, // never fires during the test
		Task: func() error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	defer s.Stop()

	s.TriggerNow()
	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := NewScheduler(Config{
		Name:     "test",
		Interval: time.Hour,
		Task:     func() error { return errors.New("never runs") },
	})

	s.Start()
	s.Stop()
	s.Stop()
}
