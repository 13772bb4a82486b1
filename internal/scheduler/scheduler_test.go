package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSchedulerRunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New(10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRunNowTriggersImmediately(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()

	s.RunNow()
	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopIsIdempotentAndHaltsRuns(t *testing.T) {
	var runs atomic.Int32
	s := New(10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	s.Start(context.Background())
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	count := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, runs.Load())
}

func TestSchedulerSurvivesFailingAndPanickingJobs(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Hour, func(context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("transient")
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()

	s.RunNow()
	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The loop is still alive after the panic.
	s.RunNow()
	assert.Eventually(t, func() bool { return runs.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStartTwiceIsNoOp(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	s.RunNow()
	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A single kick runs once even with Start called twice.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}
