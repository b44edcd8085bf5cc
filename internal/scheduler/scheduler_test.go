package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		spec string
		ok   bool
	}{
		{"@hourly", true},
		{"@daily", true},
		{"@weekly", true},
		{"@monthly", true},
		{"@yearly", true},
		{"@every 90s", true},
		{"0 0 */12 * * *", true},
		{"*/5 * * * * *", true},
		// A trailing year field is tolerated.
		{"0 0 4 * * * 2030", true},
		{"not a spec", false},
		{"* * *", false},
	}

	for _, tc := range cases {
		_, err := ParseSpec(tc.spec)
		if tc.ok {
			assert.NoError(t, err, "spec %q", tc.spec)
		} else {
			assert.Error(t, err, "spec %q", tc.spec)
		}
	}
}

func TestNextRunOrdering(t *testing.T) {
	hourly, err := ParseSpec("@hourly")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next := hourly.Next(now)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestRunJob(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	require.NoError(t, s.Register("test", "Test job", "@yearly", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.RunJob(ctx, "test"))

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.RunJob(ctx, "missing"), ErrJobNotFound)
}

func TestLatestRunRecordsError(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	require.NoError(t, s.Register("failing", "Failing job", "@yearly", func(ctx context.Context) error {
		return boom
	}))

	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.RunJob(ctx, "failing"))

	assert.Eventually(t, func() bool {
		for _, status := range s.List() {
			if status.ID == "failing" && status.Latest != nil {
				return status.Latest.Error == "boom"
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchDueJobs(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	require.NoError(t, s.Register("fast", "Fast job", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	require.NoError(t, s.Register("slow", "Slow job", "@yearly", func(ctx context.Context) error {
		n := concurrent.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(100 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}))

	s.Start(ctx)
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RunJob(ctx, "slow"))
	}

	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, maxSeen.Load(), int32(1), "overlapping runs of one job must skip")
}

func TestListAndIntrospection(t *testing.T) {
	s := New()

	require.NoError(t, s.Register("b", "B", "@daily", func(ctx context.Context) error { return nil }))
	require.NoError(t, s.Register("a", "A", "@hourly", func(ctx context.Context) error { return nil }))

	statuses := s.List()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].ID)
	assert.Equal(t, "@hourly", statuses[0].Schedule)
	assert.True(t, statuses[0].Enabled)
	assert.False(t, statuses[0].NextRun.IsZero())

	require.NoError(t, s.SetEnabled("a", false))
	for _, status := range s.List() {
		if status.ID == "a" {
			assert.False(t, status.Enabled)
		}
	}
}
