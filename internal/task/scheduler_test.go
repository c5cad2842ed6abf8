package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name string
	runs atomic.Int32
	err  error
}

func (t *countingTask) Name() string { return t.name }

func (t *countingTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	return t.err
}

type fakeRecoverer struct {
	olderThan time.Duration
	n         int
	err       error
}

func (f *fakeRecoverer) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	f.olderThan = olderThan
	return f.n, f.err
}

type fakePruner struct {
	before time.Time
}

func (f *fakePruner) DeleteOldRecords(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	s := NewScheduler(nil)
	failing := &countingTask{name: "failing", err: errors.New("boom")}
	ok := &countingTask{name: "ok"}
	s.RegisterTask(failing, time.Hour)
	s.RegisterTask(ok, time.Hour)

	s.RunOnce(context.Background())
	assert.Equal(t, int32(1), failing.runs.Load())
	assert.Equal(t, int32(1), ok.runs.Load())
}

func TestStartRunsEachTaskOnItsOwnInterval(t *testing.T) {
	s := NewScheduler(nil)
	fast := &countingTask{name: "fast"}
	slow := &countingTask{name: "slow"}
	idle := &countingTask{name: "idle"}
	s.RegisterTask(fast, 10*time.Millisecond)
	s.RegisterTask(slow, time.Hour)
	s.RegisterTask(idle, 0)

	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return fast.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), slow.runs.Load())
	assert.Equal(t, int32(0), idle.runs.Load())

	after := fast.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fast.runs.Load())
	s.Stop()
}

func TestStalledDocumentTask(t *testing.T) {
	rec := &fakeRecoverer{n: 2}
	task := NewStalledDocumentTask(rec, 30*time.Minute, nil)
	assert.Equal(t, "stalled_document_recovery", task.Name())
	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 30*time.Minute, rec.olderThan)

	rec.err = errors.New("db down")
	assert.Error(t, task.Run(context.Background()))
}

func TestUsageRetentionTask(t *testing.T) {
	p := &fakePruner{}
	task := NewUsageRetentionTask(p, 24*time.Hour)
	require.NoError(t, task.Run(context.Background()))
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.before, time.Minute)
}
