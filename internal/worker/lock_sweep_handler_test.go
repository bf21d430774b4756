package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundboard-collab/internal/service"
	"soundboard-collab/internal/tasks"
)

type fakeSweeper struct {
	stats service.SweepStats
	err   error
	calls int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (service.SweepStats, error) {
	f.calls++
	return f.stats, f.err
}

func TestLockSweepHandler_RunsSweep(t *testing.T) {
	sweeper := &fakeSweeper{stats: service.SweepStats{ExpiredLocks: 2, StaleConnections: 1}}
	task, err := tasks.NewLockSweepTask("node-1", 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, NewLockSweepHandler(sweeper).ProcessTask(context.Background(), task))
	assert.Equal(t, 1, sweeper.calls)
}

func TestLockSweepHandler_FailureSkipsRetry(t *testing.T) {
	sweeper := &fakeSweeper{err: service.ErrStoreUnavailable}
	task, err := tasks.NewLockSweepTask("node-1", 0)
	require.NoError(t, err)

	err = NewLockSweepHandler(sweeper).ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestLockSweepHandler_BadPayload(t *testing.T) {
	sweeper := &fakeSweeper{}
	err := NewLockSweepHandler(sweeper).ProcessTask(context.Background(), asynq.NewTask(tasks.TypeLockSweep, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Zero(t, sweeper.calls)
}

func TestLockSweepHandler_EmptyPayload(t *testing.T) {
	sweeper := &fakeSweeper{}
	require.NoError(t, NewLockSweepHandler(sweeper).ProcessTask(context.Background(), asynq.NewTask(tasks.TypeLockSweep, nil)))
	assert.Equal(t, 1, sweeper.calls)
}

func TestWorkerServer_MuxRoutesLockSweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	ws := &WorkerServer{sweeper: sweeper}
	task, err := tasks.NewLockSweepTask("node-1", 0)
	require.NoError(t, err)

	require.NoError(t, ws.Mux().ProcessTask(context.Background(), task))
	assert.Equal(t, 1, sweeper.calls)
}
