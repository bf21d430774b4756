package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/service"
	"soundboard-collab/internal/tasks"
)

// Sweeper 执行一轮过期锁和失联连接的清理，由 service.Janitor 实现。
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepStats, error)
}

// LockSweepHandler 处理周期性的清理任务
type LockSweepHandler struct {
	sweeper Sweeper
}

// NewLockSweepHandler 创建 Handler 实例
func NewLockSweepHandler(sweeper Sweeper) *LockSweepHandler {
	if sweeper == nil {
		panic("Sweeper cannot be nil for LockSweepHandler")
	}
	return &LockSweepHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *LockSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
	})

	payload, err := tasks.ParseLockSweepPayload(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("scheduled_by", payload.Node)

	stats, err := h.sweeper.Sweep(ctx)
	if err != nil {
		// 下一轮调度会重试，不需要 asynq 重试
		logCtx.WithError(err).Warn("Lock sweep failed")
		return fmt.Errorf("lock sweep failed: %v: %w", err, asynq.SkipRetry)
	}

	entry := logCtx.WithFields(logrus.Fields{
		"expired_locks":     stats.ExpiredLocks,
		"stale_connections": stats.StaleConnections,
	})
	if stats.ExpiredLocks > 0 || stats.StaleConnections > 0 {
		entry.Info("Lock sweep processed")
	} else {
		entry.Debug("Lock sweep processed, nothing to clean")
	}
	return nil
}
