package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

const (
	// DefaultStaleAfter 是心跳超过多久未刷新就视为所在进程已崩溃
	DefaultStaleAfter = 90 * time.Second
	sweepBatchSize    = 100
	// 每次清理最多处理的批次数，避免单次任务运行过久
	maxSweepBatches = 10
)

// SweepStats 是一次后台清理的结果
type SweepStats struct {
	ExpiredLocks     int
	StaleConnections int
}

// Janitor 负责断线清理和后台清理（过期锁、崩溃进程遗留的连接），并广播相应事件。
type Janitor struct {
	store      repository.CollabStore
	presence   *PresenceService
	locks      *LockService
	staleAfter time.Duration
	now        func() time.Time
}

// NewJanitor 创建 Janitor 实例。now 为 nil 时使用 time.Now。
func NewJanitor(store repository.CollabStore, presence *PresenceService, locks *LockService, staleAfter time.Duration, now func() time.Time) *Janitor {
	if store == nil || presence == nil || locks == nil {
		panic("dependencies cannot be nil for Janitor")
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Janitor{store: store, presence: presence, locks: locks, staleAfter: staleAfter, now: now}
}

// CleanupConnection 把连接移出所有房间、释放它的所有锁，并广播 presence_update 和 slot_released。
// 对同一连接重复调用是安全的。
func (j *Janitor) CleanupConnection(ctx context.Context, connID string) (domain.CleanupResult, error) {
	res, err := j.store.CleanupConnection(ctx, connID)
	if err != nil {
		logrus.WithField("conn_id", connID).WithError(err).Warn("Janitor: connection cleanup failed")
		return domain.CleanupResult{}, mapStoreError(err)
	}

	j.locks.PublishReleased(ctx, res.Released)
	for _, dep := range res.Rooms {
		if dep.Departed {
			j.presence.Broadcast(ctx, dep.Room)
		}
	}

	if len(res.Rooms) > 0 || len(res.Released) > 0 {
		logrus.WithFields(logrus.Fields{
			"conn_id":        connID,
			"rooms":          len(res.Rooms),
			"released_locks": len(res.Released),
		}).Info("Janitor: connection cleaned up")
	}
	return res, nil
}

// Sweep 释放已过期的锁并清理心跳超时的连接。可以被跳过或延迟执行，
// 加锁时的惰性过期检查保证正确性不依赖于它。
func (j *Janitor) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := j.now()

	for i := 0; i < maxSweepBatches; i++ {
		released, err := j.store.ExpireLocks(ctx, now, sweepBatchSize)
		if err != nil {
			return stats, mapStoreError(err)
		}
		j.locks.PublishReleased(ctx, released)
		stats.ExpiredLocks += len(released)
		if len(released) < sweepBatchSize {
			break
		}
	}

	stale, err := j.store.StaleConnections(ctx, now.Add(-j.staleAfter), sweepBatchSize)
	if err != nil {
		return stats, mapStoreError(err)
	}
	for _, connID := range stale {
		if _, err := j.CleanupConnection(ctx, connID); err != nil {
			return stats, err
		}
		stats.StaleConnections++
	}

	if stats.ExpiredLocks > 0 || stats.StaleConnections > 0 {
		logrus.WithFields(logrus.Fields{
			"expired_locks":     stats.ExpiredLocks,
			"stale_connections": stats.StaleConnections,
		}).Info("Janitor: sweep finished")
	}
	return stats, nil
}
