package repository

import (
	"context"
	"time"

	"soundboard-collab/internal/domain"
)

// CollabStore 定义了跨进程共享的协作状态（在线成员、slot 锁、连接登记），由 Redis 实现。
// 所有变更在存储端原子执行，调用方不做两次往返的读-改-写。
type CollabStore interface {
	// === Connections ===

	// RegisterConnection 记录连接所属用户，并把连接加入该用户的全局连接集合。
	RegisterConnection(ctx context.Context, connID string, member domain.Member, now time.Time) error

	// TouchConnection 刷新连接心跳并续期连接名下的房间状态。
	// alive 为 false 表示连接已被清理，不会被重新登记。
	TouchConnection(ctx context.Context, connID string, now time.Time) (alive bool, err error)

	// StaleConnections 返回心跳早于 cutoff 的连接（通常是所在进程已崩溃）。
	StaleConnections(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// UserConnections 返回某个用户的所有在线连接。
	UserConnections(ctx context.Context, userID uint) ([]string, error)

	// === Presence ===

	// AddConnectionToRoom 把连接加入房间，幂等。匿名连接只登记连接，不进入成员列表。
	AddConnectionToRoom(ctx context.Context, room string, member domain.Member, connID string) error

	// RemoveConnectionFromRoom 把连接移出房间，返回该用户在房间内剩余的连接数，
	// departed 为 true 表示用户因此从成员列表中移除。
	RemoveConnectionFromRoom(ctx context.Context, room string, member domain.Member, connID string) (remaining int, departed bool, err error)

	// ListUsersInRoom 返回房间内的用户，按连接去重。
	ListUsersInRoom(ctx context.Context, room string) ([]domain.Member, error)

	// === Locks ===

	// TryAcquireLock 原子 CAS：无锁或锁已过期时成功；他人持有未过期的锁时失败且不覆盖。
	TryAcquireLock(ctx context.Context, req domain.LockRequest) (domain.LockResult, error)

	// ReleaseLock 仅当调用者是持有者时释放，否则返回 false 和当前持有者。
	ReleaseLock(ctx context.Context, room, slot string, userID uint) (released bool, holder domain.Member, err error)

	// RenewLock 仅当调用者持有未过期的锁时延长 TTL。
	RenewLock(ctx context.Context, req domain.LockRequest) (renewed bool, expiresAt time.Time, err error)

	// ListLocks 返回房间内在 now 时刻仍有效的锁。
	ListLocks(ctx context.Context, room string, now time.Time) ([]domain.SlotLock, error)

	// ReleaseConnectionLocks 强制释放连接在某个房间（room 为空表示所有房间）持有的锁。
	ReleaseConnectionLocks(ctx context.Context, connID, room string) ([]domain.ReleasedLock, error)

	// ExpireLocks 释放所有在 now 时刻已过期的锁。
	ExpireLocks(ctx context.Context, now time.Time, limit int) ([]domain.ReleasedLock, error)

	// === Cleanup ===

	// CleanupConnection 原子地把连接移出所有房间并释放它持有的所有锁。
	CleanupConnection(ctx context.Context, connID string) (domain.CleanupResult, error)
}
