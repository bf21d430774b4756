package domain

import "time"

// SlotLock 描述一个 (room, slot) 上的独占编辑锁。
type SlotLock struct {
	Room       string    `json:"board_id"`
	Slot       string    `json:"sound_id"`
	OwnerID    uint      `json:"user_id"`
	OwnerName  string    `json:"user"`
	ConnID     string    `json:"-"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired 判断锁在 now 时刻是否已过期。
func (l SlotLock) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// LockRequest 是一次加锁/续期请求。Now 由调用方注入，便于测试。
type LockRequest struct {
	Room   string
	Slot   string
	Owner  Member
	ConnID string
	TTL    time.Duration
	Now    time.Time
}

// LockResult 是加锁结果。加锁冲突不是错误，Holder 指明当前持有者。
type LockResult struct {
	Acquired  bool
	Renewed   bool // 同一用户重复加锁
	Holder    Member
	ExpiresAt time.Time
}

// ReleasedLock 记录一次被释放的锁，调用方据此广播 slot_released。
type ReleasedLock struct {
	Room    string
	Slot    string
	OwnerID uint
}

// RoomDeparture 记录连接清理时离开的房间，Departed 表示用户的最后一个连接已关闭。
type RoomDeparture struct {
	Room     string
	UserID   uint
	Departed bool
}

// CleanupResult 是 CleanupConnection 的返回值。
type CleanupResult struct {
	ConnID   string
	Rooms    []RoomDeparture
	Released []ReleasedLock
}

// LockedPayload 把锁转换为 slot_locked 的数据。
func (l SlotLock) LockedPayload() SlotLockedPayload {
	return SlotLockedPayload{
		SoundID:   l.Slot,
		User:      Member{ID: l.OwnerID, Username: l.OwnerName}.DisplayName(),
		UserID:    l.OwnerID,
		ExpiresAt: l.ExpiresAt.UnixMilli(),
	}
}
