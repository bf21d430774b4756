package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// DefaultLockTTL 是未配置时的锁有效期
const DefaultLockTTL = 2 * time.Minute

// LockService 负责 slot 锁的获取、续期和释放，并广播 slot_locked / slot_released。
// 加锁冲突不是错误，通过 LockResult 返回。
type LockService struct {
	store repository.CollabStore
	bus   repository.EventBus
	ttl   time.Duration
	now   func() time.Time
}

// NewLockService 创建 LockService 实例。now 为 nil 时使用 time.Now。
func NewLockService(store repository.CollabStore, bus repository.EventBus, ttl time.Duration, now func() time.Time) *LockService {
	if store == nil || bus == nil {
		panic("CollabStore and EventBus cannot be nil for LockService")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if now == nil {
		now = time.Now
	}
	return &LockService{store: store, bus: bus, ttl: ttl, now: now}
}

// TTL 返回锁的有效期
func (s *LockService) TTL() time.Duration { return s.ttl }

func (s *LockService) request(room, slot string, member domain.Member, connID string) domain.LockRequest {
	return domain.LockRequest{Room: room, Slot: slot, Owner: member, ConnID: connID, TTL: s.ttl, Now: s.now()}
}

// Request 尝试加锁。成功时向房间内其他连接广播 slot_locked（请求者自己收到 lock_granted）；
// 失败时只把当前持有者返回给请求者。存储错误一律视为加锁失败。
func (s *LockService) Request(ctx context.Context, room, slot string, member domain.Member, connID string) (domain.LockResult, error) {
	if !domain.ValidID(room) || !domain.ValidID(slot) {
		return domain.LockResult{}, ErrInvalidRequest
	}
	if member.IsAnonymous() {
		return domain.LockResult{}, ErrAnonymous
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": room, "slot_id": slot, "user_id": member.ID, "conn_id": connID})

	res, err := s.store.TryAcquireLock(ctx, s.request(room, slot, member, connID))
	if err != nil {
		logCtx.WithError(err).Warn("LockService: lock acquisition failed closed")
		return domain.LockResult{}, mapStoreError(err)
	}
	if !res.Acquired {
		logCtx.WithField("holder_id", res.Holder.ID).Debug("LockService: slot already locked")
		return res, nil
	}

	ev, err := domain.NewEvent(domain.RoomTopic(room), domain.EventSlotLocked, domain.SlotLockedPayload{
		SoundID:   slot,
		User:      member.DisplayName(),
		UserID:    member.ID,
		ExpiresAt: res.ExpiresAt.UnixMilli(),
	})
	if err == nil {
		ev.Origin = connID
		ev.ExcludeOrigin = true
		err = s.bus.Publish(ctx, ev)
	}
	if err != nil {
		logCtx.WithError(err).Warn("LockService: lock granted but slot_locked broadcast failed")
	}
	return res, nil
}

// Release 释放锁。非持有者的释放被拒绝并作为协议异常记录；锁不存在（已过期或已释放）时是空操作。
func (s *LockService) Release(ctx context.Context, room, slot string, member domain.Member, connID string) error {
	if !domain.ValidID(room) || !domain.ValidID(slot) {
		return ErrInvalidRequest
	}
	if member.IsAnonymous() {
		return ErrAnonymous
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": room, "slot_id": slot, "user_id": member.ID, "conn_id": connID})

	released, holder, err := s.store.ReleaseLock(ctx, room, slot, member.ID)
	if err != nil {
		logCtx.WithError(err).Warn("LockService: failed to release lock")
		return mapStoreError(err)
	}
	if !released {
		if holder.ID != 0 {
			logCtx.WithField("holder_id", holder.ID).Warn("LockService: protocol anomaly, release by non-owner rejected")
			return ErrNotLockOwner
		}
		return nil
	}
	s.publishReleased(ctx, room, slot, connID)
	return nil
}

// Renew 延长调用者持有的锁，返回新的过期时间。
func (s *LockService) Renew(ctx context.Context, room, slot string, member domain.Member, connID string) (time.Time, error) {
	if !domain.ValidID(room) || !domain.ValidID(slot) {
		return time.Time{}, ErrInvalidRequest
	}
	if member.IsAnonymous() {
		return time.Time{}, ErrAnonymous
	}
	renewed, expiresAt, err := s.store.RenewLock(ctx, s.request(room, slot, member, connID))
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room, "slot_id": slot}).WithError(err).Warn("LockService: failed to renew lock")
		return time.Time{}, mapStoreError(err)
	}
	if !renewed {
		logrus.WithFields(logrus.Fields{
			"room_id": room, "slot_id": slot, "user_id": member.ID, "conn_id": connID,
		}).Warn("LockService: protocol anomaly, renew of a lock not held")
		return time.Time{}, ErrNotLockOwner
	}
	return expiresAt, nil
}

// ReleaseConnection 强制释放连接在房间内（room 为空表示所有房间）持有的锁并广播。
func (s *LockService) ReleaseConnection(ctx context.Context, connID, room string) ([]domain.ReleasedLock, error) {
	released, err := s.store.ReleaseConnectionLocks(ctx, connID, room)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room, "conn_id": connID}).WithError(err).Warn("LockService: failed to release connection locks")
		return nil, mapStoreError(err)
	}
	s.PublishReleased(ctx, released)
	return released, nil
}

// Snapshot 返回房间内当前有效的锁；存储不可用时返回空列表。
func (s *LockService) Snapshot(ctx context.Context, room string) []domain.SlotLock {
	locks, err := s.store.ListLocks(ctx, room, s.now())
	if err != nil {
		logrus.WithField("room_id", room).WithError(err).Warn("LockService: failed to list locks")
		return []domain.SlotLock{}
	}
	return locks
}

// PublishReleased 为每个被释放的锁广播 slot_released。
func (s *LockService) PublishReleased(ctx context.Context, released []domain.ReleasedLock) {
	for _, l := range released {
		s.publishReleased(ctx, l.Room, l.Slot, "")
	}
}

// publishReleased 广播 slot_released；origin 非空时不回送给发起释放的连接。
func (s *LockService) publishReleased(ctx context.Context, room, slot, origin string) {
	ev, err := domain.NewEvent(domain.RoomTopic(room), domain.EventSlotReleased, domain.SlotReleasedPayload{SoundID: slot})
	if err == nil {
		if origin != "" {
			ev.Origin = origin
			ev.ExcludeOrigin = true
		}
		err = s.bus.Publish(ctx, ev)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room, "slot_id": slot}).WithError(err).Warn("LockService: slot_released broadcast failed")
	}
}
