package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// PresenceService 把存储层的连接登记转换为房间成员列表，并广播 presence_update。
type PresenceService struct {
	store repository.CollabStore
	bus   repository.EventBus
}

// NewPresenceService 创建 PresenceService 实例
func NewPresenceService(store repository.CollabStore, bus repository.EventBus) *PresenceService {
	if store == nil || bus == nil {
		panic("CollabStore and EventBus cannot be nil for PresenceService")
	}
	return &PresenceService{store: store, bus: bus}
}

// Join 登记连接并广播最新成员列表，返回该列表。
// 存储写入失败时返回错误，调用方不得把连接视为已加入。
func (s *PresenceService) Join(ctx context.Context, room string, member domain.Member, connID string) ([]domain.Member, error) {
	if err := s.store.AddConnectionToRoom(ctx, room, member, connID); err != nil {
		logrus.WithFields(logrus.Fields{
			"room_id": room, "conn_id": connID, "user_id": member.ID,
		}).WithError(err).Warn("PresenceService: failed to add connection to room")
		return nil, mapStoreError(err)
	}
	return s.Broadcast(ctx, room), nil
}

// Leave 移除连接。只有用户最后一个连接离开时才广播新的成员列表。
// 从未加入过的连接离开是空操作。
func (s *PresenceService) Leave(ctx context.Context, room string, member domain.Member, connID string) (bool, error) {
	_, departed, err := s.store.RemoveConnectionFromRoom(ctx, room, member, connID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room_id": room, "conn_id": connID, "user_id": member.ID,
		}).WithError(err).Warn("PresenceService: failed to remove connection from room")
		return false, mapStoreError(err)
	}
	if departed {
		s.Broadcast(ctx, room)
	}
	return departed, nil
}

// Members 返回房间成员；存储不可用时返回空列表。
func (s *PresenceService) Members(ctx context.Context, room string) []domain.Member {
	members, err := s.store.ListUsersInRoom(ctx, room)
	if err != nil {
		logrus.WithField("room_id", room).WithError(err).Warn("PresenceService: failed to list users, returning empty presence")
		return []domain.Member{}
	}
	return members
}

// Broadcast 读取当前成员并发布 presence_update，发布失败只记录日志。
func (s *PresenceService) Broadcast(ctx context.Context, room string) []domain.Member {
	members := s.Members(ctx, room)
	ev, err := domain.NewEvent(domain.RoomTopic(room), domain.EventPresenceUpdate, members)
	if err != nil {
		logrus.WithField("room_id", room).WithError(err).Error("PresenceService: failed to build presence event")
		return members
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		logrus.WithField("room_id", room).WithError(err).Warn("PresenceService: failed to publish presence update")
	}
	return members
}
