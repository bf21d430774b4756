package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// BoardEventService 是 CRUD 层在持久化修改后调用的广播入口，
// 不校验也不持久化修改本身。
type BoardEventService struct {
	bus      repository.EventBus
	presence *PresenceService
	locks    *LockService
}

// NewBoardEventService 创建 BoardEventService 实例
func NewBoardEventService(bus repository.EventBus, presence *PresenceService, locks *LockService) *BoardEventService {
	if bus == nil || presence == nil || locks == nil {
		panic("dependencies cannot be nil for BoardEventService")
	}
	return &BoardEventService{bus: bus, presence: presence, locks: locks}
}

// RoomSnapshot 是房间当前的成员和锁
type RoomSnapshot struct {
	BoardID string            `json:"board_id"`
	Members []domain.Member   `json:"members"`
	Locks   []domain.SlotLock `json:"locks"`
}

// BroadcastUpdate 向房间广播 board_updated。不认识的 action 照常转发，只记录告警。
func (s *BoardEventService) BroadcastUpdate(ctx context.Context, room, action, user string, data json.RawMessage) error {
	if !domain.ValidID(room) {
		return ErrInvalidRequest
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}
	if !domain.IsContentAction(action) {
		// 内容变更由 CRUD 层校验，这里只转发
		logrus.WithFields(logrus.Fields{"room_id": room, "action": action}).Warn("BoardEventService: forwarding unrecognised board action")
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	user = strings.TrimSpace(user)
	if user == "" {
		user = domain.AnonymousName
	}
	return s.publish(ctx, room, domain.EventBoardUpdated, domain.BoardUpdatedPayload{Action: action, User: user, Data: data}, "")
}

// BroadcastOrder 向房间广播 update_sound_order；origin 非空时不回送给该连接。
func (s *BoardEventService) BroadcastOrder(ctx context.Context, room string, soundIDs []domain.FlexID, origin string) error {
	if !domain.ValidID(room) {
		return ErrInvalidRequest
	}
	if soundIDs == nil {
		soundIDs = []domain.FlexID{}
	}
	for _, id := range soundIDs {
		if !domain.ValidID(id.String()) {
			return ErrInvalidRequest
		}
	}
	return s.publish(ctx, room, domain.EventUpdateSoundOrder, domain.SoundOrderPayload{SoundIDs: soundIDs}, origin)
}

// NotifyUser 向用户所有在线连接推送 new_notification（跨进程）。
func (s *BoardEventService) NotifyUser(ctx context.Context, userID uint, message, link string) error {
	message = strings.TrimSpace(message)
	if userID == 0 || message == "" {
		return ErrInvalidRequest
	}
	ev, err := domain.NewEvent(domain.UserTopic(userID), domain.EventNotification, domain.NotificationPayload{Message: message, Link: link})
	if err != nil {
		return ErrInternalServer
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("BoardEventService: failed to publish notification")
		return mapStoreError(err)
	}
	return nil
}

// Snapshot 返回房间当前的成员和锁
func (s *BoardEventService) Snapshot(ctx context.Context, room string) (RoomSnapshot, error) {
	if !domain.ValidID(room) {
		return RoomSnapshot{}, ErrInvalidRequest
	}
	return RoomSnapshot{
		BoardID: room,
		Members: s.presence.Members(ctx, room),
		Locks:   s.locks.Snapshot(ctx, room),
	}, nil
}

func (s *BoardEventService) publish(ctx context.Context, room string, typ domain.EventType, payload interface{}, origin string) error {
	ev, err := domain.NewEvent(domain.RoomTopic(room), typ, payload)
	if err != nil {
		logrus.WithField("room_id", room).WithError(err).Error("BoardEventService: failed to build event")
		return ErrInternalServer
	}
	if origin != "" {
		ev.Origin = origin
		ev.ExcludeOrigin = true
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room, "event": typ}).WithError(err).Warn("BoardEventService: broadcast failed")
		return mapStoreError(err)
	}
	return nil
}
