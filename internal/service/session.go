package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// DefaultReactionCooldown 是同一连接两次被接受的反应之间的最小间隔
const DefaultReactionCooldown = 500 * time.Millisecond

// SessionState 是连接的协议状态
type SessionState int

const (
	StateConnected SessionState = iota + 1
	StateInRoom
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer 是会话所属连接的出站端，由 hub.Client 实现。
// 作为 Subscriber 接收房间广播，Reply 只发给这个连接。
type Peer interface {
	repository.Subscriber
	Reply(typ domain.EventType, payload interface{}) bool
}

// SessionDeps 汇总创建会话所需的服务
type SessionDeps struct {
	Store            repository.CollabStore
	Bus              repository.EventBus
	Access           *AccessService
	Presence         *PresenceService
	Locks            *LockService
	Reactions        *ReactionService
	BoardEvents      *BoardEventService
	Janitor          *Janitor
	ReactionCooldown time.Duration
	Now              func() time.Time
}

// SessionManager 为每个新连接创建 Session。
type SessionManager struct {
	deps SessionDeps
}

// NewSessionManager 创建 SessionManager 实例
func NewSessionManager(deps SessionDeps) *SessionManager {
	if deps.Store == nil || deps.Bus == nil || deps.Access == nil || deps.Presence == nil ||
		deps.Locks == nil || deps.Reactions == nil || deps.BoardEvents == nil || deps.Janitor == nil {
		panic("all dependencies are required for SessionManager")
	}
	if deps.ReactionCooldown <= 0 {
		deps.ReactionCooldown = DefaultReactionCooldown
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &SessionManager{deps: deps}
}

// Open 处理 connect：登记连接并订阅用户通知。存储不可用时仍返回会话，协作功能降级。
func (m *SessionManager) Open(ctx context.Context, connID string, member domain.Member, peer Peer) *Session {
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": connID, "user_id": member.ID})

	if err := m.deps.Store.RegisterConnection(ctx, connID, member, m.deps.Now()); err != nil {
		logCtx.WithError(err).Warn("SessionManager: failed to register connection")
	}
	if !member.IsAnonymous() {
		if err := m.deps.Bus.Subscribe(ctx, domain.UserTopic(member.ID), peer); err != nil {
			logCtx.WithError(err).Warn("SessionManager: failed to subscribe to user notifications")
		}
	}

	return &Session{
		deps:    m.deps,
		connID:  connID,
		member:  member,
		peer:    peer,
		limiter: rate.NewLimiter(rate.Every(m.deps.ReactionCooldown), 1),
		state:   StateConnected,
	}
}

// Session 是一个连接的协议状态机：Connected -> InRoom -> Disconnected。
// 会话只由所属连接的读循环调用，不需要加锁。
type Session struct {
	deps    SessionDeps
	connID  string
	member  domain.Member
	peer    Peer
	limiter *rate.Limiter

	state   SessionState
	room    string
	canEdit bool
}

// JoinResult 是加入房间的结果
type JoinResult struct {
	Room    string
	Members []domain.Member
	Locks   []domain.SlotLock
	CanEdit bool
}

// ConnID 返回会话所属连接的 ID
func (s *Session) ConnID() string { return s.connID }

// Member 返回连接的用户身份，匿名时 ID 为 0
func (s *Session) Member() domain.Member { return s.member }

// State 返回当前协议状态
func (s *Session) State() SessionState { return s.state }

// Room 返回已加入的房间，未加入时为空
func (s *Session) Room() string { return s.room }

// Join 处理 join_board。权限检查在任何状态变更之前；订阅先于登记，
// 使加入者能收到自己触发的 presence_update；存储确认之后才进入 InRoom。
// 对同一房间重复加入是幂等的；加入另一个房间会先离开当前房间。
func (s *Session) Join(ctx context.Context, room string) (JoinResult, error) {
	if s.state == StateDisconnected {
		return JoinResult{}, ErrSessionClosed
	}
	if !domain.ValidID(room) {
		return JoinResult{}, ErrInvalidRequest
	}
	if s.state == StateInRoom && s.room == room {
		return s.joinResult(ctx), nil
	}

	access, err := s.deps.Access.Resolve(ctx, room, s.member)
	if err != nil {
		return JoinResult{}, err
	}

	if s.state == StateInRoom {
		if err := s.Leave(ctx); err != nil {
			s.logger().WithError(err).Warn("Session: leaving previous board before switch failed")
		}
	}

	if err := s.deps.Bus.Subscribe(ctx, domain.RoomTopic(room), s.peer); err != nil {
		return JoinResult{}, mapStoreError(err)
	}
	if err := s.deps.Bus.Subscribe(ctx, domain.ReactionTopic(room), s.peer); err != nil {
		s.unsubscribeRoom(ctx, room)
		return JoinResult{}, mapStoreError(err)
	}

	if _, err := s.deps.Presence.Join(ctx, room, s.member, s.connID); err != nil {
		s.unsubscribeRoom(ctx, room)
		return JoinResult{}, err
	}

	s.state = StateInRoom
	s.room = room
	s.canEdit = access.CanEdit
	s.logger().Info("Session: joined board")
	return s.joinResult(ctx), nil
}

func (s *Session) joinResult(ctx context.Context) JoinResult {
	return JoinResult{
		Room:    s.room,
		Members: s.deps.Presence.Members(ctx, s.room),
		Locks:   s.deps.Locks.Snapshot(ctx, s.room),
		CanEdit: s.canEdit,
	}
}

// Leave 处理 leave_board：释放本连接在房间内的锁、移出成员列表、取消订阅。
// 未加入任何房间时是空操作。
func (s *Session) Leave(ctx context.Context) error {
	if s.state != StateInRoom {
		return nil
	}
	room := s.room
	s.state = StateConnected
	s.room = ""
	s.canEdit = false

	s.unsubscribeRoom(ctx, room)

	var firstErr error
	if _, err := s.deps.Locks.ReleaseConnection(ctx, s.connID, room); err != nil {
		firstErr = err
	}
	if _, err := s.deps.Presence.Leave(ctx, room, s.member, s.connID); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger().WithField("room_id", room).Info("Session: left board")
	return firstErr
}

// Close 处理断开（主动或网络故障结果相同）：取消所有订阅并原子地清理存储中的连接状态。
// 重复调用是空操作。
func (s *Session) Close(ctx context.Context) error {
	if s.state == StateDisconnected {
		return nil
	}
	if s.state == StateInRoom {
		s.unsubscribeRoom(ctx, s.room)
	}
	if !s.member.IsAnonymous() {
		if err := s.deps.Bus.Unsubscribe(ctx, domain.UserTopic(s.member.ID), s.connID); err != nil {
			s.logger().WithError(err).Warn("Session: failed to unsubscribe user notifications")
		}
	}
	s.state = StateDisconnected
	s.room = ""
	s.canEdit = false

	_, err := s.deps.Janitor.CleanupConnection(ctx, s.connID)
	return err
}

// Heartbeat 刷新连接心跳，使后台清理不会把本连接当作崩溃遗留。
// 不读取会话状态，可以在连接的心跳 goroutine 中调用。
// 连接已被后台清理时返回 ErrConnectionReaped，调用方应断开连接让客户端重连。
func (s *Session) Heartbeat(ctx context.Context) error {
	alive, err := s.deps.Store.TouchConnection(ctx, s.connID, s.deps.Now())
	if err != nil {
		return mapStoreError(err)
	}
	if !alive {
		return ErrConnectionReaped
	}
	return nil
}

// RequestLock 处理 request_lock。
func (s *Session) RequestLock(ctx context.Context, room, slot string) (domain.LockResult, error) {
	if err := s.requireEditor(room); err != nil {
		return domain.LockResult{}, err
	}
	return s.deps.Locks.Request(ctx, s.room, slot, s.member, s.connID)
}

// ReleaseLock 处理 release_lock。
func (s *Session) ReleaseLock(ctx context.Context, room, slot string) error {
	if err := s.requireRoom(room); err != nil {
		return err
	}
	return s.deps.Locks.Release(ctx, s.room, slot, s.member, s.connID)
}

// RenewLock 处理 renew_lock。
func (s *Session) RenewLock(ctx context.Context, room, slot string) (time.Time, error) {
	if err := s.requireRoom(room); err != nil {
		return time.Time{}, err
	}
	return s.deps.Locks.Renew(ctx, s.room, slot, s.member, s.connID)
}

// SendReaction 处理 send_reaction。冷却期内或队列已满时静默丢弃，返回 false。
func (s *Session) SendReaction(room, emoji string) bool {
	if s.requireRoom(room) != nil {
		return false
	}
	if !s.limiter.AllowN(s.deps.Now(), 1) {
		return false
	}
	return s.deps.Reactions.Send(s.room, s.member, emoji)
}

// ReorderSounds 处理客户端发来的 sound_reordered，广播给房间内其他连接。
func (s *Session) ReorderSounds(ctx context.Context, room string, soundIDs []domain.FlexID) error {
	if err := s.requireEditor(room); err != nil {
		return err
	}
	return s.deps.BoardEvents.BroadcastOrder(ctx, s.room, soundIDs, s.connID)
}

func (s *Session) requireRoom(room string) error {
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	if s.state != StateInRoom || (room != "" && room != s.room) {
		return ErrNotInRoom
	}
	return nil
}

func (s *Session) requireEditor(room string) error {
	if err := s.requireRoom(room); err != nil {
		return err
	}
	if s.member.IsAnonymous() {
		return ErrAnonymous
	}
	if !s.canEdit {
		return ErrForbidden
	}
	return nil
}

func (s *Session) unsubscribeRoom(ctx context.Context, room string) {
	for _, topic := range []string{domain.RoomTopic(room), domain.ReactionTopic(room)} {
		if err := s.deps.Bus.Unsubscribe(ctx, topic, s.connID); err != nil {
			s.logger().WithField("topic", topic).WithError(err).Warn("Session: unsubscribe failed")
		}
	}
}

func (s *Session) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"conn_id": s.connID, "user_id": s.member.ID, "room_id": s.room})
}

// --- Wire dispatch ---

// Handle 解析一帧客户端消息并执行对应的状态转换，回复只发给本连接。
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		s.replyError("", ErrInvalidRequest)
		return
	}

	switch frame.Event {
	case domain.MsgJoinBoard:
		var req domain.BoardRequest
		if !s.decode(frame, &req) {
			return
		}
		res, err := s.Join(ctx, req.BoardID.String())
		if err != nil {
			s.replyError(frame.Event, err)
			return
		}
		locks := make([]domain.SlotLockedPayload, 0, len(res.Locks))
		for _, l := range res.Locks {
			locks = append(locks, l.LockedPayload())
		}
		s.peer.Reply(domain.EventBoardJoined, domain.BoardJoinedPayload{
			BoardID: res.Room, Members: res.Members, Locks: locks, CanEdit: res.CanEdit,
		})

	case domain.MsgLeaveBoard:
		room := s.room
		if err := s.Leave(ctx); err != nil {
			s.logger().WithError(err).Warn("Session: leave completed with errors")
		}
		if room != "" {
			s.peer.Reply(domain.EventBoardLeft, domain.BoardLeftPayload{BoardID: room})
		}

	case domain.MsgRequestLock:
		var req domain.SlotRequest
		if !s.decode(frame, &req) {
			return
		}
		slot := req.SoundID.String()
		res, err := s.RequestLock(ctx, req.BoardID.String(), slot)
		switch {
		case errors.Is(err, ErrStoreUnavailable):
			s.peer.Reply(domain.EventLockDenied, domain.LockDeniedPayload{SoundID: slot, Reason: domain.DenyUnavailable})
		case err != nil:
			s.replyError(frame.Event, err)
		case res.Acquired:
			s.peer.Reply(domain.EventLockGranted, domain.LockGrantedPayload{SoundID: slot, ExpiresAt: res.ExpiresAt.UnixMilli()})
		default:
			s.peer.Reply(domain.EventLockDenied, domain.LockDeniedPayload{
				SoundID: slot, Holder: res.Holder.DisplayName(), Reason: domain.DenyLocked,
			})
		}

	case domain.MsgReleaseLock:
		var req domain.SlotRequest
		if !s.decode(frame, &req) {
			return
		}
		if err := s.ReleaseLock(ctx, req.BoardID.String(), req.SoundID.String()); err != nil {
			s.replyError(frame.Event, err)
		}

	case domain.MsgRenewLock:
		var req domain.SlotRequest
		if !s.decode(frame, &req) {
			return
		}
		slot := req.SoundID.String()
		expiresAt, err := s.RenewLock(ctx, req.BoardID.String(), slot)
		if err != nil {
			s.replyError(frame.Event, err)
			return
		}
		s.peer.Reply(domain.EventLockRenewed, domain.LockGrantedPayload{SoundID: slot, ExpiresAt: expiresAt.UnixMilli()})

	case domain.MsgSendReaction:
		var req domain.ReactionRequest
		if !s.decode(frame, &req) {
			return
		}
		s.SendReaction(req.BoardID.String(), req.Emoji)

	case domain.MsgSoundReordered:
		var req domain.ReorderRequest
		if !s.decode(frame, &req) {
			return
		}
		if err := s.ReorderSounds(ctx, req.BoardID.String(), req.SoundIDs); err != nil {
			s.replyError(frame.Event, err)
		}

	default:
		s.replyError(frame.Event, ErrInvalidRequest)
	}
}

func (s *Session) decode(frame domain.Frame, v interface{}) bool {
	if len(frame.Data) == 0 {
		s.replyError(frame.Event, ErrInvalidRequest)
		return false
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		s.replyError(frame.Event, ErrInvalidRequest)
		return false
	}
	return true
}

func (s *Session) replyError(event string, err error) {
	s.logger().WithField("event", event).WithError(err).Debug("Session: request rejected")
	s.peer.Reply(domain.EventError, domain.ErrorPayload{Event: event, Message: PublicMessage(err)})
}

var publicErrors = []error{
	ErrRoomNotFound, ErrForbidden, ErrInvalidRequest, ErrInvalidAction, ErrNotInRoom,
	ErrNotLockOwner, ErrAnonymous, ErrSessionClosed, ErrStoreUnavailable,
}

// PublicMessage 返回可以展示给客户端的错误信息，不暴露内部细节。
func PublicMessage(err error) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrInternalServer.Error()
}
