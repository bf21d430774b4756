package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// EventType 是服务端发给客户端的事件名。
type EventType string

// 房间广播事件
const (
	EventPresenceUpdate   EventType = "presence_update"
	EventBoardUpdated     EventType = "board_updated"
	EventSlotLocked       EventType = "slot_locked"
	EventSlotReleased     EventType = "slot_released"
	EventUpdateSoundOrder EventType = "update_sound_order"
	EventReceiveReaction  EventType = "receive_reaction"
	EventNotification     EventType = "new_notification"
)

// 只发给请求者的回复事件
const (
	EventBoardJoined EventType = "board_joined"
	EventBoardLeft   EventType = "board_left"
	EventLockGranted EventType = "lock_granted"
	EventLockDenied  EventType = "lock_denied"
	EventLockRenewed EventType = "lock_renewed"
	EventError       EventType = "error"
)

// 客户端发给服务端的消息名
const (
	MsgJoinBoard      = "join_board"
	MsgLeaveBoard     = "leave_board"
	MsgRequestLock    = "request_lock"
	MsgReleaseLock    = "release_lock"
	MsgRenewLock      = "renew_lock"
	MsgSendReaction   = "send_reaction"
	MsgSoundReordered = "sound_reordered"
)

// board_updated 的 action 取值
const (
	ActionSoundReordered       = "sound_reordered"
	ActionSoundUploaded        = "sound_uploaded"
	ActionSoundDeleted         = "sound_deleted"
	ActionSoundUpdated         = "sound_updated"
	ActionBoardMetadataUpdated = "board_metadata_updated"
)

var contentActions = map[string]bool{
	ActionSoundReordered:       true,
	ActionSoundUploaded:        true,
	ActionSoundDeleted:         true,
	ActionSoundUpdated:         true,
	ActionBoardMetadataUpdated: true,
}

// IsContentAction 判断 action 是否为已知的内容变更类型。
func IsContentAction(action string) bool { return contentActions[action] }

// Event 是在进程之间通过 Pub/Sub 传递的房间事件，不做持久化。
type Event struct {
	Topic         string          `json:"topic"`
	Type          EventType       `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Origin        string          `json:"origin,omitempty"`         // 来源连接 ID
	ExcludeOrigin bool            `json:"exclude_origin,omitempty"` // 不回送给来源连接
	Ephemeral     bool            `json:"ephemeral,omitempty"`      // 反应等可丢弃事件
}

// NewEvent 构造一个事件，payload 会被序列化为 JSON。
func NewEvent(topic string, typ EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Event{Topic: topic, Type: typ, Data: data}, nil
}

// Frame 是 WebSocket 上的一帧 {"event": ..., "data": ...}。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FrameFor 把事件转换为发给客户端的帧。
func FrameFor(ev Event) Frame {
	return Frame{Event: string(ev.Type), Data: ev.Data}
}

// --- Topics ---

// RoomTopic 是房间的权威事件主题。
func RoomTopic(room string) string { return "room:" + room + ":events" }

// ReactionTopic 是房间的反应主题，与权威事件隔离。
func ReactionTopic(room string) string { return "room:" + room + ":reactions" }

// UserTopic 是某个用户所有连接的通知主题。
func UserTopic(userID uint) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10) + ":notify"
}

// --- IDs ---

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID 校验房间和 slot 标识。
func ValidID(id string) bool { return idPattern.MatchString(id) }

// FlexID 接受 JSON 数字或字符串形式的 ID（前端发的 board_id/sound_id 多为数字）。
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id must be an integer: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// --- Payloads ---

// BoardUpdatedPayload 是 board_updated 的数据。
type BoardUpdatedPayload struct {
	Action string          `json:"action"`
	User   string          `json:"user"`
	Data   json.RawMessage `json:"data"`
}

// SlotLockedPayload 是 slot_locked 的数据。
type SlotLockedPayload struct {
	SoundID   string `json:"sound_id"`
	User      string `json:"user"`
	UserID    uint   `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// SlotReleasedPayload 是 slot_released 的数据。
type SlotReleasedPayload struct {
	SoundID string `json:"sound_id"`
}

// SoundOrderPayload 是 update_sound_order 的数据。
type SoundOrderPayload struct {
	SoundIDs []FlexID `json:"sound_ids"`
}

// ReactionPayload 是 receive_reaction 的数据。
type ReactionPayload struct {
	Emoji string `json:"emoji"`
	User  string `json:"user"`
}

// NotificationPayload 是 new_notification 的数据。
type NotificationPayload struct {
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

// --- Replies ---

// BoardJoinedPayload 是 board_joined 的数据，包含加入时已存在的锁。
type BoardJoinedPayload struct {
	BoardID string              `json:"board_id"`
	Members []Member            `json:"members"`
	Locks   []SlotLockedPayload `json:"locks"`
	CanEdit bool                `json:"can_edit"`
}

// BoardLeftPayload 是 board_left 的数据。
type BoardLeftPayload struct {
	BoardID string `json:"board_id"`
}

// LockGrantedPayload 是 lock_granted / lock_renewed 的数据。
type LockGrantedPayload struct {
	SoundID   string `json:"sound_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// 加锁被拒绝的原因
const (
	DenyLocked      = "locked"
	DenyUnavailable = "unavailable"
)

// LockDeniedPayload 是 lock_denied 的数据，Holder 用于前端显示“正在被 X 编辑”。
type LockDeniedPayload struct {
	SoundID string `json:"sound_id"`
	Holder  string `json:"holder,omitempty"`
	Reason  string `json:"reason"`
}

// ErrorPayload 是 error 的数据。
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// --- Requests ---

// BoardRequest 是 join_board / leave_board 的数据。
type BoardRequest struct {
	BoardID FlexID `json:"board_id"`
}

// SlotRequest 是 request_lock / release_lock / renew_lock 的数据。
type SlotRequest struct {
	BoardID FlexID `json:"board_id"`
	SoundID FlexID `json:"sound_id"`
}

// ReactionRequest 是 send_reaction 的数据。
type ReactionRequest struct {
	BoardID FlexID `json:"board_id"`
	Emoji   string `json:"emoji"`
}

// ReorderRequest 是 sound_reordered 的数据。
type ReorderRequest struct {
	BoardID  FlexID   `json:"board_id"`
	SoundIDs []FlexID `json:"sound_ids"`
}
