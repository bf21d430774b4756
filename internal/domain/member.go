package domain

import "strconv"

// Member 表示房间内可见的一个用户（presence_update 的元素）。
// ID 为 0 表示匿名观看者，匿名者不会出现在成员列表中。
type Member struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// AnonymousName 是匿名连接在反应等事件中显示的名称。
const AnonymousName = "Someone"

// Anonymous 返回一个匿名身份。
func Anonymous() Member { return Member{} }

// IsAnonymous 判断是否为匿名观看者。
func (m Member) IsAnonymous() bool { return m.ID == 0 }

// Key 返回在 Redis 中使用的用户键。
func (m Member) Key() string { return strconv.FormatUint(uint64(m.ID), 10) }

// DisplayName 返回用于广播的名称，匿名时返回 AnonymousName。
func (m Member) DisplayName() string {
	if m.IsAnonymous() || m.Username == "" {
		return AnonymousName
	}
	return m.Username
}
