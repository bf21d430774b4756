package domain

// Board 是协作引擎读取的音板记录（只读视图，表由 CRUD 层维护）。
type Board struct {
	ID       uint `gorm:"primaryKey"`
	OwnerID  uint `gorm:"column:user_id;index;not null"`
	IsPublic bool `gorm:"column:is_public;not null"`
}

// TableName 对应 CRUD 层的 soundboards 表。
func (Board) TableName() string { return "soundboards" }

// 协作者角色
const (
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// BoardCollaborator 记录被邀请到私有音板的用户。
type BoardCollaborator struct {
	ID      uint   `gorm:"primaryKey"`
	BoardID uint   `gorm:"column:soundboard_id;index;not null"`
	UserID  uint   `gorm:"column:user_id;index;not null"`
	Role    string `gorm:"size:20;not null"`
}

func (BoardCollaborator) TableName() string { return "board_collaborators" }

// Access 汇总一个用户对某个音板的权限。
type Access struct {
	CanView bool
	CanEdit bool
}
