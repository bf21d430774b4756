package repository

import (
	"context"

	"soundboard-collab/internal/domain"
)

// BoardRepository 是 CRUD 层音板数据的只读视图，用于加入房间前的权限检查。
type BoardRepository interface {
	// FindByID 根据房间标识查找音板，不存在时返回 ErrBoardNotFound。
	FindByID(ctx context.Context, room string) (*domain.Board, error)

	// FindCollaborator 查找用户在音板上的协作者记录，不存在时返回 ErrNotFound。
	FindCollaborator(ctx context.Context, boardID, userID uint) (*domain.BoardCollaborator, error)
}
