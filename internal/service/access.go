package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// AccessService 根据 CRUD 层的音板记录判断用户能否查看或编辑房间。
type AccessService struct {
	boards repository.BoardRepository
}

// NewAccessService 创建 AccessService 实例
func NewAccessService(boards repository.BoardRepository) *AccessService {
	if boards == nil {
		panic("BoardRepository cannot be nil for AccessService")
	}
	return &AccessService{boards: boards}
}

// Resolve 返回 member 对 room 的权限；不可查看时返回 ErrRoomNotFound 或 ErrForbidden。
// 公开音板任何人可看（包括匿名）；私有音板只有所有者和协作者可看。
// 编辑权限：所有者，或角色为 editor 的协作者。
func (s *AccessService) Resolve(ctx context.Context, room string, member domain.Member) (domain.Access, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": room, "user_id": member.ID})

	if !domain.ValidID(room) {
		return domain.Access{}, ErrInvalidRequest
	}

	board, err := s.boards.FindByID(ctx, room)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Access{}, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("AccessService: failed to load board")
		return domain.Access{}, ErrInternalServer
	}

	if member.IsAnonymous() {
		if board.IsPublic {
			return domain.Access{CanView: true}, nil
		}
		return domain.Access{}, ErrForbidden
	}

	if board.OwnerID == member.ID {
		return domain.Access{CanView: true, CanEdit: true}, nil
	}

	collab, err := s.boards.FindCollaborator(ctx, board.ID, member.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logCtx.WithError(err).Error("AccessService: failed to load collaborator")
		return domain.Access{}, ErrInternalServer
	}
	isCollaborator := collab != nil && err == nil

	access := domain.Access{
		CanView: board.IsPublic || isCollaborator,
		CanEdit: isCollaborator && collab.Role == domain.RoleEditor,
	}
	if !access.CanView {
		return domain.Access{}, ErrForbidden
	}
	return access, nil
}
