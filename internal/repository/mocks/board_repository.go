package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// BoardRepository 是 repository.BoardRepository 的 Mock 实现
type BoardRepository struct {
	mock.Mock
}

func (m *BoardRepository) FindByID(ctx context.Context, room string) (*domain.Board, error) {
	args := m.Called(ctx, room)
	var board *domain.Board
	if b := args.Get(0); b != nil {
		board = b.(*domain.Board)
	}
	return board, args.Error(1)
}

func (m *BoardRepository) FindCollaborator(ctx context.Context, boardID, userID uint) (*domain.BoardCollaborator, error) {
	args := m.Called(ctx, boardID, userID)
	var collab *domain.BoardCollaborator
	if c := args.Get(0); c != nil {
		collab = c.(*domain.BoardCollaborator)
	}
	return collab, args.Error(1)
}

var _ repository.BoardRepository = (*BoardRepository)(nil)
