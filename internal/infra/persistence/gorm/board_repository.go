package gormpersistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// GormBoardRepository 是 BoardRepository 接口的 GORM 实现，只读。
type GormBoardRepository struct {
	db *gorm.DB
}

// NewGormBoardRepository 创建 GormBoardRepository 实例
func NewGormBoardRepository(db *gorm.DB) *GormBoardRepository {
	if db == nil {
		panic("database connection cannot be nil for GormBoardRepository")
	}
	return &GormBoardRepository{db: db}
}

// FindByID 根据房间标识查找音板。房间标识就是音板的数字主键。
func (r *GormBoardRepository) FindByID(ctx context.Context, room string) (*domain.Board, error) {
	id, err := strconv.ParseUint(room, 10, 64)
	if err != nil || id == 0 {
		return nil, repository.ErrBoardNotFound
	}
	var board domain.Board
	err = r.db.WithContext(ctx).Select("id", "user_id", "is_public").First(&board, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrBoardNotFound
		}
		return nil, wrapDBError(fmt.Sprintf("find board by id %d", id), err)
	}
	return &board, nil
}

// FindCollaborator 查找协作者记录
func (r *GormBoardRepository) FindCollaborator(ctx context.Context, boardID, userID uint) (*domain.BoardCollaborator, error) {
	var collab domain.BoardCollaborator
	err := r.db.WithContext(ctx).
		Where("soundboard_id = ? AND user_id = ?", boardID, userID).
		First(&collab).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDBError(fmt.Sprintf("find collaborator (board %d, user %d)", boardID, userID), err)
	}
	return &collab, nil
}

// wrapDBError 把连接类错误映射为 ErrUnavailable，调用方据此决定是否重试。
func wrapDBError(op string, err error) error {
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gorm: %s: %w: %w", op, repository.ErrUnavailable, err)
	}
	return fmt.Errorf("gorm: %s: %w", op, err)
}

var _ repository.BoardRepository = (*GormBoardRepository)(nil)
