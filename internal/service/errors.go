package service

import (
	"errors"
	"fmt"

	"soundboard-collab/internal/repository"
)

var (
	ErrRoomNotFound     = errors.New("board not found")
	ErrForbidden        = errors.New("permission denied")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAction    = errors.New("invalid board action")
	ErrNotInRoom        = errors.New("connection has not joined this board")
	ErrNotLockOwner     = errors.New("slot is not locked by this user")
	ErrAnonymous        = errors.New("anonymous viewers cannot edit")
	ErrSessionClosed    = errors.New("session closed")
	ErrConnectionReaped = errors.New("connection state was cleaned up")
	ErrStoreUnavailable = errors.New("collaboration store unavailable")
	ErrInternalServer   = errors.New("internal server error")
)

// mapStoreError 将仓库层的错误映射到服务层定义的错误，保留原始错误信息用于日志。
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrInternalServer, err)
}
