package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrUnavailable 表示共享存储暂时不可用（连接失败、超时等）
	ErrUnavailable = errors.New("repository: store unavailable")
)

// 特定资源的错误
var (
	ErrBoardNotFound = ErrNotFound
)
