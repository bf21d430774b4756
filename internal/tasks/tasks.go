package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	TypeLockSweep = "locks:sweep" // 过期锁和失联连接清理
)

// LockSweepPayload 定义了清理任务的数据结构
type LockSweepPayload struct {
	// Node 是注册调度的进程 ID
	Node string `json:"node"`
}

// NewLockSweepTask 创建一个清理任务。unique 为任务在队列中的去重窗口，
// 多个进程的调度器在同一窗口内只会成功入队一个任务。
func NewLockSweepTask(node string, unique time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(LockSweepPayload{Node: node})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock sweep payload: %w", err)
	}
	opts := []asynq.Option{asynq.Queue("critical"), asynq.MaxRetry(0)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique), asynq.Timeout(unique))
	}
	return asynq.NewTask(TypeLockSweep, payload, opts...), nil
}

// ParseLockSweepPayload 解析任务负载，空负载视为合法。
func ParseLockSweepPayload(data []byte) (LockSweepPayload, error) {
	var p LockSweepPayload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal lock sweep payload: %w", err)
	}
	return p, nil
}
