package repository

import (
	"context"

	"soundboard-collab/internal/domain"
)

// Subscriber 是接收事件的本进程连接。Deliver 不得阻塞，返回 false 表示事件被丢弃。
type Subscriber interface {
	ID() string
	Deliver(ev domain.Event) bool
}

// EventBus 是跨进程的发布/订阅通道，进程之间不直接连接。
type EventBus interface {
	// Publish 把事件发布到 ev.Topic，所有进程上订阅该主题的连接都会收到。
	Publish(ctx context.Context, ev domain.Event) error

	// Subscribe 在订阅确认后返回，重复订阅同一 (topic, subscriber) 是幂等的。
	Subscribe(ctx context.Context, topic string, sub Subscriber) error

	// Unsubscribe 取消订阅，未订阅时为空操作。
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
}
