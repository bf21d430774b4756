package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// EventBus 是 repository.EventBus 的 Mock 实现
type EventBus struct {
	mock.Mock
}

func (m *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *EventBus) Subscribe(ctx context.Context, topic string, sub repository.Subscriber) error {
	args := m.Called(ctx, topic, sub)
	return args.Error(0)
}

func (m *EventBus) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	args := m.Called(ctx, topic, subscriberID)
	return args.Error(0)
}

var _ repository.EventBus = (*EventBus)(nil)
