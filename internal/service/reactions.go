package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

const (
	// maxEmojiLen 限制单个反应的字节数
	maxEmojiLen = 32
	// reactionPublishTimeout 是单个反应发布的超时时间
	reactionPublishTimeout = 2 * time.Second
	// DefaultReactionQueueSize 是未配置时的队列长度
	DefaultReactionQueueSize = 256
)

// ReactionService 是反应的发布通道：独立的有界队列和发布 goroutine，
// 队列满时直接丢弃，不会阻塞锁和成员相关的操作。
type ReactionService struct {
	bus     repository.EventBus
	queue   chan domain.Event
	workers int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewReactionService 创建 ReactionService 实例，需调用 Start 启动发布 goroutine。
func NewReactionService(bus repository.EventBus, queueSize, workers int) *ReactionService {
	if bus == nil {
		panic("EventBus cannot be nil for ReactionService")
	}
	if queueSize <= 0 {
		queueSize = DefaultReactionQueueSize
	}
	if workers <= 0 {
		workers = 1
	}
	return &ReactionService{
		bus:     bus,
		queue:   make(chan domain.Event, queueSize),
		workers: workers,
		stop:    make(chan struct{}),
	}
}

// Start 启动发布 goroutine。
func (s *ReactionService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	logrus.WithField("workers", s.workers).Info("ReactionService started")
}

// Stop 停止发布 goroutine，队列中未发布的反应被丢弃。
func (s *ReactionService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	logrus.Info("ReactionService stopped")
}

func (s *ReactionService) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), reactionPublishTimeout)
			if err := s.bus.Publish(ctx, ev); err != nil {
				logrus.WithField("topic", ev.Topic).WithError(err).Debug("ReactionService: reaction dropped on publish failure")
			}
			cancel()
		}
	}
}

// Send 把反应放入队列，返回 false 表示被丢弃（参数无效或队列已满）。
func (s *ReactionService) Send(room string, member domain.Member, emoji string) bool {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLen || !utf8.ValidString(emoji) {
		return false
	}
	ev, err := domain.NewEvent(domain.ReactionTopic(room), domain.EventReceiveReaction, domain.ReactionPayload{
		Emoji: emoji,
		User:  member.DisplayName(),
	})
	if err != nil {
		return false
	}
	ev.Ephemeral = true

	select {
	case s.queue <- ev:
		return true
	default:
		logrus.WithField("room_id", room).Debug("ReactionService: queue full, reaction dropped")
		return false
	}
}
