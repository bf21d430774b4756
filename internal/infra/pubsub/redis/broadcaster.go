package redispubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// ErrClosed 表示 Broadcaster 已关闭。
var ErrClosed = errors.New("pubsub: broadcaster closed")

// subscribeTimeout 限制一次 SUBSCRIBE 等待 Redis 确认的时间
const subscribeTimeout = 5 * time.Second

// topicSubscription 是本进程对一个主题的唯一 Redis 订阅，事件在进程内扇出给所有订阅者。
type topicSubscription struct {
	pubsub      *redis.PubSub
	subscribers map[string]repository.Subscriber
}

// Broadcaster 是 EventBus 接口基于 Redis Pub/Sub 的实现。
// 每个进程对每个主题只持有一个订阅，订阅在 SUBSCRIBE 被确认后才返回，
// 因此 Subscribe 返回后发布的事件一定能被本进程收到。
// 网络往返不持有 mu，同一主题的并发订阅通过 singleflight 合并为一次 SUBSCRIBE。
type Broadcaster struct {
	client *redis.Client
	prefix string
	opens  singleflight.Group

	mu     sync.RWMutex
	topics map[string]*topicSubscription
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster 创建 Broadcaster。prefix 与存储的 key 前缀一致，用于隔离不同部署。
func NewBroadcaster(client *redis.Client, prefix string) *Broadcaster {
	if client == nil {
		panic("redis client cannot be nil for Broadcaster")
	}
	return &Broadcaster{
		client: client,
		prefix: prefix,
		topics: make(map[string]*topicSubscription),
	}
}

func (b *Broadcaster) channel(topic string) string { return b.prefix + topic }

// Publish 把事件序列化后发布到 Redis 频道。
func (b *Broadcaster) Publish(ctx context.Context, ev domain.Event) error {
	if ev.Topic == "" {
		return errors.New("pubsub: event topic is required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub: failed to marshal %s event: %w", ev.Type, err)
	}
	channel := b.channel(ev.Topic)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"event":        ev.Type,
			"payload_size": len(payload),
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("pubsub: failed to publish to channel %s: %w: %w", channel, repository.ErrUnavailable, err)
	}
	return nil
}

// Subscribe 把订阅者挂到主题上；本进程首次订阅该主题时会等待 Redis 确认。
func (b *Broadcaster) Subscribe(ctx context.Context, topic string, sub repository.Subscriber) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if ts, ok := b.topics[topic]; ok {
			ts.subscribers[sub.ID()] = sub
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		// 订阅建立后回到循环开头挂上订阅者；期间主题若被拆除则重新订阅
		ch := b.opens.DoChan(topic, func() (interface{}, error) {
			return nil, b.open(topic)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return res.Err
			}
		case <-ctx.Done():
			return fmt.Errorf("pubsub: subscribe to %s: %w", b.channel(topic), ctx.Err())
		}
	}
}

// open 建立主题的 Redis 订阅并登记到 topics，SUBSCRIBE 往返期间不持有 mu。
func (b *Broadcaster) open(topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	channel := b.channel(topic)
	ps := b.client.Subscribe(ctx, channel)
	// Receive 返回 *redis.Subscription 即表示 SUBSCRIBE 已生效
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("pubsub: failed to subscribe to channel %s: %w: %w", channel, repository.ErrUnavailable, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return ErrClosed
	}
	if _, ok := b.topics[topic]; ok {
		b.mu.Unlock()
		_ = ps.Close()
		return nil
	}
	ts := &topicSubscription{
		pubsub:      ps,
		subscribers: make(map[string]repository.Subscriber),
	}
	b.topics[topic] = ts
	b.wg.Add(1)
	b.mu.Unlock()

	go b.listen(topic, ts)
	logrus.WithField("channel", channel).Debug("Broadcaster: subscribed")
	return nil
}

// Unsubscribe 移除订阅者；主题上没有订阅者后关闭 Redis 订阅。
func (b *Broadcaster) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if _, ok := ts.subscribers[subscriberID]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(ts.subscribers, subscriberID)
	if len(ts.subscribers) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, topic)
	b.mu.Unlock()

	if err := ts.pubsub.Close(); err != nil {
		return fmt.Errorf("pubsub: failed to close subscription to %s: %w", b.channel(topic), err)
	}
	logrus.WithField("channel", b.channel(topic)).Debug("Broadcaster: unsubscribed")
	return nil
}

// listen 读取一个主题的消息并按到达顺序扇出。channel 在订阅关闭后结束。
func (b *Broadcaster) listen(topic string, ts *topicSubscription) {
	defer b.wg.Done()
	for msg := range ts.pubsub.Channel() {
		var ev domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logrus.WithFields(logrus.Fields{"channel": msg.Channel}).WithError(err).Warn("Broadcaster: dropping malformed event")
			continue
		}
		b.dispatch(topic, ts, ev)
	}
}

// dispatch 只投递给仍然挂在 ts 上的订阅者；主题被重新订阅后旧的监听不再投递。
func (b *Broadcaster) dispatch(topic string, ts *topicSubscription, ev domain.Event) {
	b.mu.RLock()
	if b.topics[topic] != ts {
		b.mu.RUnlock()
		return
	}
	targets := make([]repository.Subscriber, 0, len(ts.subscribers))
	for _, s := range ts.subscribers {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if ev.ExcludeOrigin && ev.Origin != "" && s.ID() == ev.Origin {
			continue
		}
		if !s.Deliver(ev) {
			entry := logrus.WithFields(logrus.Fields{"topic": topic, "event": ev.Type, "conn_id": s.ID()})
			if ev.Ephemeral {
				entry.Debug("Broadcaster: ephemeral event dropped for slow client")
			} else {
				entry.Warn("Broadcaster: event dropped for slow client")
			}
		}
	}
}

// Topics 返回本进程当前订阅的主题数。
func (b *Broadcaster) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Close 关闭所有订阅并等待监听 goroutine 退出。
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topicSubscription)
	b.mu.Unlock()

	var firstErr error
	for _, ts := range topics {
		if err := ts.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}

var _ repository.EventBus = (*Broadcaster)(nil)
