package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"soundboard-collab/internal/domain"
	redisstate "soundboard-collab/internal/infra/state/redis"
	"soundboard-collab/internal/repository"
	"soundboard-collab/internal/repository/mocks"
	"soundboard-collab/internal/service"
)

var (
	alice = domain.Member{ID: 1, Username: "alice"}
	bob   = domain.Member{ID: 2, Username: "bob"}
	carol = domain.Member{ID: 3, Username: "carol"}
)

// --- 同步的内存 EventBus，便于断言广播内容 ---

type syncBus struct {
	mu        sync.Mutex
	subs      map[string]map[string]repository.Subscriber
	published []domain.Event
	failWith  error
}

func newSyncBus() *syncBus {
	return &syncBus{subs: make(map[string]map[string]repository.Subscriber)}
}

func (b *syncBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, ev)
	var targets []repository.Subscriber
	for _, s := range b.subs[ev.Topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if ev.ExcludeOrigin && s.ID() == ev.Origin {
			continue
		}
		s.Deliver(ev)
	}
	return nil
}

func (b *syncBus) Subscribe(_ context.Context, topic string, sub repository.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]repository.Subscriber)
	}
	b.subs[topic][sub.ID()] = sub
	return nil
}

func (b *syncBus) Unsubscribe(_ context.Context, topic string, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

func (b *syncBus) subscribed(topic, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic][id]
	return ok
}

func (b *syncBus) eventsOf(typ domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.published {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- 记录收到事件和回复的 Peer ---

type reply struct {
	Type domain.EventType
	Data json.RawMessage
}

type fakePeer struct {
	id string

	mu      sync.Mutex
	events  []domain.Event
	replies []reply
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(ev domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *fakePeer) Reply(typ domain.EventType, payload interface{}) bool {
	data, _ := json.Marshal(payload)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply{Type: typ, Data: data})
	return true
}

func (p *fakePeer) received(typ domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (p *fakePeer) lastReply(t *testing.T) reply {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.replies, "expected a reply")
	return p.replies[len(p.replies)-1]
}

// --- 可控时钟 ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- 组装好的测试环境 ---

type env struct {
	mr        *miniredis.Miniredis
	store     *redisstate.RedisCollabStore
	bus       *syncBus
	boards    *mocks.BoardRepository
	clock     *clock
	presence  *service.PresenceService
	locks     *service.LockService
	reactions *service.ReactionService
	events    *service.BoardEventService
	janitor   *service.Janitor
	sessions  *service.SessionManager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := &env{
		mr:     mr,
		store:  redisstate.NewRedisCollabStore(client, "test:", time.Hour),
		bus:    newSyncBus(),
		boards: new(mocks.BoardRepository),
		clock:  newClock(),
	}
	e.presence = service.NewPresenceService(e.store, e.bus)
	e.locks = service.NewLockService(e.store, e.bus, time.Minute, e.clock.Now)
	e.reactions = service.NewReactionService(e.bus, 8, 1)
	e.events = service.NewBoardEventService(e.bus, e.presence, e.locks)
	e.janitor = service.NewJanitor(e.store, e.presence, e.locks, 90*time.Second, e.clock.Now)
	e.sessions = service.NewSessionManager(service.SessionDeps{
		Store:            e.store,
		Bus:              e.bus,
		Access:           service.NewAccessService(e.boards),
		Presence:         e.presence,
		Locks:            e.locks,
		Reactions:        e.reactions,
		BoardEvents:      e.events,
		Janitor:          e.janitor,
		ReactionCooldown: 500 * time.Millisecond,
		Now:              e.clock.Now,
	})
	return e
}

// publicBoard 让 room 成为 owner 拥有的公开音板，editors 是编辑协作者。
func (e *env) publicBoard(room string, id uint, owner domain.Member, editors ...domain.Member) {
	e.board(room, id, owner, true, editors...)
}

func (e *env) board(room string, id uint, owner domain.Member, public bool, editors ...domain.Member) {
	e.boards.On("FindByID", mock.Anything, room).Return(&domain.Board{ID: id, OwnerID: owner.ID, IsPublic: public}, nil)
	for _, ed := range editors {
		e.boards.On("FindCollaborator", mock.Anything, id, ed.ID).
			Return(&domain.BoardCollaborator{BoardID: id, UserID: ed.ID, Role: domain.RoleEditor}, nil)
	}
	e.boards.On("FindCollaborator", mock.Anything, id, mock.Anything).Return(nil, repository.ErrNotFound)
}

func (e *env) open(t *testing.T, connID string, member domain.Member) (*service.Session, *fakePeer) {
	t.Helper()
	peer := newPeer(connID)
	return e.sessions.Open(context.Background(), connID, member, peer), peer
}

func (e *env) join(t *testing.T, connID string, member domain.Member, room string) (*service.Session, *fakePeer) {
	t.Helper()
	s, peer := e.open(t, connID, member)
	_, err := s.Join(context.Background(), room)
	require.NoError(t, err)
	return s, peer
}

func decodeMembers(t *testing.T, ev domain.Event) []domain.Member {
	t.Helper()
	var members []domain.Member
	require.NoError(t, json.Unmarshal(ev.Data, &members))
	return members
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(domain.Frame{Event: event, Data: raw})
	require.NoError(t, err)
	return out
}
