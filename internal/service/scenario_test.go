package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"soundboard-collab/internal/domain"
	redispubsub "soundboard-collab/internal/infra/pubsub/redis"
	redisstate "soundboard-collab/internal/infra/state/redis"
	"soundboard-collab/internal/repository"
	"soundboard-collab/internal/repository/mocks"
	"soundboard-collab/internal/service"
)

// newProcess 组装一个独立的服务进程：自己的 Redis 连接、Broadcaster 和服务实例，只共享 Redis。
func newProcess(t *testing.T, mr *miniredis.Miniredis, boards repository.BoardRepository) *service.SessionManager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstate.NewRedisCollabStore(client, "test:", time.Hour)
	bus := redispubsub.NewBroadcaster(client, store.KeyPrefix())
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})

	presence := service.NewPresenceService(store, bus)
	locks := service.NewLockService(store, bus, time.Minute, nil)
	reactions := service.NewReactionService(bus, 16, 1)
	reactions.Start()
	t.Cleanup(reactions.Stop)

	return service.NewSessionManager(service.SessionDeps{
		Store:       store,
		Bus:         bus,
		Access:      service.NewAccessService(boards),
		Presence:    presence,
		Locks:       locks,
		Reactions:   reactions,
		BoardEvents: service.NewBoardEventService(bus, presence, locks),
		Janitor:     service.NewJanitor(store, presence, locks, time.Minute, nil),
	})
}

func TestScenario_PresenceAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	boards := new(mocks.BoardRepository)
	boards.On("FindByID", mock.Anything, "board-7").Return(&domain.Board{ID: 7, OwnerID: alice.ID, IsPublic: true}, nil)
	boards.On("FindCollaborator", mock.Anything, uint(7), bob.ID).
		Return(&domain.BoardCollaborator{BoardID: 7, UserID: bob.ID, Role: domain.RoleEditor}, nil)

	p1 := newProcess(t, mr, boards)
	p2 := newProcess(t, mr, boards)
	ctx := context.Background()

	alicePeer := newPeer("conn-a")
	aliceSession := p1.Open(ctx, "conn-a", alice, alicePeer)
	_, err := aliceSession.Join(ctx, "board-7")
	require.NoError(t, err)

	bobPeer := newPeer("conn-b")
	bobSession := p2.Open(ctx, "conn-b", bob, bobPeer)
	_, err = bobSession.Join(ctx, "board-7")
	require.NoError(t, err)

	// P2 发布的 presence_update 经 Redis 到达 P1 上的 alice，反之亦然
	hasBoth := func(p *fakePeer) func() bool {
		return func() bool {
			for _, ev := range p.received(domain.EventPresenceUpdate) {
				var members []domain.Member
				if json.Unmarshal(ev.Data, &members) == nil && len(members) == 2 {
					return true
				}
			}
			return false
		}
	}
	assert.Eventually(t, hasBoth(alicePeer), 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, hasBoth(bobPeer), 2*time.Second, 10*time.Millisecond)

	// 锁事件同样跨进程
	res, err := aliceSession.RequestLock(ctx, "board-7", "s1")
	require.NoError(t, err)
	require.True(t, res.Acquired)
	assert.Eventually(t, func() bool { return len(bobPeer.received(domain.EventSlotLocked)) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err = bobSession.RequestLock(ctx, "board-7", "s1")
	require.NoError(t, err)
	assert.False(t, res.Acquired, "mutual exclusion holds across processes")

	// alice 的连接在 P1 上断开，P2 上的 bob 看到锁释放
	require.NoError(t, aliceSession.Close(ctx))
	assert.Eventually(t, func() bool { return len(bobPeer.received(domain.EventSlotReleased)) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err = bobSession.RequestLock(ctx, "board-7", "s1")
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	// 反应走独立的主题
	assert.True(t, bobSession.SendReaction("board-7", "🎸"))
	assert.Eventually(t, func() bool { return len(bobPeer.received(domain.EventReceiveReaction)) == 1 }, 2*time.Second, 10*time.Millisecond)
}
