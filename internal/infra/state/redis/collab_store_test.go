package redisstate_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundboard-collab/internal/domain"
	redisstate "soundboard-collab/internal/infra/state/redis"
	"soundboard-collab/internal/repository"
)

var (
	alice = domain.Member{ID: 1, Username: "alice"}
	bob   = domain.Member{ID: 2, Username: "bob"}
)

func newStore(t *testing.T) (*redisstate.RedisCollabStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstate.NewRedisCollabStore(client, "test:", time.Hour), mr
}

func lockReq(room, slot string, who domain.Member, conn string, now time.Time) domain.LockRequest {
	return domain.LockRequest{Room: room, Slot: slot, Owner: who, ConnID: conn, TTL: time.Minute, Now: now}
}

func TestNewRedisCollabStore_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() { redisstate.NewRedisCollabStore(nil, "", 0) })
}

func TestPresence_MultiTabUserCountedOnce(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c1"))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c2"))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", bob, "c3"))

	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Member{alice, bob}, users)

	remaining, departed, err := store.RemoveConnectionFromRoom(ctx, "b1", alice, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.False(t, departed, "alice still has another tab open")

	users, err = store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Member{alice, bob}, users)

	remaining, departed, err = store.RemoveConnectionFromRoom(ctx, "b1", alice, "c2")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.True(t, departed)

	users, err = store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{bob}, users)
}

func TestPresence_JoinIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c1"))
	}
	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{alice}, users)

	_, departed, err := store.RemoveConnectionFromRoom(ctx, "b1", alice, "c1")
	require.NoError(t, err)
	assert.True(t, departed, "a single leave undoes repeated joins of the same connection")

	// 再次离开是空操作
	_, departed, err = store.RemoveConnectionFromRoom(ctx, "b1", alice, "c1")
	require.NoError(t, err)
	assert.False(t, departed)
}

func TestPresence_AnonymousNotListed(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", domain.Anonymous(), "anon"))
	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, users)

	_, departed, err := store.RemoveConnectionFromRoom(ctx, "b1", domain.Anonymous(), "anon")
	require.NoError(t, err)
	assert.False(t, departed)
}

func TestLocks_MutualExclusion(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	res, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.False(t, res.Renewed)
	assert.Equal(t, alice, res.Holder)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), res.ExpiresAt.UnixMilli())

	res, err = store.TryAcquireLock(ctx, lockReq("b1", "s1", bob, "c2", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, alice, res.Holder, "denial names the current holder")

	// 其他 slot 不受影响
	res, err = store.TryAcquireLock(ctx, lockReq("b1", "s2", bob, "c2", now))
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	locks, err := store.ListLocks(ctx, "b1", now)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "s1", locks[0].Slot)
	assert.Equal(t, uint(1), locks[0].OwnerID)
	assert.Equal(t, "c1", locks[0].ConnID)
	assert.Equal(t, "s2", locks[1].Slot)
}

func TestLocks_ConcurrentAcquireHasOneWinner(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	const contenders = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uint
	)
	for i := 1; i <= contenders; i++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			who := domain.Member{ID: id, Username: fmt.Sprintf("u%d", id)}
			res, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", who, fmt.Sprintf("c%d", id), now))
			if assert.NoError(t, err) && res.Acquired {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(uint(i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	locks, err := store.ListLocks(ctx, "b1", now)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, winners[0], locks[0].OwnerID)
}

func TestLocks_SameUserReacquireIsRenewal(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "tab1", now))
	require.NoError(t, err)

	res, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "tab2", now.Add(10*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.True(t, res.Renewed)
	assert.Equal(t, now.Add(70*time.Second).UnixMilli(), res.ExpiresAt.UnixMilli())

	locks, err := store.ListLocks(ctx, "b1", now)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "tab2", locks[0].ConnID, "ownership moves to the requesting tab")
	assert.Equal(t, now.UnixMilli(), locks[0].AcquiredAt.UnixMilli())

	// 旧标签页断开不会释放已被新标签页接管的锁
	released, err := store.ReleaseConnectionLocks(ctx, "tab1", "")
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestLocks_ReleaseOnlyByOwner(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)

	released, holder, err := store.ReleaseLock(ctx, "b1", "s1", bob.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, alice, holder)

	released, _, err = store.ReleaseLock(ctx, "b1", "s1", alice.ID)
	require.NoError(t, err)
	assert.True(t, released)

	// 释放不存在的锁
	released, holder, err = store.ReleaseLock(ctx, "b1", "s1", alice.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, domain.Member{}, holder)

	res, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", bob, "c2", now))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestLocks_ExpiredLockCanBeTakenOver(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)

	later := now.Add(time.Minute)
	locks, err := store.ListLocks(ctx, "b1", later)
	require.NoError(t, err)
	assert.Empty(t, locks, "a lock is not visible once expires_at is reached")

	res, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", bob, "c2", later))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.False(t, res.Renewed)
	assert.Equal(t, bob, res.Holder)
}

func TestLocks_Renew(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)

	ok, _, err := store.RenewLock(ctx, lockReq("b1", "s1", bob, "c2", now))
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may renew")

	ok, exp, err := store.RenewLock(ctx, lockReq("b1", "s1", alice, "c1", now.Add(30*time.Second)))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now.Add(90*time.Second).UnixMilli(), exp.UnixMilli())

	// 已过期的锁不能续期
	ok, _, err = store.RenewLock(ctx, lockReq("b1", "s1", alice, "c1", now.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocks_ExpireLocks(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)
	_, err = store.TryAcquireLock(ctx, lockReq("b2", "s9", bob, "c2", now.Add(30*time.Second)))
	require.NoError(t, err)

	released, err := store.ExpireLocks(ctx, now.Add(59*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, released)

	released, err = store.ExpireLocks(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.ReleasedLock{{Room: "b1", Slot: "s1", OwnerID: 1}}, released)

	// 续期过的锁不会按旧的过期时间被清理
	_, _, err = store.RenewLock(ctx, lockReq("b2", "s9", bob, "c2", now.Add(80*time.Second)))
	require.NoError(t, err)
	released, err = store.ExpireLocks(ctx, now.Add(100*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, released)

	released, err = store.ExpireLocks(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.ReleasedLock{{Room: "b2", Slot: "s9", OwnerID: 2}}, released)

	locks, err := store.ListLocks(ctx, "b2", now)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestReleaseConnectionLocks_FiltersByRoom(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)
	_, err = store.TryAcquireLock(ctx, lockReq("b2", "s2", alice, "c1", now))
	require.NoError(t, err)

	released, err := store.ReleaseConnectionLocks(ctx, "c1", "b1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ReleasedLock{{Room: "b1", Slot: "s1", OwnerID: 1}}, released)

	locks, err := store.ListLocks(ctx, "b2", now)
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestCleanupConnection_RemovesPresenceAndLocks(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RegisterConnection(ctx, "c1", alice, now))
	require.NoError(t, store.RegisterConnection(ctx, "c2", alice, now))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c1"))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b2", alice, "c1"))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b2", alice, "c2"))
	_, err := store.TryAcquireLock(ctx, lockReq("b1", "s1", alice, "c1", now))
	require.NoError(t, err)

	res, err := store.CleanupConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ConnID)
	assert.ElementsMatch(t, []domain.RoomDeparture{
		{Room: "b1", UserID: 1, Departed: true},
		{Room: "b2", UserID: 1, Departed: false},
	}, res.Rooms)
	assert.Equal(t, []domain.ReleasedLock{{Room: "b1", Slot: "s1", OwnerID: 1}}, res.Released)

	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, users)
	users, err = store.ListUsersInRoom(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{alice}, users)

	conns, err := store.UserConnections(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, conns)

	// 重复清理是空操作
	res, err = store.CleanupConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, res.Rooms)
	assert.Empty(t, res.Released)
}

func TestHeartbeat_StaleConnections(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RegisterConnection(ctx, "old", alice, now.Add(-5*time.Minute)))
	require.NoError(t, store.RegisterConnection(ctx, "fresh", bob, now.Add(-5*time.Minute)))
	alive, err := store.TouchConnection(ctx, "fresh", now)
	require.NoError(t, err)
	assert.True(t, alive)

	stale, err := store.StaleConnections(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)

	// 清理后的连接不会被心跳重新登记
	_, err = store.CleanupConnection(ctx, "old")
	require.NoError(t, err)
	alive, err = store.TouchConnection(ctx, "old", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, alive)
	stale, err = store.StaleConnections(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, stale)
}

func TestTouchConnection_KeepsLiveRoomStateAlive(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RegisterConnection(ctx, "c1", alice, now))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c1"))

	// 空闲期为 1h，持续心跳 3h 后成员和连接登记仍然存在
	for i := 1; i <= 6; i++ {
		mr.FastForward(30 * time.Minute)
		alive, err := store.TouchConnection(ctx, "c1", now.Add(time.Duration(i)*30*time.Minute))
		require.NoError(t, err)
		require.True(t, alive)
	}

	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{alice}, users)
	conns, err := store.UserConnections(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, conns)

	// 断线清理仍能找到连接所在的房间
	cleanup, err := store.CleanupConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomDeparture{{Room: "b1", UserID: 1, Departed: true}}, cleanup.Rooms)
}

func TestTouchConnection_IdleRoomExpires(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterConnection(ctx, "c1", alice, time.Now()))
	require.NoError(t, store.AddConnectionToRoom(ctx, "b1", alice, "c1"))

	mr.FastForward(2 * time.Hour)
	users, err := store.ListUsersInRoom(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestStoreUnavailable(t *testing.T) {
	store, mr := newStore(t)
	mr.Close()

	_, err := store.TryAcquireLock(context.Background(), lockReq("b1", "s1", alice, "c1", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrUnavailable)
}
