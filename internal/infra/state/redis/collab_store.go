package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/repository"
)

// lockGraceFactor 决定锁 hash 的 PEXPIRE 是 TTL 的几倍。
// 过期判断以 expires_at 字段为准，Redis TTL 只负责兜底回收。
const lockGraceFactor = 2

// RedisCollabStore 是 CollabStore 接口的 Redis 实现。
type RedisCollabStore struct {
	client    *redis.Client
	keyPrefix string
	// 房间和连接类 key 的空闲过期时间
	idleTTL time.Duration
}

// NewRedisCollabStore 创建 RedisCollabStore 实例
func NewRedisCollabStore(client *redis.Client, keyPrefix string, idleTTL time.Duration) *RedisCollabStore {
	if client == nil {
		panic("redis client cannot be nil for RedisCollabStore")
	}
	if keyPrefix == "" {
		keyPrefix = "sbc:" // 默认前缀 "sbc:" (soundboard collab)
	}
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &RedisCollabStore{
		client:    client,
		keyPrefix: keyPrefix,
		idleTTL:   idleTTL,
	}
}

// KeyPrefix 返回 key 前缀，Pub/Sub 频道使用同一前缀。
func (r *RedisCollabStore) KeyPrefix() string { return r.keyPrefix }

// memberRecord 是 room:{r}:users 中每个用户的值
type memberRecord struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	JoinedAt int64  `json:"joined_at"`
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis: failed to %s: %w: %w", op, repository.ErrUnavailable, err)
}

// --- Connections ---

// RegisterConnection 登记连接所属用户，并写入心跳。
func (r *RedisCollabStore) RegisterConnection(ctx context.Context, connID string, member domain.Member, now time.Time) error {
	pipe := r.client.TxPipeline()
	connKey := r.connKey(connID)
	pipe.HSet(ctx, connKey,
		"user", member.Key(),
		"username", member.Username,
		"connected_at", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.Expire(ctx, connKey, r.idleTTL)
	if !member.IsAnonymous() {
		userKey := r.userConnsKey(member.Key())
		pipe.SAdd(ctx, userKey, connID)
		pipe.Expire(ctx, userKey, r.idleTTL)
	}
	pipe.ZAdd(ctx, r.heartbeatKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: connID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("register connection "+connID, err)
	}
	return nil
}

// TouchConnection 刷新心跳，并续期连接所在房间、连接和用户的 key，
// 使在线成员不会因为房间长时间没有新的加入而过期。
// 返回 false 表示连接已被清理出心跳集合，此时不做任何写入。
func (r *RedisCollabStore) TouchConnection(ctx context.Context, connID string, now time.Time) (bool, error) {
	keys := []string{r.heartbeatKey(), r.connKey(connID), r.connRoomsKey(connID), r.connLocksKey(connID)}
	n, err := touchScript.Run(ctx, r.client, keys,
		r.keyPrefix,
		connID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(r.idleTTL.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return false, unavailable("touch connection "+connID, err)
	}
	return n == 1, nil
}

// StaleConnections 返回心跳早于 cutoff 的连接 ID。
func (r *RedisCollabStore) StaleConnections(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, r.heartbeatKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("list stale connections", err)
	}
	return ids, nil
}

// UserConnections 返回用户的所有在线连接。
func (r *RedisCollabStore) UserConnections(ctx context.Context, userID uint) ([]string, error) {
	key := r.userConnsKey(strconv.FormatUint(uint64(userID), 10))
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("list connections for user "+key, err)
	}
	return ids, nil
}

// --- Presence ---

// AddConnectionToRoom 把连接加入房间。SADD/HSETNX 本身幂等，同一连接重复加入不会改变状态。
func (r *RedisCollabStore) AddConnectionToRoom(ctx context.Context, room string, member domain.Member, connID string) error {
	pipe := r.client.TxPipeline()
	roomConns := r.roomConnsKey(room)
	connRooms := r.connRoomsKey(connID)
	pipe.SAdd(ctx, roomConns, connID)
	pipe.Expire(ctx, roomConns, r.idleTTL)
	pipe.SAdd(ctx, connRooms, room)
	pipe.Expire(ctx, connRooms, r.idleTTL)

	if !member.IsAnonymous() {
		record, err := json.Marshal(memberRecord{ID: member.ID, Username: member.Username, JoinedAt: time.Now().UnixMilli()})
		if err != nil {
			return fmt.Errorf("redis: failed to marshal member record: %w", err)
		}
		userConns := r.roomUserConnsKey(room, member.Key())
		users := r.roomUsersKey(room)
		pipe.SAdd(ctx, userConns, connID)
		pipe.Expire(ctx, userConns, r.idleTTL)
		pipe.HSetNX(ctx, users, member.Key(), record)
		pipe.Expire(ctx, users, r.idleTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(fmt.Sprintf("add connection %s to room %s", connID, room), err)
	}
	return nil
}

// RemoveConnectionFromRoom 把连接移出房间；用户最后一个连接离开时从成员列表删除。
func (r *RedisCollabStore) RemoveConnectionFromRoom(ctx context.Context, room string, member domain.Member, connID string) (int, bool, error) {
	if member.IsAnonymous() {
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, r.roomConnsKey(room), connID)
		pipe.SRem(ctx, r.connRoomsKey(connID), room)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, unavailable(fmt.Sprintf("remove connection %s from room %s", connID, room), err)
		}
		return 0, false, nil
	}

	keys := []string{
		r.roomUserConnsKey(room, member.Key()),
		r.roomUsersKey(room),
		r.roomConnsKey(room),
		r.connRoomsKey(connID),
	}
	res, err := leaveScript.Run(ctx, r.client, keys, connID, member.Key(), room).Slice()
	if err != nil {
		return 0, false, unavailable(fmt.Sprintf("remove connection %s from room %s", connID, room), err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis: unexpected leave reply %v", res)
	}
	return int(replyInt(res[0])), replyInt(res[1]) == 1, nil
}

// ListUsersInRoom 返回房间成员，按加入时间排序。
func (r *RedisCollabStore) ListUsersInRoom(ctx context.Context, room string) ([]domain.Member, error) {
	key := r.roomUsersKey(room)
	vals, err := r.client.HVals(ctx, key).Result()
	if err != nil {
		return nil, unavailable("list users in "+key, err)
	}
	records := make([]memberRecord, 0, len(vals))
	for _, v := range vals {
		var rec memberRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": room, "value": v}).Warn("RedisCollabStore: skipping malformed member record")
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].JoinedAt != records[j].JoinedAt {
			return records[i].JoinedAt < records[j].JoinedAt
		}
		return records[i].ID < records[j].ID
	})
	members := make([]domain.Member, 0, len(records))
	for _, rec := range records {
		members = append(members, domain.Member{ID: rec.ID, Username: rec.Username})
	}
	return members, nil
}

// --- Locks ---

// TryAcquireLock 原子加锁。同一用户重复加锁视为续期，并把锁转到本次请求的连接上。
func (r *RedisCollabStore) TryAcquireLock(ctx context.Context, req domain.LockRequest) (domain.LockResult, error) {
	if req.TTL <= 0 {
		return domain.LockResult{}, errors.New("redis: lock ttl must be positive")
	}
	expires := req.Now.Add(req.TTL).UnixMilli()
	member := lockMember(req.Room, req.Slot)
	keys := []string{
		r.lockKey(req.Room, req.Slot),
		r.lockExpiryKey(),
		r.connLocksKey(req.ConnID),
		r.roomLocksKey(req.Room),
	}
	res, err := acquireScript.Run(ctx, r.client, keys,
		req.Owner.Key(),
		req.Owner.Username,
		req.ConnID,
		strconv.FormatInt(req.Now.UnixMilli(), 10),
		strconv.FormatInt(expires, 10),
		strconv.FormatInt(req.TTL.Milliseconds()*lockGraceFactor, 10),
		member,
		req.Slot,
		strconv.FormatInt(int64(r.idleTTL/time.Second), 10),
	).Slice()
	if err != nil {
		return domain.LockResult{}, unavailable("acquire lock "+member, err)
	}
	if len(res) < 4 {
		return domain.LockResult{}, fmt.Errorf("redis: unexpected acquire reply %v", res)
	}

	holderID, _ := strconv.ParseUint(replyString(res[1]), 10, 64)
	result := domain.LockResult{
		Acquired:  replyInt(res[0]) == 1,
		Holder:    domain.Member{ID: uint(holderID), Username: replyString(res[2])},
		ExpiresAt: time.UnixMilli(replyInt(res[3])),
	}
	if len(res) > 4 {
		result.Renewed = replyInt(res[4]) == 1
	}
	return result, nil
}

// ReleaseLock 仅当 userID 是持有者时释放。锁不存在时返回 (false, 零值 Member)。
func (r *RedisCollabStore) ReleaseLock(ctx context.Context, room, slot string, userID uint) (bool, domain.Member, error) {
	member := lockMember(room, slot)
	keys := []string{r.lockKey(room, slot), r.lockExpiryKey(), r.roomLocksKey(room)}
	res, err := releaseScript.Run(ctx, r.client, keys, strconv.FormatUint(uint64(userID), 10), member, slot).Slice()
	if err != nil {
		return false, domain.Member{}, unavailable("release lock "+member, err)
	}
	if len(res) != 3 {
		return false, domain.Member{}, fmt.Errorf("redis: unexpected release reply %v", res)
	}
	holderID, _ := strconv.ParseUint(replyString(res[1]), 10, 64)
	return replyInt(res[0]) == 1, domain.Member{ID: uint(holderID), Username: replyString(res[2])}, nil
}

// RenewLock 延长调用者持有的锁。
func (r *RedisCollabStore) RenewLock(ctx context.Context, req domain.LockRequest) (bool, time.Time, error) {
	if req.TTL <= 0 {
		return false, time.Time{}, errors.New("redis: lock ttl must be positive")
	}
	expires := req.Now.Add(req.TTL)
	member := lockMember(req.Room, req.Slot)
	keys := []string{r.lockKey(req.Room, req.Slot), r.lockExpiryKey()}
	n, err := renewScript.Run(ctx, r.client, keys,
		req.Owner.Key(),
		strconv.FormatInt(req.Now.UnixMilli(), 10),
		strconv.FormatInt(expires.UnixMilli(), 10),
		strconv.FormatInt(req.TTL.Milliseconds()*lockGraceFactor, 10),
		member,
	).Int64()
	if err != nil {
		return false, time.Time{}, unavailable("renew lock "+member, err)
	}
	if n != 1 {
		return false, time.Time{}, nil
	}
	return true, time.UnixMilli(expires.UnixMilli()), nil
}

// ListLocks 返回房间内在 now 时刻仍有效的锁，按 slot 排序。
func (r *RedisCollabStore) ListLocks(ctx context.Context, room string, now time.Time) ([]domain.SlotLock, error) {
	slots, err := r.client.SMembers(ctx, r.roomLocksKey(room)).Result()
	if err != nil {
		return nil, unavailable("list locks in room "+room, err)
	}
	if len(slots) == 0 {
		return []domain.SlotLock{}, nil
	}
	sort.Strings(slots)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(slots))
	for i, slot := range slots {
		cmds[i] = pipe.HGetAll(ctx, r.lockKey(room, slot))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("read locks in room "+room, err)
	}

	locks := make([]domain.SlotLock, 0, len(slots))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		lock := decodeLock(room, slots[i], fields)
		if lock.Expired(now) {
			continue
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func decodeLock(room, slot string, fields map[string]string) domain.SlotLock {
	ownerID, _ := strconv.ParseUint(fields["user"], 10, 64)
	acquired, _ := strconv.ParseInt(fields["acquired_at"], 10, 64)
	expires, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	return domain.SlotLock{
		Room:       room,
		Slot:       slot,
		OwnerID:    uint(ownerID),
		OwnerName:  fields["username"],
		ConnID:     fields["conn"],
		AcquiredAt: time.UnixMilli(acquired),
		ExpiresAt:  time.UnixMilli(expires),
	}
}

// ReleaseConnectionLocks 释放连接在 room（为空表示所有房间）持有的锁。
func (r *RedisCollabStore) ReleaseConnectionLocks(ctx context.Context, connID, room string) ([]domain.ReleasedLock, error) {
	keys := []string{r.connLocksKey(connID), r.lockExpiryKey()}
	res, err := releaseConnLocksScript.Run(ctx, r.client, keys, r.keyPrefix, connID, room).Slice()
	if err != nil {
		return nil, unavailable("release locks of connection "+connID, err)
	}
	released := make([]domain.ReleasedLock, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		released = append(released, releasedLock(res[i+1], res[i+2], res[i+3]))
	}
	return released, nil
}

// ExpireLocks 释放最多 limit 个在 now 时刻已过期的锁。
func (r *RedisCollabStore) ExpireLocks(ctx context.Context, now time.Time, limit int) ([]domain.ReleasedLock, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := expireScript.Run(ctx, r.client, []string{r.lockExpiryKey()},
		r.keyPrefix,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
	).Slice()
	if err != nil {
		return nil, unavailable("expire locks", err)
	}
	released := make([]domain.ReleasedLock, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		released = append(released, releasedLock(res[i], res[i+1], res[i+2]))
	}
	return released, nil
}

// --- Cleanup ---

// CleanupConnection 在一个脚本里把连接移出所有房间并释放它的锁。重复调用返回空结果。
func (r *RedisCollabStore) CleanupConnection(ctx context.Context, connID string) (domain.CleanupResult, error) {
	keys := []string{
		r.connKey(connID),
		r.connRoomsKey(connID),
		r.connLocksKey(connID),
		r.lockExpiryKey(),
		r.heartbeatKey(),
	}
	res, err := cleanupScript.Run(ctx, r.client, keys, r.keyPrefix, connID).Slice()
	if err != nil {
		return domain.CleanupResult{}, unavailable("clean up connection "+connID, err)
	}

	result := domain.CleanupResult{ConnID: connID}
	for i := 0; i+3 < len(res); i += 4 {
		switch replyString(res[i]) {
		case "room":
			uid, _ := strconv.ParseUint(replyString(res[i+3]), 10, 64)
			result.Rooms = append(result.Rooms, domain.RoomDeparture{
				Room:     replyString(res[i+1]),
				UserID:   uint(uid),
				Departed: replyString(res[i+2]) == "1",
			})
		case "lock":
			result.Released = append(result.Released, releasedLock(res[i+1], res[i+2], res[i+3]))
		}
	}
	return result, nil
}

// --- Reply helpers ---

func releasedLock(room, slot, user interface{}) domain.ReleasedLock {
	uid, _ := strconv.ParseUint(replyString(user), 10, 64)
	return domain.ReleasedLock{Room: replyString(room), Slot: replyString(slot), OwnerID: uint(uid)}
}

func replyString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func replyInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	default:
		return 0
	}
}

var _ repository.CollabStore = (*RedisCollabStore)(nil)
