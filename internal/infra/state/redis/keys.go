package redisstate

// --- Key Generation Helpers ---
// 布局必须与 scripts.go 中 Lua 拼接的 key 保持一致。

func (r *RedisCollabStore) connKey(connID string) string {
	return r.keyPrefix + "conn:" + connID
}

func (r *RedisCollabStore) connRoomsKey(connID string) string {
	return r.keyPrefix + "conn:" + connID + ":rooms"
}

func (r *RedisCollabStore) connLocksKey(connID string) string {
	return r.keyPrefix + "conn:" + connID + ":locks"
}

func (r *RedisCollabStore) heartbeatKey() string {
	return r.keyPrefix + "conns:heartbeat"
}

func (r *RedisCollabStore) userConnsKey(userKey string) string {
	return r.keyPrefix + "user:" + userKey + ":conns"
}

func (r *RedisCollabStore) roomUsersKey(room string) string {
	return r.keyPrefix + "room:" + room + ":users"
}

func (r *RedisCollabStore) roomUserConnsKey(room, userKey string) string {
	return r.keyPrefix + "room:" + room + ":user:" + userKey + ":conns"
}

func (r *RedisCollabStore) roomConnsKey(room string) string {
	return r.keyPrefix + "room:" + room + ":conns"
}

func (r *RedisCollabStore) roomLocksKey(room string) string {
	return r.keyPrefix + "room:" + room + ":locks"
}

func (r *RedisCollabStore) lockKey(room, slot string) string {
	return r.keyPrefix + "room:" + room + ":lock:" + slot
}

func (r *RedisCollabStore) lockExpiryKey() string {
	return r.keyPrefix + "locks:expiry"
}

// lockMember 是锁在 locks:expiry 和 conn:{c}:locks 中的成员名。房间 ID 不含 '/'。
func lockMember(room, slot string) string {
	return room + "/" + slot
}
