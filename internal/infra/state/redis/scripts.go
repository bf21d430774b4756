package redisstate

import "github.com/go-redis/redis/v8"

// 所有脚本都按 keys.go 中的布局拼接 key。需要动态 key 的脚本（按连接清理）
// 通过 ARGV 传入前缀，因此要求单实例 Redis（不支持 Cluster 分片）。
// 时间戳统一为毫秒字符串，由调用方传入，脚本内不调用 TIME。

// releaseConnLocksLua 释放连接持有的锁；只有锁记录里的 conn 与之匹配才会删除，
// 同一用户在别的标签页续期后接管的锁不受影响。
const releaseConnLocksLua = `
local function releaseConnLocks(prefix, conn, roomFilter, connLocksKey, expiryKey, out)
  for _, member in ipairs(redis.call('SMEMBERS', connLocksKey)) do
    local sep = string.find(member, '/', 1, true)
    if sep then
      local room = string.sub(member, 1, sep - 1)
      local slot = string.sub(member, sep + 1)
      if roomFilter == '' or roomFilter == room then
        local lk = prefix .. 'room:' .. room .. ':lock:' .. slot
        if redis.call('HGET', lk, 'conn') == conn then
          local user = redis.call('HGET', lk, 'user') or ''
          redis.call('DEL', lk)
          redis.call('ZREM', expiryKey, member)
          redis.call('SREM', prefix .. 'room:' .. room .. ':locks', slot)
          table.insert(out, 'lock')
          table.insert(out, room)
          table.insert(out, slot)
          table.insert(out, user)
        end
        redis.call('SREM', connLocksKey, member)
      end
    end
  end
end
`

// KEYS: lock, expiry, connLocks, roomLocks
// ARGV: user, username, conn, now, expires, pttl, member, slot, connLocksTTL
// 返回 {acquired, user, username, expires, renewed}
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local owner = redis.call('HGET', KEYS[1], 'user')
local renewed = 0
local acquired = ARGV[4]
if owner then
  local expRaw = redis.call('HGET', KEYS[1], 'expires_at')
  local exp = tonumber(expRaw)
  if exp and exp > now then
    if owner ~= ARGV[1] then
      return {0, owner, redis.call('HGET', KEYS[1], 'username') or '', expRaw}
    end
    renewed = 1
    acquired = redis.call('HGET', KEYS[1], 'acquired_at') or ARGV[4]
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'user', ARGV[1], 'username', ARGV[2], 'conn', ARGV[3], 'acquired_at', acquired, 'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[7])
redis.call('SADD', KEYS[3], ARGV[7])
redis.call('EXPIRE', KEYS[3], ARGV[9])
redis.call('SADD', KEYS[4], ARGV[8])
return {1, ARGV[1], ARGV[2], ARGV[5], renewed}
`)

// KEYS: lock, expiry, roomLocks
// ARGV: user, member, slot
// 返回 {released, holder, holderName}
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user')
if not owner then
  return {0, '', ''}
end
if owner ~= ARGV[1] then
  return {0, owner, redis.call('HGET', KEYS[1], 'username') or ''}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[3])
return {1, owner, ''}
`)

// KEYS: lock, expiry
// ARGV: user, now, expires, pttl, member
var renewScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user')
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if owner ~= ARGV[1] or (not exp) or exp <= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return 1
`)

// KEYS: roomUserConns, roomUsers, roomConns, connRooms
// ARGV: conn, user, room
// 返回 {remaining, departed}
var leaveScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[3])
local remaining = redis.call('SCARD', KEYS[1])
local departed = 0
if remaining == 0 then
  departed = redis.call('HDEL', KEYS[2], ARGV[2])
end
return {remaining, departed}
`)

// KEYS: connLocks, expiry
// ARGV: prefix, conn, room ('' 表示全部房间)
var releaseConnLocksScript = redis.NewScript(releaseConnLocksLua + `
local out = {}
releaseConnLocks(ARGV[1], ARGV[2], ARGV[3], KEYS[1], KEYS[2], out)
return out
`)

// KEYS: connMeta, connRooms, connLocks, expiry, heartbeat
// ARGV: prefix, conn
// 返回扁平的四元组列表：{'room', room, departed, user} 或 {'lock', room, slot, user}
var cleanupScript = redis.NewScript(releaseConnLocksLua + `
local prefix = ARGV[1]
local conn = ARGV[2]
local out = {}
local uid = redis.call('HGET', KEYS[1], 'user')
if uid == '0' then
  uid = false
end
for _, room in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  local departed = '0'
  redis.call('SREM', prefix .. 'room:' .. room .. ':conns', conn)
  if uid then
    local uc = prefix .. 'room:' .. room .. ':user:' .. uid .. ':conns'
    redis.call('SREM', uc, conn)
    if redis.call('SCARD', uc) == 0 and redis.call('HDEL', prefix .. 'room:' .. room .. ':users', uid) == 1 then
      departed = '1'
    end
  end
  table.insert(out, 'room')
  table.insert(out, room)
  table.insert(out, departed)
  table.insert(out, uid or '0')
end
releaseConnLocks(prefix, conn, '', KEYS[3], KEYS[4], out)
if uid then
  redis.call('SREM', prefix .. 'user:' .. uid .. ':conns', conn)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('ZREM', KEYS[5], conn)
return out
`)

// KEYS: expiry
// ARGV: prefix, now, limit
// 返回三元组列表 {room, slot, user}
var expireScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local out = {}
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', '0', ARGV[3])
for _, member in ipairs(due) do
  local sep = string.find(member, '/', 1, true)
  if not sep then
    redis.call('ZREM', KEYS[1], member)
  else
    local room = string.sub(member, 1, sep - 1)
    local slot = string.sub(member, sep + 1)
    local lk = prefix .. 'room:' .. room .. ':lock:' .. slot
    local expRaw = redis.call('HGET', lk, 'expires_at')
    local exp = tonumber(expRaw)
    if exp and exp > now then
      redis.call('ZADD', KEYS[1], expRaw, member)
    else
      local user = redis.call('HGET', lk, 'user') or ''
      local conn = redis.call('HGET', lk, 'conn')
      if conn then
        redis.call('SREM', prefix .. 'conn:' .. conn .. ':locks', member)
      end
      redis.call('DEL', lk)
      redis.call('ZREM', KEYS[1], member)
      redis.call('SREM', prefix .. 'room:' .. room .. ':locks', slot)
      table.insert(out, room)
      table.insert(out, slot)
      table.insert(out, user)
    end
  end
end
return out
`)

// KEYS: heartbeat, connMeta, connRooms, connLocks
// ARGV: prefix, conn, now, idleTTL(ms)
// 连接已不在心跳集合中时返回 0 且不做任何写入；否则刷新心跳和连接名下所有 key 的过期时间，返回 1。
var touchScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
local prefix = ARGV[1]
local ttl = ARGV[4]
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
local uid = redis.call('HGET', KEYS[2], 'user')
if uid == '0' then
  uid = false
end
for _, room in ipairs(redis.call('SMEMBERS', KEYS[3])) do
  redis.call('PEXPIRE', prefix .. 'room:' .. room .. ':conns', ttl)
  if uid then
    redis.call('PEXPIRE', prefix .. 'room:' .. room .. ':users', ttl)
    redis.call('PEXPIRE', prefix .. 'room:' .. room .. ':user:' .. uid .. ':conns', ttl)
  end
end
redis.call('PEXPIRE', KEYS[2], ttl)
redis.call('PEXPIRE', KEYS[3], ttl)
redis.call('PEXPIRE', KEYS[4], ttl)
if uid then
  redis.call('PEXPIRE', prefix .. 'user:' .. uid .. ':conns', ttl)
end
return 1
`)
