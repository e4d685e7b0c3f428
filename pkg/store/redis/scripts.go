// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package redis

import "github.com/redis/go-redis/v9"

// combineScript adds a diff to one instance's counter and gauge fields and
// pushes the gauge expiry.
//
// KEYS: quota hash, rate hash, expiry zset
// ARGV: instance, quota diff, rate diff, expires at (unix ms), expiry member
// Returns: {counter, gauge}
var combineScript = redis.NewScript(`
local q = redis.call("HINCRBY", KEYS[1], ARGV[1], ARGV[2])
local r = redis.call("HINCRBY", KEYS[2], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[5])
return {q, r}
`)

// sumScript totals every instance's fields of a key in one read.
//
// KEYS: quota hash, rate hash
// Returns: {quota, rate}
var sumScript = redis.NewScript(`
local function sum(key)
    local total = 0
    for _, v in ipairs(redis.call("HVALS", key)) do
        total = total + tonumber(v)
    end
    return total
end
return {sum(KEYS[1]), sum(KEYS[2])}
`)

// expireScript removes one gauge field if its expiry is still strictly
// before now. The expired members are listed by the caller, so every key
// the script touches is declared.
//
// KEYS: expiry zset, rate hash
// ARGV: member ("instance|user"), instance, now (unix ms)
// Returns: 1 if the field was removed
var expireScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score or tonumber(score) >= tonumber(ARGV[3]) then
    return 0
end
redis.call("HDEL", KEYS[2], ARGV[2])
redis.call("ZREM", KEYS[1], ARGV[1])
return 1
`)

// deleteScript removes a user's limits with every instance's fields.
//
// KEYS: limits hash, quota hash, rate hash, expiry zset
// ARGV: user
var deleteScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
for _, instance in ipairs(redis.call("HKEYS", KEYS[3])) do
    redis.call("ZREM", KEYS[4], instance .. "|" .. ARGV[1])
end
redis.call("DEL", KEYS[2], KEYS[3])
return 1
`)
