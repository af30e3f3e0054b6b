// Package redisutil provides the Redis primitives shared by the consensus
// client, lock service, state bus, and cluster health components: atomic
// compare-and-swap/compare-and-delete scripts and key-naming helpers for the
// cluster coordination keys.
package redisutil

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript atomically deletes key only if its current value
// equals the given token, returning 1 on success and 0 otherwise. Used for
// fenced lock release (§4.2) where a lost renewal must never delete a key
// another holder has since acquired.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// compareAndExpireScript atomically resets a key's TTL only if its current
// value equals the given token. Used for fenced lock renewal/extend (§4.2).
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// CompareAndDelete deletes key iff its value equals token. Reports whether
// the delete happened.
func CompareAndDelete(ctx context.Context, rdb *redis.Client, key, token string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CompareAndExpire resets key's TTL to ttl iff its value equals token.
// Reports whether the expire happened.
func CompareAndExpire(ctx context.Context, rdb *redis.Client, key, token string, ttl time.Duration) (bool, error) {
	res, err := compareAndExpireScript.Run(ctx, rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// SetIfAbsent sets key to value with the given TTL only if key does not
// already exist (SET NX PX). Reports whether the set happened.
func SetIfAbsent(ctx context.Context, rdb *redis.Client, key, value string, ttl time.Duration) (bool, error) {
	ok, err := rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Keys holds the cluster coordination key/channel names derived from an
// application prefix, per spec.md §6 "Cluster coordination keys".
type Keys struct {
	AppPrefix string
}

// Election is the election key "/<appPrefix>/leader". Its value is always
// the literal instance id of the current leader, used as the CAS token for
// renewal and as the comparison value for observers.
func (k Keys) Election() string { return "/" + k.AppPrefix + "/leader" }

// ElectionMeta is the key holding the JSON election payload (elected-at
// timestamp, metadata) for the current leader, kept separate from Election
// so that key's value stays a bare CAS token.
func (k Keys) ElectionMeta() string { return "/" + k.AppPrefix + "/leader/meta" }

// Lock is the lock key "<appPrefix>:lock:<resource>".
func (k Keys) Lock(resource string) string { return k.AppPrefix + ":lock:" + resource }

// State is the state key "<appPrefix>:state:<key>".
func (k Keys) State(key string) string { return k.AppPrefix + ":state:" + key }

// StateChannel is the pub/sub channel "<appPrefix>:sync:state".
func (k Keys) StateChannel() string { return k.AppPrefix + ":sync:state" }

// Node is the heartbeat key "<appPrefix>:state:node:<instanceId>", living in
// the state namespace per spec.md §6.
func (k Keys) Node(instanceID string) string { return k.State("node:" + instanceID) }

// NodePattern is the glob pattern matching every node heartbeat key.
func (k Keys) NodePattern() string { return k.State("node:*") }
