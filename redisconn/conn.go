// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisconn wraps the go-redis client down to the narrow surface
// the store layers need (string/list/sorted-set commands, scripting,
// scan), the same narrowing the kvtools-redis Store type does around its
// redis.UniversalClient. Depending on this interface rather than the
// concrete client is what lets regstore/obsstore/rlock be tested without a
// live Redis: see Fake in fake.go.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist (GetSet
// reports a missing prior value as nil, nil instead). It is
// the redisconn-level analogue of redis.Nil and is what store code checks
// with errors.Is to implement the "NotFound is a nil return, never raised"
// policy further up the stack.
var ErrNotFound = errors.New("redisconn: key not found")

// Conn is the subset of Redis commands the store layers rely on. All
// methods are context-aware so a caller can cancel a blocked operation by
// cancelling ctx, per the core's cancellation model.
type Conn interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	GetSet(ctx context.Context, key string, val []byte) ([]byte, error)
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)

	LPush(ctx context.Context, key string, val []byte) error
	LRange(ctx context.Context, key string) ([][]byte, error)
	LRem(ctx context.Context, key string, val []byte) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)

	// CompareAndDelete deletes key iff its current value equals expected,
	// atomically. Used for PeerLock release and for the address-index
	// guard of invariant I3. Returns whether the delete happened.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	Close() error
}

// client implements Conn over a real redis.UniversalClient.
type client struct {
	rdb          redis.UniversalClient
	casDeleteScript *redis.Script
}

// cas-delete: only the Lua scripting primitive spec.md §6 calls out as
// required when the store lacks a native compare-and-delete command.
const casDeleteLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Options configures the pooled Redis connection. Field names and
// intent mirror the kvtools-redis reference's Config: a bounded,
// lazily-dialed pool rather than one connection per caller.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
}

// New dials a pooled connection to a single Redis instance. It does not
// block on the connection being healthy; the pool dials lazily as
// commands are issued, matching go-redis's default behaviour.
func New(opts Options) Conn {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	return &client{
		rdb:             rdb,
		casDeleteScript: redis.NewScript(casDeleteLua),
	}
}

func (c *client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisconn: GET %s: %w", key, err)
	}
	return b, nil
}

func (c *client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redisconn: SET %s: %w", key, err)
	}
	return nil
}

func (c *client) GetSet(ctx context.Context, key string, val []byte) ([]byte, error) {
	prev, err := c.rdb.GetSet(ctx, key, val).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisconn: GETSET %s: %w", key, err)
	}
	return prev, nil
}

func (c *client) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisconn: SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (c *client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisconn: DEL %v: %w", keys, err)
	}
	return nil
}

func (c *client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisconn: MGET %v: %w", keys, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (c *client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redisconn: SCAN cursor=%d match=%s: %w", cursor, match, err)
	}
	return keys, next, nil
}

func (c *client) LPush(ctx context.Context, key string, val []byte) error {
	if err := c.rdb.LPush(ctx, key, val).Err(); err != nil {
		return fmt.Errorf("redisconn: LPUSH %s: %w", key, err)
	}
	return nil
}

func (c *client) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisconn: LRANGE %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *client) LRem(ctx context.Context, key string, val []byte) error {
	if err := c.rdb.LRem(ctx, key, 0, val).Err(); err != nil {
		return fmt.Errorf("redisconn: LREM %s: %w", key, err)
	}
	return nil
}

func (c *client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redisconn: ZADD %s: %w", key, err)
	}
	return nil
}

func (c *client) ZRem(ctx context.Context, key string, member string) error {
	if err := c.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redisconn: ZREM %s: %w", key, err)
	}
	return nil
}

func (c *client) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisconn: ZRANGEBYSCORE %s: %w", key, err)
	}
	return members, nil
}

func (c *client) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	res, err := c.casDeleteScript.Run(ctx, c.rdb, []string{key}, expected).Result()
	if err != nil {
		return false, fmt.Errorf("redisconn: compare-and-delete %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n > 0, nil
}

func (c *client) Close() error {
	return c.rdb.Close()
}
