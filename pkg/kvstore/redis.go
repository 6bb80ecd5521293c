package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript is the Lua script realizing CAS server-side: it reads the
// current value, compares it against the caller's expectation, and only
// then writes newValue — all inside one atomic Redis EVAL, so no other
// client can observe or race the intermediate state. expectedOK is passed
// as ARGV[2] since Lua has no nil-vs-absent distinction worth relying on
// across redis client versions.
const casScript = `
local current = redis.call("GET", KEYS[1])
local expectedOK = ARGV[2]
if expectedOK == "1" then
	if current == false or current ~= ARGV[1] then
		return 0
	end
else
	if current ~= false then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[3])
return 1
`

// RedisStore is the production Store backend, wrapping a redis.Cmdable so
// callers may pass either a *redis.Client or *redis.ClusterClient.
// Grounded on goclaw's pkg/lane.RedisLane, which embeds redis.Cmdable the
// same way to stay agnostic to single-node vs. cluster deployments.
type RedisStore struct {
	client redis.Cmdable
	script *redis.Script
}

// NewRedisStore wraps an existing redis.Cmdable as a Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(casScript),
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *RedisStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return r.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *RedisStore) CAS(ctx context.Context, key string, expected string, expectedOK bool, newValue string) (bool, error) {
	expectedFlag := "0"
	if expectedOK {
		expectedFlag = "1"
	}
	res, err := r.script.Run(ctx, r.client, []string{key}, expected, expectedFlag, newValue).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, errors.New("kvstore: unexpected CAS script result type")
	}
	return n == 1, nil
}
