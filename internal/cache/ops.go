package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/engagement/internal/metrics"
	"github.com/devrev/engagement/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// setPlaceholder keeps a relation set alive when its last real member is
// removed, so an empty relation stays distinguishable from an unknown one.
const setPlaceholder = "-"

// incrementScript applies INCRBY, clamps the result at zero and sets the TTL
// only when this call created the key. It returns {value, existed}.
var incrementScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
	redis.call('INCRBY', KEYS[1], -v)
	v = 0
end
local ttl = tonumber(ARGV[2])
if existed == 0 and ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return {v, existed}
`)

// addExistingScript adds members only to a set that already exists
var addExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('SADD', KEYS[1], unpack(ARGV))
`)

// scaleScript multiplies every score of a sorted set by ARGV[1] in place
var scaleScript = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local factor = tonumber(ARGV[1])
for i = 1, #items, 2 do
	redis.call('ZADD', KEYS[1], 'XX', tostring(tonumber(items[i + 1]) * factor), items[i])
end
return #items / 2
`)

// Ops is a stateless, fail-soft accessor over the cache store.
//
// Reads return a Result so callers can tell a miss from a store failure.
// Writes return false on a store failure. Store errors are logged here and
// never returned.
type Ops struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOps creates a new cache operations layer
func NewOps(client redis.UniversalClient, m *metrics.Metrics, logger *zap.Logger) *Ops {
	return &Ops{
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// Ping checks the store. Unlike every other operation it returns the error.
func (o *Ops) Ping(ctx context.Context) error {
	if err := o.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping failed: %w", err)
	}
	return nil
}

// GetCounter reads a counter entry
func (o *Ops) GetCounter(ctx context.Context, key string) Result[int64] {
	v, err := o.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		o.metrics.RecordCacheOp("get_counter", "miss")
		return miss[int64]()
	}
	if err != nil {
		o.fail("get_counter", key, err)
		return failed[int64](err)
	}
	o.metrics.RecordCacheOp("get_counter", "hit")
	return hit(v)
}

// GetCounters reads several counter entries in one round trip. The result
// has one entry per key, in order.
func (o *Ops) GetCounters(ctx context.Context, keys ...string) []Result[int64] {
	results := make([]Result[int64], len(keys))
	if len(keys) == 0 {
		return results
	}

	values, err := o.client.MGet(ctx, keys...).Result()
	if err != nil {
		o.fail("get_counters", keys[0], err)
		for i := range results {
			results[i] = failed[int64](err)
		}
		return results
	}

	for i, raw := range values {
		if raw == nil {
			results[i] = miss[int64]()
			continue
		}
		s, ok := raw.(string)
		if !ok {
			results[i] = failed[int64](fmt.Errorf("unexpected value type %T", raw))
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			o.fail("get_counters", keys[i], err)
			results[i] = failed[int64](err)
			continue
		}
		results[i] = hit(v)
	}
	o.metrics.RecordCacheOp("get_counters", "ok")
	return results
}

// SetCounter overwrites a counter entry. Negative values are stored as zero.
func (o *Ops) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) bool {
	if value < 0 {
		value = 0
	}
	if err := o.client.Set(ctx, key, value, ttl).Err(); err != nil {
		o.fail("set_counter", key, err)
		return false
	}
	o.metrics.RecordCacheOp("set_counter", "ok")
	return true
}

// Increment is the result of IncrementCounter
type Increment struct {
	Value int64
	// Created is set when the key did not exist before this call, so Value
	// only reflects this delta
	Created bool
}

// IncrementCounter adds delta to a counter. The counter never drops below
// zero. ttl applies only when this call created the key; later increments
// never extend it.
func (o *Ops) IncrementCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (Increment, bool) {
	res, err := incrementScript.Run(ctx, o.client, []string{key}, delta, ttl.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected increment reply %v", res)
	}
	if err != nil {
		o.fail("incr_counter", key, err)
		return Increment{}, false
	}
	o.metrics.RecordCacheOp("incr_counter", "ok")
	return Increment{Value: res[0], Created: res[1] == 0}, true
}

// AddToExistingSet adds members to a set only if the set is already cached.
// A missing set is left missing so a partial set is never created.
func (o *Ops) AddToExistingSet(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	if err := addExistingScript.Run(ctx, o.client, []string{key}, toArgs(members)...).Err(); err != nil {
		o.fail("sadd_existing", key, err)
		return false
	}
	o.metrics.RecordCacheOp("sadd_existing", "ok")
	return true
}

// AddToSet adds members to a set, creating it if needed
func (o *Ops) AddToSet(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	if err := o.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		o.fail("sadd", key, err)
		return false
	}
	o.metrics.RecordCacheOp("sadd", "ok")
	return true
}

// PopMembers removes and returns up to count random members of a set. An
// empty or missing set is a hit with no members.
func (o *Ops) PopMembers(ctx context.Context, key string, count int64) Result[[]string] {
	members, err := o.client.SPopN(ctx, key, count).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		o.fail("spop", key, err)
		return failed[[]string](err)
	}
	o.metrics.RecordCacheOp("spop", "ok")
	return hit(members)
}

// RemoveFromSet removes members from a set
func (o *Ops) RemoveFromSet(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	if err := o.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		o.fail("srem", key, err)
		return false
	}
	o.metrics.RecordCacheOp("srem", "ok")
	return true
}

// IsMember checks set membership. A set that is not cached is a miss, not
// a negative answer.
func (o *Ops) IsMember(ctx context.Context, key, member string) Result[bool] {
	var exists *redis.IntCmd
	var isMember *redis.BoolCmd

	_, err := o.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, key)
		isMember = pipe.SIsMember(ctx, key, member)
		return nil
	})
	if err != nil {
		o.fail("sismember", key, err)
		return failed[bool](err)
	}

	if exists.Val() == 0 {
		o.metrics.RecordCacheOp("sismember", "miss")
		return miss[bool]()
	}
	o.metrics.RecordCacheOp("sismember", "hit")
	return hit(isMember.Val())
}

// SetMembers returns every member of a cached set
func (o *Ops) SetMembers(ctx context.Context, key string) Result[[]string] {
	raw, err := o.client.SMembers(ctx, key).Result()
	if err != nil {
		o.fail("smembers", key, err)
		return failed[[]string](err)
	}
	if len(raw) == 0 {
		o.metrics.RecordCacheOp("smembers", "miss")
		return miss[[]string]()
	}

	members := make([]string, 0, len(raw))
	for _, m := range raw {
		if m != setPlaceholder {
			members = append(members, m)
		}
	}
	o.metrics.RecordCacheOp("smembers", "hit")
	return hit(members)
}

// ReplaceSet atomically replaces the whole set with members. An empty
// members list still caches the set as known-empty.
func (o *Ops) ReplaceSet(ctx context.Context, key string, members []string, ttl time.Duration) bool {
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, setPlaceholder)
	args = append(args, toArgs(members)...)

	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, args...)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		o.fail("replace_set", key, err)
		return false
	}
	o.metrics.RecordCacheOp("replace_set", "ok")
	return true
}

// ZAdd sets the score of a sorted-set member, creating it if needed
func (o *Ops) ZAdd(ctx context.Context, key, member string, score float64) bool {
	if err := o.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		o.fail("zadd", key, err)
		return false
	}
	o.metrics.RecordCacheOp("zadd", "ok")
	return true
}

// ZAddExisting overwrites the score of a member only if it is still present
func (o *Ops) ZAddExisting(ctx context.Context, key, member string, score float64) bool {
	if err := o.client.ZAddXX(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		o.fail("zadd_xx", key, err)
		return false
	}
	o.metrics.RecordCacheOp("zadd_xx", "ok")
	return true
}

// ZScore reads the score of a sorted-set member
func (o *Ops) ZScore(ctx context.Context, key, member string) Result[float64] {
	score, err := o.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		o.metrics.RecordCacheOp("zscore", "miss")
		return miss[float64]()
	}
	if err != nil {
		o.fail("zscore", key, err)
		return failed[float64](err)
	}
	o.metrics.RecordCacheOp("zscore", "hit")
	return hit(score)
}

// ZRangeWithScores returns members ranked start..stop by descending score
func (o *Ops) ZRangeWithScores(ctx context.Context, key string, start, stop int64) Result[[]model.ScoredMember] {
	zs, err := o.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		o.fail("zrange_scores", key, err)
		return failed[[]model.ScoredMember](err)
	}

	members := make([]model.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, model.ScoredMember{Member: member, Score: z.Score})
	}
	o.metrics.RecordCacheOp("zrange_scores", "ok")
	return hit(members)
}

// ZRevRange returns member ids ranked start..stop by descending score
func (o *Ops) ZRevRange(ctx context.Context, key string, start, stop int64) Result[[]string] {
	members, err := o.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		o.fail("zrevrange", key, err)
		return failed[[]string](err)
	}
	o.metrics.RecordCacheOp("zrevrange", "ok")
	return hit(members)
}

// ZRemove removes members from a sorted set
func (o *Ops) ZRemove(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	if err := o.client.ZRem(ctx, key, toArgs(members)...).Err(); err != nil {
		o.fail("zrem", key, err)
		return false
	}
	o.metrics.RecordCacheOp("zrem", "ok")
	return true
}

// ZCard returns the size of a sorted set
func (o *Ops) ZCard(ctx context.Context, key string) Result[int64] {
	n, err := o.client.ZCard(ctx, key).Result()
	if err != nil {
		o.fail("zcard", key, err)
		return failed[int64](err)
	}
	o.metrics.RecordCacheOp("zcard", "ok")
	return hit(n)
}

// ZRemRangeByRank removes members by ascending rank and returns how many
// were removed
func (o *Ops) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, bool) {
	n, err := o.client.ZRemRangeByRank(ctx, key, start, stop).Result()
	if err != nil {
		o.fail("zremrangebyrank", key, err)
		return 0, false
	}
	o.metrics.RecordCacheOp("zremrangebyrank", "ok")
	return n, true
}

// ZRemBelowScore removes every member scoring strictly below floor
func (o *Ops) ZRemBelowScore(ctx context.Context, key string, floor float64) (int64, bool) {
	bound := "(" + strconv.FormatFloat(floor, 'f', -1, 64)
	n, err := o.client.ZRemRangeByScore(ctx, key, "-inf", bound).Result()
	if err != nil {
		o.fail("zremrangebyscore", key, err)
		return 0, false
	}
	o.metrics.RecordCacheOp("zremrangebyscore", "ok")
	return n, true
}

// ZScaleScores multiplies every score in the sorted set by factor in one
// atomic step and returns the number of members scaled
func (o *Ops) ZScaleScores(ctx context.Context, key string, factor float64) (int64, bool) {
	n, err := scaleScript.Run(ctx, o.client, []string{key}, strconv.FormatFloat(factor, 'f', -1, 64)).Int64()
	if err != nil {
		o.fail("zscale", key, err)
		return 0, false
	}
	o.metrics.RecordCacheOp("zscale", "ok")
	return n, true
}

// HGetAll reads a hash. An empty hash is a miss.
func (o *Ops) HGetAll(ctx context.Context, key string) Result[map[string]string] {
	fields, err := o.client.HGetAll(ctx, key).Result()
	if err != nil {
		o.fail("hgetall", key, err)
		return failed[map[string]string](err)
	}
	if len(fields) == 0 {
		o.metrics.RecordCacheOp("hgetall", "miss")
		return miss[map[string]string]()
	}
	o.metrics.RecordCacheOp("hgetall", "hit")
	return hit(fields)
}

// HSet writes hash fields and resets the hash TTL
func (o *Ops) HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) bool {
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		o.fail("hset", key, err)
		return false
	}
	o.metrics.RecordCacheOp("hset", "ok")
	return true
}

// Delete removes keys
func (o *Ops) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := o.client.Del(ctx, keys...).Err(); err != nil {
		o.fail("del", keys[0], err)
		return false
	}
	o.metrics.RecordCacheOp("del", "ok")
	return true
}

func (o *Ops) fail(op, key string, err error) {
	o.metrics.RecordCacheOp(op, "error")
	o.logger.Warn("Cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
