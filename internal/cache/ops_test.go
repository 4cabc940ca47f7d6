package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/engagement/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOps(t *testing.T) (*Ops, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewOps(client, nil, zap.NewNop()), mr
}

func TestKeys(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePost, ID: 42}

	assert.Equal(t, "post:42:likes", CounterKey(ref, model.MetricLikes))
	assert.Equal(t, "post:42:liked_by", RelationKey(ref, model.RelationLikedBy))
	assert.Equal(t, "post:42:meta", MetaKey(ref))
	assert.Equal(t, "article:rank", RankKey(model.EntityTypeArticle))
	assert.Equal(t, "post:views:pending", PendingViewsKey(model.EntityTypePost))
}

func TestResult(t *testing.T) {
	assert.Equal(t, int64(7), hit(int64(7)).Or(3))
	assert.Equal(t, int64(3), miss[int64]().Or(3))
	assert.Equal(t, int64(3), failed[int64](fmt.Errorf("down")).Or(3))

	assert.True(t, hit(true).Found())
	assert.False(t, miss[bool]().Found())
	assert.True(t, failed[bool](fmt.Errorf("down")).Failed())
	assert.Equal(t, "error", OutcomeFailed.String())
}

func TestOps_GetCounter(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	res := ops.GetCounter(ctx, "post:1:likes")
	assert.Equal(t, OutcomeMiss, res.Outcome)

	require.NoError(t, mr.Set("post:1:likes", "12"))
	res = ops.GetCounter(ctx, "post:1:likes")
	assert.True(t, res.Found())
	assert.Equal(t, int64(12), res.Value)

	require.NoError(t, mr.Set("post:1:views", "not-a-number"))
	res = ops.GetCounter(ctx, "post:1:views")
	assert.True(t, res.Failed())
}

func TestOps_GetCounters(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("c", "3"))

	results := ops.GetCounters(ctx, "a", "b", "c")
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].Value)
	assert.Equal(t, OutcomeMiss, results[1].Outcome)
	assert.Equal(t, int64(3), results[2].Value)

	assert.Empty(t, ops.GetCounters(ctx))
}

func TestOps_SetCounter(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	assert.True(t, ops.SetCounter(ctx, "k", 10, time.Hour))
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "10", v)
	assert.Equal(t, time.Hour, mr.TTL("k"))

	assert.True(t, ops.SetCounter(ctx, "k", -5, 0))
	v, err = mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestOps_IncrementCounter_TTLOnlyOnCreate(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	inc, ok := ops.IncrementCounter(ctx, "post:1:views", 1, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(1), inc.Value)
	assert.True(t, inc.Created)
	assert.Equal(t, 10*time.Second, mr.TTL("post:1:views"))

	mr.FastForward(4 * time.Second)

	inc, ok = ops.IncrementCounter(ctx, "post:1:views", 1, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(2), inc.Value)
	assert.False(t, inc.Created)
	// A later increment must not push the expiry out
	assert.Equal(t, 6*time.Second, mr.TTL("post:1:views"))
}

func TestOps_IncrementCounter_NeverNegative(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	ops.SetCounter(ctx, "post:1:likes", 2, time.Minute)

	for _, delta := range []int64{-1, -1, -1, -5} {
		inc, ok := ops.IncrementCounter(ctx, "post:1:likes", delta, time.Minute)
		require.True(t, ok)
		assert.GreaterOrEqual(t, inc.Value, int64(0))
	}

	got, err := mr.Get("post:1:likes")
	require.NoError(t, err)
	assert.Equal(t, "0", got)
	// Clamping keeps the initial expiry
	assert.Equal(t, time.Minute, mr.TTL("post:1:likes"))

	// Decrement of a missing key creates it at zero
	inc, ok := ops.IncrementCounter(ctx, "post:2:likes", -3, time.Minute)
	require.True(t, ok)
	assert.Equal(t, int64(0), inc.Value)
	assert.True(t, inc.Created)
}

func TestOps_AddToExistingSet(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	assert.True(t, ops.AddToExistingSet(ctx, "post:1:liked_by", "u1"))
	assert.False(t, mr.Exists("post:1:liked_by"), "must not create a partial set")

	require.True(t, ops.ReplaceSet(ctx, "post:1:liked_by", []string{"u1"}, time.Hour))
	assert.True(t, ops.AddToExistingSet(ctx, "post:1:liked_by", "u2"))

	res := ops.SetMembers(ctx, "post:1:liked_by")
	require.True(t, res.Found())
	assert.ElementsMatch(t, []string{"u1", "u2"}, res.Value)
}

func TestOps_AddToSetAndPop(t *testing.T) {
	ops, _ := newTestOps(t)
	ctx := context.Background()
	key := "post:views:pending"

	empty := ops.PopMembers(ctx, key, 10)
	require.True(t, empty.Found())
	assert.Empty(t, empty.Value)

	require.True(t, ops.AddToSet(ctx, key, "1", "2", "3"))
	require.True(t, ops.AddToSet(ctx, key, "2"))

	first := ops.PopMembers(ctx, key, 2)
	require.True(t, first.Found())
	assert.Len(t, first.Value, 2)

	rest := ops.PopMembers(ctx, key, 2)
	require.True(t, rest.Found())
	assert.Len(t, rest.Value, 1)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, append(first.Value, rest.Value...))
}

func TestOps_IsMember(t *testing.T) {
	ops, _ := newTestOps(t)
	ctx := context.Background()

	res := ops.IsMember(ctx, "post:1:liked_by", "u1")
	assert.Equal(t, OutcomeMiss, res.Outcome)

	require.True(t, ops.ReplaceSet(ctx, "post:1:liked_by", []string{"u1"}, time.Hour))

	res = ops.IsMember(ctx, "post:1:liked_by", "u1")
	require.True(t, res.Found())
	assert.True(t, res.Value)

	res = ops.IsMember(ctx, "post:1:liked_by", "u9")
	require.True(t, res.Found())
	assert.False(t, res.Value)
}

func TestOps_ReplaceSet_EmptyIsKnown(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	require.True(t, ops.ReplaceSet(ctx, "post:1:favorited_by", nil, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("post:1:favorited_by"))

	res := ops.IsMember(ctx, "post:1:favorited_by", "u1")
	require.True(t, res.Found())
	assert.False(t, res.Value)

	members := ops.SetMembers(ctx, "post:1:favorited_by")
	require.True(t, members.Found())
	assert.Empty(t, members.Value)

	// Removing the last real member keeps the set known
	require.True(t, ops.ReplaceSet(ctx, "post:1:favorited_by", []string{"u1"}, time.Hour))
	require.True(t, ops.RemoveFromSet(ctx, "post:1:favorited_by", "u1"))
	res = ops.IsMember(ctx, "post:1:favorited_by", "u1")
	require.True(t, res.Found())
	assert.False(t, res.Value)
}

func TestOps_SortedSet(t *testing.T) {
	ops, _ := newTestOps(t)
	ctx := context.Background()
	key := RankKey(model.EntityTypePost)

	for i := 1; i <= 5; i++ {
		require.True(t, ops.ZAdd(ctx, key, fmt.Sprint(i), float64(i*10)))
	}

	card := ops.ZCard(ctx, key)
	require.True(t, card.Found())
	assert.Equal(t, int64(5), card.Value)

	top := ops.ZRevRange(ctx, key, 0, 2)
	require.True(t, top.Found())
	assert.Equal(t, []string{"5", "4", "3"}, top.Value)

	scored := ops.ZRangeWithScores(ctx, key, 0, 0)
	require.True(t, scored.Found())
	assert.Equal(t, []model.ScoredMember{{Member: "5", Score: 50}}, scored.Value)

	score := ops.ZScore(ctx, key, "2")
	require.True(t, score.Found())
	assert.Equal(t, 20.0, score.Value)
	assert.Equal(t, OutcomeMiss, ops.ZScore(ctx, key, "99").Outcome)

	// XX never resurrects a removed member
	require.True(t, ops.ZRemove(ctx, key, "1"))
	require.True(t, ops.ZAddExisting(ctx, key, "1", 99))
	assert.Equal(t, OutcomeMiss, ops.ZScore(ctx, key, "1").Outcome)

	removed, ok := ops.ZRemBelowScore(ctx, key, 30)
	require.True(t, ok)
	assert.Equal(t, int64(1), removed)

	// Keep top 2
	removed, ok = ops.ZRemRangeByRank(ctx, key, 0, -3)
	require.True(t, ok)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, []string{"5", "4"}, ops.ZRevRange(ctx, key, 0, -1).Value)
}

func TestOps_ZScaleScores(t *testing.T) {
	ops, _ := newTestOps(t)
	ctx := context.Background()

	require.True(t, ops.ZAdd(ctx, "k", "a", 100))
	require.True(t, ops.ZAdd(ctx, "k", "b", 10))

	n, ok := ops.ZScaleScores(ctx, "k", 0.5)
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
	assert.InDelta(t, 50.0, ops.ZScore(ctx, "k", "a").Value, 1e-9)
	assert.InDelta(t, 5.0, ops.ZScore(ctx, "k", "b").Value, 1e-9)

	n, ok = ops.ZScaleScores(ctx, "missing", 0.5)
	require.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestOps_Hash(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()

	assert.Equal(t, OutcomeMiss, ops.HGetAll(ctx, "post:1:meta").Outcome)

	require.True(t, ops.HSet(ctx, "post:1:meta", map[string]interface{}{"created_at": "1700000000"}, time.Hour))
	res := ops.HGetAll(ctx, "post:1:meta")
	require.True(t, res.Found())
	assert.Equal(t, "1700000000", res.Value["created_at"])
	assert.Equal(t, time.Hour, mr.TTL("post:1:meta"))

	require.True(t, ops.Delete(ctx, "post:1:meta"))
	assert.False(t, mr.Exists("post:1:meta"))
}

func TestOps_StoreUnavailable(t *testing.T) {
	ops, mr := newTestOps(t)
	ctx := context.Background()
	mr.Close()

	assert.Error(t, ops.Ping(ctx))
	assert.True(t, ops.GetCounter(ctx, "k").Failed())
	assert.Equal(t, int64(0), ops.GetCounter(ctx, "k").Or(0))
	assert.True(t, ops.IsMember(ctx, "k", "u").Failed())
	assert.True(t, ops.ZRevRange(ctx, "k", 0, 9).Failed())

	_, ok := ops.IncrementCounter(ctx, "k", 1, time.Minute)
	assert.False(t, ok)
	assert.False(t, ops.SetCounter(ctx, "k", 1, time.Minute))
	assert.False(t, ops.ZAdd(ctx, "k", "m", 1))
	assert.False(t, ops.ReplaceSet(ctx, "k", []string{"u"}, time.Minute))

	for _, r := range ops.GetCounters(ctx, "a", "b") {
		assert.True(t, r.Failed())
	}
}
