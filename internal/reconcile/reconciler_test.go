package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/engagement/internal/cache"
	"github.com/devrev/engagement/internal/lock"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/store"
	"github.com/devrev/engagement/internal/store/storetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	reconciler *Reconciler
	source     *storetest.MockSourceStore
	search     *storetest.MockSearchIndex
	repairs    *storetest.MockRepairLog
	ops        *cache.Ops
	mutex      *lock.Mutex
	mr         *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		source:  new(storetest.MockSourceStore),
		search:  new(storetest.MockSearchIndex),
		repairs: new(storetest.MockRepairLog),
		ops:     cache.NewOps(client, nil, zap.NewNop()),
		mutex:   lock.NewMutex(client, nil, zap.NewNop()),
		mr:      mr,
	}
	f.reconciler = NewReconciler(f.source, f.ops, f.mutex, f.search, f.repairs, cfg, nil, zap.NewNop())
	return f
}

func post(id int64, counts model.Counts) *model.Entity {
	return &model.Entity{
		Ref:       model.EntityRef{Type: model.EntityTypePost, ID: id},
		CreatedAt: time.Now(),
		Counts:    counts,
	}
}

func repairFrom(source model.RepairSource) interface{} {
	return mock.MatchedBy(func(r *model.Repair) bool { return r.Source == source })
}

func TestReconciler_RunBatch_RepairsCachedCounter(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	e := post(1, model.Counts{Likes: 10, Comments: 2})
	likesKey := cache.CounterKey(e.Ref, model.MetricLikes)
	require.True(t, f.ops.SetCounter(ctx, likesKey, 7, time.Hour))

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{e}, nil)
	f.source.On("CountEngagement", mock.Anything, e.Ref).Return(model.Counts{Likes: 10, Comments: 2}, nil)
	f.repairs.On("Record", mock.Anything, repairFrom(model.RepairSourceCache)).Return(nil)
	f.search.On("UpsertDocument", mock.Anything, mock.MatchedBy(func(doc model.SearchDocument) bool {
		return doc.ID == 1 && doc.LikeCount == 10 && doc.CommentCount == 2
	})).Return(nil)

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.DBRepairs)
	assert.Equal(t, 1, report.CacheFixes)
	assert.Equal(t, 2, report.Populated)

	assert.Equal(t, int64(10), f.ops.GetCounter(ctx, likesKey).Value)
	assert.Equal(t, int64(2), f.ops.GetCounter(ctx, cache.CounterKey(e.Ref, model.MetricComments)).Value)

	f.source.AssertNotCalled(t, "UpdateCounts", mock.Anything, mock.Anything, mock.Anything)
	f.source.AssertExpectations(t)
	f.repairs.AssertExpectations(t)
	f.search.AssertExpectations(t)
}

func TestReconciler_RunBatch_RepairsDenormalizedColumns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	e := post(1, model.Counts{Likes: 7, Comments: 2, Views: 40})
	want := model.Counts{Likes: 10, Comments: 2, Views: 40}

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{e}, nil)
	f.source.On("CountEngagement", mock.Anything, e.Ref).Return(model.Counts{Likes: 10, Comments: 2}, nil)
	f.source.On("UpdateCounts", mock.Anything, e.Ref, want).Return(nil).Once()
	f.repairs.On("Record", mock.Anything, repairFrom(model.RepairSourceDatabase)).Return(nil).Once()
	f.search.On("UpsertDocument", mock.Anything, mock.Anything).Return(nil).Once()

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)

	assert.Equal(t, 1, report.DBRepairs)
	f.source.AssertExpectations(t)
	f.repairs.AssertExpectations(t)
}

func TestReconciler_RunBatch_ViewsExcluded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Only the view column differs from what relations can tell us
	e := post(1, model.Counts{Likes: 3, Views: 999})
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(e.Ref, model.MetricLikes), 3, 0))
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(e.Ref, model.MetricComments), 0, 0))
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(e.Ref, model.MetricFavorites), 0, 0))
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(e.Ref, model.MetricViews), 5, 0))

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{e}, nil)
	f.source.On("CountEngagement", mock.Anything, e.Ref).Return(model.Counts{Likes: 3}, nil)

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)

	assert.Equal(t, 0, report.DBRepairs)
	assert.Equal(t, 0, report.CacheFixes)
	assert.Equal(t, int64(5), f.ops.GetCounter(ctx, cache.CounterKey(e.Ref, model.MetricViews)).Value)
	f.source.AssertNotCalled(t, "UpdateCounts", mock.Anything, mock.Anything, mock.Anything)
	f.search.AssertNotCalled(t, "UpsertDocument", mock.Anything, mock.Anything)
}

func TestReconciler_RunBatch_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	drifted := post(1, model.Counts{Likes: 7, Comments: 2})
	repaired := post(1, model.Counts{Likes: 10, Comments: 2})
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(drifted.Ref, model.MetricLikes), 7, 0))

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{drifted}, nil).Once()
	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{repaired}, nil).Once()
	f.source.On("CountEngagement", mock.Anything, drifted.Ref).Return(model.Counts{Likes: 10, Comments: 2}, nil)
	f.source.On("UpdateCounts", mock.Anything, drifted.Ref, repaired.Counts).Return(nil).Once()
	f.repairs.On("Record", mock.Anything, mock.Anything).Return(nil)
	f.search.On("UpsertDocument", mock.Anything, mock.Anything).Return(nil)

	first, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 1, first.DBRepairs)
	assert.Equal(t, 1, first.CacheFixes)

	second, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 0, second.DBRepairs)
	assert.Equal(t, 0, second.CacheFixes)
	assert.Equal(t, 0, second.Populated)

	f.source.AssertNumberOfCalls(t, "UpdateCounts", 1)
	f.repairs.AssertNumberOfCalls(t, "Record", 2)
	f.search.AssertNumberOfCalls(t, "UpsertDocument", 1)
}

func TestReconciler_RunBatch_PartialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entities := []*model.Entity{
		post(1, model.Counts{Likes: 1}),
		post(2, model.Counts{Likes: 1}),
		post(3, model.Counts{Likes: 1}),
	}

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return(entities, nil)
	f.source.On("CountEngagement", mock.Anything, entities[0].Ref).Return(model.Counts{Likes: 2}, nil)
	f.source.On("CountEngagement", mock.Anything, entities[1].Ref).Return(model.Counts{}, errors.New("statement timeout"))
	f.source.On("CountEngagement", mock.Anything, entities[2].Ref).Return(model.Counts{Likes: 2}, nil)
	f.source.On("UpdateCounts", mock.Anything, mock.Anything, model.Counts{Likes: 2}).Return(nil)
	f.repairs.On("Record", mock.Anything, mock.Anything).Return(errors.New("repair log down"))
	f.search.On("UpsertDocument", mock.Anything, mock.Anything).Return(errors.New("index down"))

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.DBRepairs)
	f.source.AssertNumberOfCalls(t, "UpdateCounts", 2)
}

func TestReconciler_RunBatch_DeletedSinceListed(t *testing.T) {
	f := newFixture(t, Config{})

	e := post(1, model.Counts{Likes: 1})
	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return([]*model.Entity{e}, nil)
	f.source.On("CountEngagement", mock.Anything, e.Ref).Return(model.Counts{Likes: 2}, nil)
	f.source.On("UpdateCounts", mock.Anything, e.Ref, mock.Anything).Return(store.ErrNotFound)

	report, err := f.reconciler.RunBatch(context.Background(), model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.DBRepairs)
	f.repairs.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestReconciler_RunBatch_AdvancesCursor(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()

	page1 := []*model.Entity{post(1, model.Counts{}), post(2, model.Counts{})}
	page2 := []*model.Entity{post(3, model.Counts{})}

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 2).Return(page1, nil)
	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 2, 2).Return(page2, nil)
	f.source.On("CountEngagement", mock.Anything, mock.Anything).Return(model.Counts{}, nil)

	first, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Offset)
	assert.Equal(t, 2, first.NextOffset)

	second, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Offset)
	assert.Equal(t, 0, second.NextOffset, "short page wraps to the start")

	// Cursors are per type
	assert.Equal(t, 0, f.reconciler.cursor(model.EntityTypeArticle))
}

func TestReconciler_RunBatch_ListFailureKeepsCursor(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	f.reconciler.setCursor(model.EntityTypePost, 4)

	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 4, 2).Return(nil, errors.New("db down"))

	_, err := f.reconciler.RunBatch(context.Background(), model.EntityTypePost)
	assert.Error(t, err)
	assert.Equal(t, 4, f.reconciler.cursor(model.EntityTypePost))
	assert.False(t, f.mr.Exists("lock:reconcile:post"), "lock released after failure")
}

func TestReconciler_RunBatch_SkippedWhenLocked(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, ok, err := f.mutex.TryAcquire(ctx, "reconcile:post", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	f.source.AssertNotCalled(t, "ListEntities", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_Sweep(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()

	f.source.On("ListEntities", mock.Anything, model.EntityTypeArticle, 0, 2).Return([]*model.Entity{
		{Ref: model.EntityRef{Type: model.EntityTypeArticle, ID: 1}},
		{Ref: model.EntityRef{Type: model.EntityTypeArticle, ID: 2}},
	}, nil)
	f.source.On("ListEntities", mock.Anything, model.EntityTypeArticle, 2, 2).Return([]*model.Entity{
		{Ref: model.EntityRef{Type: model.EntityTypeArticle, ID: 3}},
		{Ref: model.EntityRef{Type: model.EntityTypeArticle, ID: 4}},
	}, nil)
	f.source.On("ListEntities", mock.Anything, model.EntityTypeArticle, 4, 2).Return([]*model.Entity{}, nil)
	f.source.On("CountEngagement", mock.Anything, mock.Anything).Return(model.Counts{}, nil)

	report, err := f.reconciler.Sweep(ctx, model.EntityTypeArticle)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 0, f.reconciler.cursor(model.EntityTypeArticle))
	assert.False(t, f.mr.Exists("lock:reconcile:article"))
}

func TestReconciler_ReconcileEntity(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	e := post(5, model.Counts{Favorites: 1})
	f.source.On("GetEntity", mock.Anything, e.Ref).Return(e, nil)
	f.source.On("CountEngagement", mock.Anything, e.Ref).Return(model.Counts{Favorites: 4}, nil)
	f.source.On("UpdateCounts", mock.Anything, e.Ref, model.Counts{Favorites: 4}).Return(nil)
	f.repairs.On("Record", mock.Anything, mock.Anything).Return(nil)
	f.search.On("UpsertDocument", mock.Anything, mock.Anything).Return(nil)

	report, err := f.reconciler.ReconcileEntity(ctx, e.Ref)
	require.NoError(t, err)
	assert.True(t, report.Repaired())
	assert.Equal(t, int64(4), f.ops.GetCounter(ctx, cache.CounterKey(e.Ref, model.MetricFavorites)).Value)
	assert.False(t, f.mr.Exists("lock:repair:post:5"))
}

func TestReconciler_ReconcileEntity_Deleted(t *testing.T) {
	f := newFixture(t, Config{})
	ref := model.EntityRef{Type: model.EntityTypePost, ID: 5}

	f.source.On("GetEntity", mock.Anything, ref).Return(&model.Entity{Ref: ref, Deleted: true}, nil)

	_, err := f.reconciler.ReconcileEntity(context.Background(), ref)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconciler_ReconcileEntity_Busy(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, RetryBackoff: 10 * time.Millisecond})
	ctx := context.Background()
	ref := model.EntityRef{Type: model.EntityTypePost, ID: 5}

	_, ok, err := f.mutex.TryAcquire(ctx, "repair:post:5", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.reconciler.ReconcileEntity(ctx, ref)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	f.source.AssertNotCalled(t, "GetEntity", mock.Anything, mock.Anything)
}

func TestReconciler_PruneRepairLog(t *testing.T) {
	f := newFixture(t, Config{RepairLogTTL: 48 * time.Hour})

	f.repairs.On("CleanupOldRepairs", mock.Anything, 48*time.Hour).Return(int64(12), nil)

	deleted, err := f.reconciler.PruneRepairLog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
	f.repairs.AssertExpectations(t)
}

func TestReconciler_RunBatch_RenewsLease(t *testing.T) {
	f := newFixture(t, Config{LockLease: 30 * time.Millisecond})
	ctx := context.Background()

	entities := []*model.Entity{post(1, model.Counts{}), post(2, model.Counts{}), post(3, model.Counts{}), post(4, model.Counts{})}
	var held []bool
	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return(entities, nil)
	f.source.On("CountEngagement", mock.Anything, mock.Anything).
		Return(func(context.Context, model.EntityRef) (model.Counts, error) {
			held = append(held, f.mr.Exists("lock:reconcile:post"))
			// Each entity takes half the lease
			time.Sleep(15 * time.Millisecond)
			f.mr.FastForward(15 * time.Millisecond)
			return model.Counts{}, nil
		})

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, []bool{true, true, true, true}, held)
	assert.False(t, f.mr.Exists("lock:reconcile:post"))
}

func TestReconciler_RunBatch_StopsWhenLeaseLost(t *testing.T) {
	f := newFixture(t, Config{LockLease: 30 * time.Millisecond})
	ctx := context.Background()

	entities := []*model.Entity{post(1, model.Counts{}), post(2, model.Counts{})}
	f.source.On("ListEntities", mock.Anything, model.EntityTypePost, 0, 500).Return(entities, nil)
	f.source.On("CountEngagement", mock.Anything, mock.Anything).
		Return(func(context.Context, model.EntityRef) (model.Counts, error) {
			// The lease ran out and another runner took the lock
			require.NoError(t, f.mr.Set("lock:reconcile:post", "other-runner"))
			time.Sleep(15 * time.Millisecond)
			return model.Counts{}, nil
		}).Once()

	report, err := f.reconciler.RunBatch(ctx, model.EntityTypePost)
	require.ErrorIs(t, err, lock.ErrLeaseLost)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, f.reconciler.cursor(model.EntityTypePost))

	// The other runner's lock is left alone
	stored, err := f.mr.Get("lock:reconcile:post")
	require.NoError(t, err)
	assert.Equal(t, "other-runner", stored)
}

func TestReconciler_FlushViews(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	viewed := model.EntityRef{Type: model.EntityTypePost, ID: 1}
	require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(viewed, model.MetricViews), 510, time.Hour))
	require.True(t, f.ops.AddToSet(ctx, cache.PendingViewsKey(model.EntityTypePost), "1", "2", "bogus"))

	f.source.On("UpdateViews", mock.Anything, viewed, int64(510)).Return(nil).Once()

	report, err := f.reconciler.FlushViews(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Flushed)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Failed)

	assert.Empty(t, f.ops.PopMembers(ctx, cache.PendingViewsKey(model.EntityTypePost), 10).Value)
	f.source.AssertExpectations(t)
}

func TestReconciler_FlushViews_FailureStaysPending(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		ref := model.EntityRef{Type: model.EntityTypePost, ID: id}
		require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(ref, model.MetricViews), id*10, time.Hour))
		require.True(t, f.ops.AddToSet(ctx, cache.PendingViewsKey(model.EntityTypePost), ref.Member()))
	}

	failing := model.EntityRef{Type: model.EntityTypePost, ID: 2}
	f.source.On("UpdateViews", mock.Anything, failing, int64(20)).Return(errors.New("db down"))
	f.source.On("UpdateViews", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	report, err := f.reconciler.FlushViews(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Flushed)
	assert.Equal(t, 1, report.Failed)

	pending, err := f.mr.Members(cache.PendingViewsKey(model.EntityTypePost))
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, pending)
}

func TestReconciler_FlushViews_StoreDown(t *testing.T) {
	f := newFixture(t, Config{})
	f.mr.Close()

	_, err := f.reconciler.FlushViews(context.Background(), model.EntityTypePost)
	assert.Error(t, err)
	f.source.AssertNotCalled(t, "UpdateViews", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_SyncSearch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	key := cache.RankKey(model.EntityTypePost)

	cached := model.EntityRef{Type: model.EntityTypePost, ID: 1}
	uncached := model.EntityRef{Type: model.EntityTypePost, ID: 2}
	deleted := model.EntityRef{Type: model.EntityTypePost, ID: 3}
	require.True(t, f.ops.ZAdd(ctx, key, "1", 50))
	require.True(t, f.ops.ZAdd(ctx, key, "2", 40))
	require.True(t, f.ops.ZAdd(ctx, key, "3", 30))

	for _, m := range model.Metrics {
		require.True(t, f.ops.SetCounter(ctx, cache.CounterKey(cached, m), 4, time.Hour))
	}

	f.source.On("GetEntity", mock.Anything, uncached).
		Return(post(2, model.Counts{Likes: 9, Views: 100}), nil).Once()
	f.source.On("GetEntity", mock.Anything, deleted).Return(nil, store.ErrNotFound).Once()
	f.search.On("UpsertDocument", mock.Anything, mock.MatchedBy(func(doc model.SearchDocument) bool {
		return doc.ID == 1 && doc.LikeCount == 4 && doc.ViewCount == 4 && doc.HotScore == 50
	})).Return(nil).Once()
	f.search.On("UpsertDocument", mock.Anything, mock.MatchedBy(func(doc model.SearchDocument) bool {
		return doc.ID == 2 && doc.LikeCount == 9 && doc.ViewCount == 100 && doc.HotScore == 40
	})).Return(nil).Once()

	report, err := f.reconciler.SyncSearch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	f.source.AssertExpectations(t)
	f.search.AssertExpectations(t)
}

func TestReconciler_SyncSearch_BoundedAndFailSoft(t *testing.T) {
	f := newFixture(t, Config{SearchSyncSize: 1})
	ctx := context.Background()
	key := cache.RankKey(model.EntityTypePost)

	require.True(t, f.ops.ZAdd(ctx, key, "1", 50))
	require.True(t, f.ops.ZAdd(ctx, key, "2", 40))

	f.source.On("GetEntity", mock.Anything, model.EntityRef{Type: model.EntityTypePost, ID: 1}).
		Return(post(1, model.Counts{Likes: 3}), nil).Once()
	f.search.On("UpsertDocument", mock.Anything, mock.Anything).Return(errors.New("index down")).Once()

	report, err := f.reconciler.SyncSearch(ctx, model.EntityTypePost)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Synced)
	assert.Equal(t, 1, report.Failed)

	f.source.AssertExpectations(t)
	f.search.AssertExpectations(t)
}
