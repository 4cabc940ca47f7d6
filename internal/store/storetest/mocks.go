// Package storetest provides testify mocks of the store interfaces.
//
// Return values may be given as functions with the same signature as the
// mocked method; they are called with the actual arguments.
package storetest

import (
	"context"
	"time"

	"github.com/devrev/engagement/internal/model"
	"github.com/stretchr/testify/mock"
)

// MockSourceStore is a mock implementation of store.SourceStore
type MockSourceStore struct {
	mock.Mock
}

func (m *MockSourceStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	args := m.Called(ctx, ref)
	if fn, ok := args.Get(0).(func(context.Context, model.EntityRef) (*model.Entity, error)); ok {
		return fn(ctx, ref)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Entity), args.Error(1)
}

func (m *MockSourceStore) ListEntities(ctx context.Context, entityType model.EntityType, offset, limit int) ([]*model.Entity, error) {
	args := m.Called(ctx, entityType, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Entity), args.Error(1)
}

func (m *MockSourceStore) CountEngagement(ctx context.Context, ref model.EntityRef) (model.Counts, error) {
	args := m.Called(ctx, ref)
	if fn, ok := args.Get(0).(func(context.Context, model.EntityRef) (model.Counts, error)); ok {
		return fn(ctx, ref)
	}
	return args.Get(0).(model.Counts), args.Error(1)
}

func (m *MockSourceStore) UpdateCounts(ctx context.Context, ref model.EntityRef, counts model.Counts) error {
	args := m.Called(ctx, ref, counts)
	return args.Error(0)
}

func (m *MockSourceStore) UpdateViews(ctx context.Context, ref model.EntityRef, views int64) error {
	args := m.Called(ctx, ref, views)
	return args.Error(0)
}

func (m *MockSourceStore) HasRelation(ctx context.Context, relation model.Relation, ref model.EntityRef, userID int64) (bool, error) {
	args := m.Called(ctx, relation, ref, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSourceStore) ListRelationMembers(ctx context.Context, relation model.Relation, ref model.EntityRef) ([]int64, error) {
	args := m.Called(ctx, relation, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockSourceStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSourceStore) Close() {
	m.Called()
}

// MockSearchIndex is a mock implementation of store.SearchIndex
type MockSearchIndex struct {
	mock.Mock
}

func (m *MockSearchIndex) UpsertDocument(ctx context.Context, doc model.SearchDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

// MockRepairLog is a mock implementation of store.RepairLog
type MockRepairLog struct {
	mock.Mock
}

func (m *MockRepairLog) Record(ctx context.Context, repair *model.Repair) error {
	args := m.Called(ctx, repair)
	return args.Error(0)
}

func (m *MockRepairLog) ListRepairs(ctx context.Context, ref model.EntityRef, limit int) ([]*model.Repair, error) {
	args := m.Called(ctx, ref, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Repair), args.Error(1)
}

func (m *MockRepairLog) CleanupOldRepairs(ctx context.Context, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, ttl)
	return args.Get(0).(int64), args.Error(1)
}
