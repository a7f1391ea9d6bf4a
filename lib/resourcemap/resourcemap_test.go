package resourcemap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_UpsertAndGet(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "1"}
	err := s.Upsert(context.Background(), Record{Key: key, LocalResourceID: "dir-1-1"})
	require.NoError(t, err)

	rec, ok, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dir-1-1", rec.LocalResourceID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestInMemoryStore_UpsertRejectsMissingLocalID(t *testing.T) {
	s := NewInMemoryStore()
	err := s.Upsert(context.Background(), Record{Key: Key{DirectoryID: "dir-1"}})
	assert.Error(t, err)
}

func TestInMemoryStore_UpsertPreservesCreatedAt(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "1"}
	require.NoError(t, s.Upsert(context.Background(), Record{Key: key, LocalResourceID: "a"}))

	first, _, _ := s.Get(context.Background(), key)
	require.NoError(t, s.Upsert(context.Background(), Record{Key: key, LocalResourceID: "a-updated"}))
	second, _, _ := s.Get(context.Background(), key)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "a-updated", second.LocalResourceID)
}

func TestInMemoryStore_GetBatch(t *testing.T) {
	s := NewInMemoryStore()
	k1 := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "1"}
	k2 := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "2"}
	require.NoError(t, s.Upsert(context.Background(), Record{Key: k1, LocalResourceID: "a"}))

	batch, err := s.GetBatch(context.Background(), []Key{k1, k2})
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	_, ok := batch[k2]
	assert.False(t, ok)
}

func TestInMemoryStore_DeleteMarksDeletedAt(t *testing.T) {
	s := NewInMemoryStore()
	key := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "1"}
	require.NoError(t, s.Upsert(context.Background(), Record{Key: key, LocalResourceID: "a"}))
	require.NoError(t, s.Delete(context.Background(), key))

	rec, ok, _ := s.Get(context.Background(), key)
	require.True(t, ok)
	require.NotNil(t, rec.DeletedAt)
}

func TestInMemoryStore_DeleteAllForDirectory(t *testing.T) {
	s := NewInMemoryStore()
	k1 := Key{DirectoryID: "dir-1", ResourceType: "Organization", UpstreamResourceID: "1"}
	k2 := Key{DirectoryID: "dir-2", ResourceType: "Organization", UpstreamResourceID: "1"}
	require.NoError(t, s.Upsert(context.Background(), Record{Key: k1, LocalResourceID: "a"}))
	require.NoError(t, s.Upsert(context.Background(), Record{Key: k2, LocalResourceID: "b"}))

	require.NoError(t, s.DeleteAllForDirectory(context.Background(), "dir-1"))

	_, ok1, _ := s.Get(context.Background(), k1)
	assert.False(t, ok1)
	_, ok2, _ := s.Get(context.Background(), k2)
	assert.True(t, ok2)
}

func TestWithRetry_ReturnsNilOnEventualSuccess(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Microsecond, func() error {
		attempts++
		if attempts < 2 {
			return assert.AnError
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithRetry_ReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	err := WithRetry(context.Background(), 2, time.Microsecond, func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestWithRetry_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 5, time.Second, func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, context.Canceled)
}
