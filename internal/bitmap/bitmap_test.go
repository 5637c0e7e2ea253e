package bitmap

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
	"github.com/tigerfs/authzcache/pkg/storage/memory"
)

func testKey() storage.PermissionKey {
	return storage.PermissionKey{
		ZoneID:       "zone1",
		SubjectType:  "user",
		SubjectID:    "alice",
		Permission:   "read",
		ResourceType: "file",
	}
}

func newTestCache(t *testing.T) (*Cache, *memory.ResourceMapStore) {
	t.Helper()

	store := memory.NewBitmapStore()
	t.Cleanup(store.Stop)

	mapper := memory.NewResourceMapStore()
	return NewCache(store, mapper, logger.NewNoopLogger()), mapper
}

func TestCodec(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		bm := roaring.BitmapOf(1, 5, 100000)

		value, err := Encode(42, bm)
		require.NoError(t, err)

		revision, decoded, err := Decode(value)
		require.NoError(t, err)
		require.Equal(t, uint32(42), revision)
		require.True(t, decoded.Equals(bm))
	})

	t.Run("empty_bitmap", func(t *testing.T) {
		value, err := Encode(0, roaring.New())
		require.NoError(t, err)

		revision, decoded, err := Decode(value)
		require.NoError(t, err)
		require.Equal(t, uint32(0), revision)
		require.True(t, decoded.IsEmpty())
	})

	t.Run("short_value_fails", func(t *testing.T) {
		_, _, err := Decode([]byte{0x01, 0x02})
		require.Error(t, err)
	})

	t.Run("corrupt_body_fails", func(t *testing.T) {
		_, _, err := Decode([]byte{0, 0, 0, 7, 0xde, 0xad})
		require.Error(t, err)
	})
}

func TestGetBitmap(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	key := testKey()

	t.Run("miss_on_absent_key", func(t *testing.T) {
		_, ok := cache.GetBitmap(ctx, key)
		require.False(t, ok)
	})

	t.Run("hit_after_set", func(t *testing.T) {
		cache.SetBitmap(ctx, key, roaring.BitmapOf(3, 4), 7, true)

		entry, ok := cache.GetBitmap(ctx, key)
		require.True(t, ok)
		require.Equal(t, uint32(7), entry.Revision)
		require.True(t, entry.Complete)
		require.True(t, entry.Bitmap.Contains(3))
		require.False(t, entry.Bitmap.Contains(5))
	})
}

func TestUnionInto(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	key := testKey()

	t.Run("creates_entry_when_absent", func(t *testing.T) {
		cache.UnionInto(ctx, key, []uint32{1, 2}, 5)

		entry, ok := cache.GetBitmap(ctx, key)
		require.True(t, ok)
		require.Equal(t, uint64(2), entry.Bitmap.GetCardinality())
		require.False(t, entry.Complete)
	})

	t.Run("merges_with_existing", func(t *testing.T) {
		cache.UnionInto(ctx, key, []uint32{2, 9}, 6)

		entry, ok := cache.GetBitmap(ctx, key)
		require.True(t, ok)
		require.Equal(t, uint64(3), entry.Bitmap.GetCardinality())
		require.Equal(t, uint32(6), entry.Revision)
	})

	t.Run("clears_completeness_of_complete_entry", func(t *testing.T) {
		cache.SetBitmap(ctx, key, roaring.BitmapOf(1), 10, true)
		entry, ok := cache.GetBitmap(ctx, key)
		require.True(t, ok)
		require.True(t, entry.Complete)

		cache.UnionInto(ctx, key, []uint32{2}, 10)

		entry, ok = cache.GetBitmap(ctx, key)
		require.True(t, ok)
		require.False(t, entry.Complete)
		require.True(t, entry.Bitmap.Contains(1))
		require.True(t, entry.Bitmap.Contains(2))
	})
}

func TestTryFilter(t *testing.T) {
	ctx := context.Background()
	cache, mapper := newTestCache(t)
	key := testKey()

	t.Run("miss_returns_not_ok", func(t *testing.T) {
		_, _, _, ok := cache.TryFilter(ctx, key, []string{"/a"})
		require.False(t, ok)
	})

	ids, err := mapper.SetIntIDsBulk(ctx, key.ResourceType, []string{"/docs/a.txt", "/docs/b.txt"}, key.ZoneID)
	require.NoError(t, err)

	bm := roaring.New()
	bm.Add(ids["/docs/a.txt"])
	cache.SetBitmap(ctx, key, bm, 1, false)

	t.Run("partitions_candidates", func(t *testing.T) {
		allowed, remaining, complete, ok := cache.TryFilter(ctx, key, []string{"/docs/a.txt", "/docs/b.txt", "/unmapped.txt"})
		require.True(t, ok)
		require.False(t, complete)
		require.Equal(t, []string{"/docs/a.txt"}, allowed)
		require.Equal(t, []string{"/docs/b.txt", "/unmapped.txt"}, remaining)
	})

	t.Run("completeness_rides_along_with_the_partition", func(t *testing.T) {
		bm := roaring.New()
		bm.Add(ids["/docs/a.txt"])
		cache.SetBitmap(ctx, key, bm, 2, true)

		allowed, remaining, complete, ok := cache.TryFilter(ctx, key, []string{"/docs/a.txt", "/docs/b.txt"})
		require.True(t, ok)
		require.True(t, complete, "the flag must come from the same read as the partition")
		require.Equal(t, []string{"/docs/a.txt"}, allowed)
		require.Equal(t, []string{"/docs/b.txt"}, remaining)
	})
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	alice := testKey()
	bob := testKey()
	bob.SubjectID = "bob"

	cache.SetBitmap(ctx, alice, roaring.BitmapOf(1), 1, false)
	cache.SetBitmap(ctx, bob, roaring.BitmapOf(2), 1, false)

	cache.Invalidate(ctx, storage.PermissionKeyPattern{
		ZoneID:      alice.ZoneID,
		SubjectType: alice.SubjectType,
		SubjectID:   alice.SubjectID,
	})

	_, ok := cache.GetBitmap(ctx, alice)
	require.False(t, ok)

	_, ok = cache.GetBitmap(ctx, bob)
	require.True(t, ok)
}
