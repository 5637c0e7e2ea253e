package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tigerfs/authzcache/pkg/storage"
)

const zoneID = "zone1"

func TestResourceMapStore(t *testing.T) {
	ctx := context.Background()

	t.Run("ids_are_dense_per_scope", func(t *testing.T) {
		s := NewResourceMapStore()

		a, err := s.SetIntID(ctx, "file", "/a", zoneID)
		require.NoError(t, err)
		b, err := s.SetIntID(ctx, "file", "/b", zoneID)
		require.NoError(t, err)
		require.Equal(t, uint32(0), a)
		require.Equal(t, uint32(1), b)

		// A different scope starts its own counter.
		d, err := s.SetIntID(ctx, "directory", "/a", zoneID)
		require.NoError(t, err)
		require.Equal(t, uint32(0), d)
	})

	t.Run("reassignment_is_idempotent", func(t *testing.T) {
		s := NewResourceMapStore()

		first, err := s.SetIntID(ctx, "file", "/a", zoneID)
		require.NoError(t, err)
		second, err := s.SetIntID(ctx, "file", "/a", zoneID)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("bulk_get_omits_unmapped_keys", func(t *testing.T) {
		s := NewResourceMapStore()
		_, err := s.SetIntID(ctx, "file", "/a", zoneID)
		require.NoError(t, err)

		ids, err := s.GetIntIDsBulk(ctx, "file", []string{"/a", "/missing"}, zoneID)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		require.Contains(t, ids, "/a")
	})

	t.Run("reverse_lookup", func(t *testing.T) {
		s := NewResourceMapStore()
		id, err := s.SetIntID(ctx, "file", "/a", zoneID)
		require.NoError(t, err)

		rid, err := s.GetResourceID(ctx, "file", id, zoneID)
		require.NoError(t, err)
		require.Equal(t, "/a", rid)

		_, err = s.GetResourceID(ctx, "file", 99, zoneID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list_mappings_orders_by_id", func(t *testing.T) {
		s := NewResourceMapStore()
		for _, rid := range []string{"/c", "/a", "/b"} {
			_, err := s.SetIntID(ctx, "file", rid, zoneID)
			require.NoError(t, err)
		}

		mappings, err := s.ListMappings(ctx, "file", zoneID)
		require.NoError(t, err)
		require.Len(t, mappings, 3)
		require.Equal(t, "/c", mappings[0].ResourceID)
		require.Equal(t, uint32(2), mappings[2].IntID)
	})
}

func TestGrantStore(t *testing.T) {
	ctx := context.Background()

	pendingGrant := func(id string) *storage.DirectoryGrant {
		return &storage.DirectoryGrant{
			GrantID:       id,
			SubjectType:   "user",
			SubjectID:     "alice",
			Permission:    "read",
			DirectoryPath: "/docs",
			ZoneID:        zoneID,
		}
	}

	t.Run("lifecycle", func(t *testing.T) {
		s := NewGrantStore()
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g1")))

		claimed, err := s.ClaimGrant(ctx, "g1", 10)
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = s.ClaimGrant(ctx, "g1", 10)
		require.NoError(t, err)
		require.False(t, claimed, "second claim loses the race")

		require.NoError(t, s.UpdateGrantProgress(ctx, "g1", 4))
		require.ErrorIs(t, s.UpdateGrantProgress(ctx, "g1", 2), storage.ErrInvalidStatusTransition)

		require.NoError(t, s.CompleteGrant(ctx, "g1", 10))
		require.ErrorIs(t, s.FailGrant(ctx, "g1", "too late"), storage.ErrInvalidStatusTransition)

		g, err := s.GetGrant(ctx, "g1")
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionCompleted, g.Status)
		require.Equal(t, int64(10), g.ExpandedCount)
	})

	t.Run("duplicate_id_collides", func(t *testing.T) {
		s := NewGrantStore()
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g1")))
		require.ErrorIs(t, s.CreateGrant(ctx, pendingGrant("g1")), storage.ErrCollision)
	})

	t.Run("list_pending_preserves_insertion_order", func(t *testing.T) {
		s := NewGrantStore()
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g1")))
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g2")))
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g3")))

		_, err := s.ClaimGrant(ctx, "g2", 1)
		require.NoError(t, err)

		pending, err := s.ListPendingGrants(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, "g1", pending[0].GrantID)
		require.Equal(t, "g3", pending[1].GrantID)
	})

	t.Run("failure_message_is_truncated", func(t *testing.T) {
		s := NewGrantStore()
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g1")))
		_, err := s.ClaimGrant(ctx, "g1", 1)
		require.NoError(t, err)

		require.NoError(t, s.FailGrant(ctx, "g1", strings.Repeat("x", 2000)))

		g, err := s.GetGrant(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, g.ErrorMessage, maxErrorMessageLen)
	})

	t.Run("stuck_rows_reset_to_pending_keeping_progress", func(t *testing.T) {
		s := NewGrantStore()
		require.NoError(t, s.CreateGrant(ctx, pendingGrant("g1")))

		_, err := s.ClaimGrant(ctx, "g1", 4)
		require.NoError(t, err)
		require.NoError(t, s.UpdateGrantProgress(ctx, "g1", 2))

		reset, err := s.ResetStuckGrants(ctx, time.Hour)
		require.NoError(t, err)
		require.Zero(t, reset, "a fresh checkpoint is not stuck")

		time.Sleep(time.Millisecond)
		reset, err = s.ResetStuckGrants(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 1, reset)

		g, err := s.GetGrant(ctx, "g1")
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionPending, g.Status)
		require.Equal(t, int64(2), g.ExpandedCount, "the checkpoint survives the reset")

		claimed, err := s.ClaimGrant(ctx, "g1", 4)
		require.NoError(t, err)
		require.True(t, claimed, "a reset row is claimable again")
	})
}

func TestQueueStore(t *testing.T) {
	ctx := context.Background()

	entry := func(id string, priority int) *storage.QueueEntry {
		return &storage.QueueEntry{
			ID:           id,
			SubjectType:  "user",
			SubjectID:    "alice",
			Permission:   "read",
			ResourceType: "file",
			ZoneID:       zoneID,
			Priority:     priority,
		}
	}

	t.Run("claim_orders_by_priority_then_id", func(t *testing.T) {
		s := NewQueueStore()
		require.NoError(t, s.Enqueue(ctx, entry("02", 100)))
		require.NoError(t, s.Enqueue(ctx, entry("01", 100)))
		require.NoError(t, s.Enqueue(ctx, entry("03", 10)))

		claimed, err := s.ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		require.Equal(t, "03", claimed[0].ID)
		require.Equal(t, "01", claimed[1].ID)
		require.Equal(t, "02", claimed[2].ID)
	})

	t.Run("claimed_rows_are_not_reclaimed", func(t *testing.T) {
		s := NewQueueStore()
		require.NoError(t, s.Enqueue(ctx, entry("01", 100)))

		claimed, err := s.ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		claimed, err = s.ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, claimed)
	})

	t.Run("finish_requires_processing_state", func(t *testing.T) {
		s := NewQueueStore()
		require.NoError(t, s.Enqueue(ctx, entry("01", 100)))

		require.ErrorIs(t, s.CompleteEntry(ctx, "01"), storage.ErrInvalidStatusTransition)
		require.ErrorIs(t, s.CompleteEntry(ctx, "missing"), storage.ErrNotFound)

		_, err := s.ClaimPending(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, s.FailEntry(ctx, "01", "boom"))
		require.ErrorIs(t, s.CompleteEntry(ctx, "01"), storage.ErrInvalidStatusTransition)
	})

	t.Run("stuck_rows_reset_to_pending", func(t *testing.T) {
		s := NewQueueStore()
		require.NoError(t, s.Enqueue(ctx, entry("01", 100)))

		_, err := s.ClaimPending(ctx, 1)
		require.NoError(t, err)

		reset, err := s.ResetStuckEntries(ctx, time.Hour)
		require.NoError(t, err)
		require.Zero(t, reset, "a fresh claim is not stuck")

		time.Sleep(time.Millisecond)
		reset, err = s.ResetStuckEntries(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 1, reset)

		e, err := s.GetEntry(ctx, "01")
		require.NoError(t, err)
		require.Equal(t, storage.QueuePending, e.Status)
	})
}

func TestBitmapStore(t *testing.T) {
	ctx := context.Background()

	key := func(subjectID, permission string) storage.PermissionKey {
		return storage.PermissionKey{
			ZoneID:       zoneID,
			SubjectType:  "user",
			SubjectID:    subjectID,
			Permission:   permission,
			ResourceType: "file",
		}
	}

	t.Run("set_then_get", func(t *testing.T) {
		s := NewBitmapStore()
		defer s.Stop()

		_, _, err := s.GetBitmap(ctx, key("alice", "read"))
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.SetBitmap(ctx, key("alice", "read"), []byte{1, 2, 3}, true))

		value, complete, err := s.GetBitmap(ctx, key("alice", "read"))
		require.NoError(t, err)
		require.True(t, complete)
		require.Equal(t, []byte{1, 2, 3}, value)
	})

	t.Run("replacement_clears_completeness", func(t *testing.T) {
		s := NewBitmapStore()
		defer s.Stop()

		require.NoError(t, s.SetBitmap(ctx, key("alice", "read"), []byte{1}, true))
		require.NoError(t, s.SetBitmap(ctx, key("alice", "read"), []byte{2}, false))

		_, complete, err := s.GetBitmap(ctx, key("alice", "read"))
		require.NoError(t, err)
		require.False(t, complete)
	})

	t.Run("pattern_invalidation_with_wildcards", func(t *testing.T) {
		s := NewBitmapStore()
		defer s.Stop()

		require.NoError(t, s.SetBitmap(ctx, key("alice", "read"), []byte{1}, false))
		require.NoError(t, s.SetBitmap(ctx, key("alice", "write"), []byte{2}, false))
		require.NoError(t, s.SetBitmap(ctx, key("bob", "read"), []byte{3}, false))

		require.NoError(t, s.InvalidateBitmaps(ctx, storage.PermissionKeyPattern{
			ZoneID:      zoneID,
			SubjectType: "user",
			SubjectID:   "alice",
		}))

		_, _, err := s.GetBitmap(ctx, key("alice", "read"))
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.GetBitmap(ctx, key("alice", "write"))
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, _, err = s.GetBitmap(ctx, key("bob", "read"))
		require.NoError(t, err)
	})
}
