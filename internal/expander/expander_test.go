package expander

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tigerfs/authzcache/internal/bitmap"
	"github.com/tigerfs/authzcache/pkg/graph/graphtest"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
	"github.com/tigerfs/authzcache/pkg/storage/memory"
)

const zoneID = "zone1"

var alice = storage.Subject{Type: "user", ID: "alice"}

type fixture struct {
	graph    *graphtest.Graph
	grants   *memory.GrantStore
	mapper   *memory.ResourceMapStore
	bitmaps  *bitmap.Cache
	expander *Expander
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	store := memory.NewBitmapStore()
	t.Cleanup(store.Stop)

	f := &fixture{
		graph:  graphtest.New(),
		grants: memory.NewGrantStore(),
		mapper: memory.NewResourceMapStore(),
	}
	f.bitmaps = bitmap.NewCache(store, f.mapper, logger.NewNoopLogger())
	f.expander = New(cfg, f.grants, f.bitmaps, f.mapper, f.graph, logger.NewNoopLogger())
	return f
}

func newGrant(dir string) *storage.DirectoryGrant {
	return &storage.DirectoryGrant{
		GrantID:       uuid.NewString(),
		SubjectType:   alice.Type,
		SubjectID:     alice.ID,
		Permission:    "read",
		DirectoryPath: dir,
		ZoneID:        zoneID,
		GrantRevision: 3,
		Status:        storage.ExpansionPending,
	}
}

func grantKey(grant *storage.DirectoryGrant) storage.PermissionKey {
	return storage.PermissionKey{
		ZoneID:       grant.ZoneID,
		SubjectType:  grant.SubjectType,
		SubjectID:    grant.SubjectID,
		Permission:   grant.Permission,
		ResourceType: "file",
	}
}

func TestExpandGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("expands_all_descendants_into_the_bitmap", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.graph.AddPath(zoneID, "/docs/a.txt")
		f.graph.AddPath(zoneID, "/docs/sub/b.txt")
		f.graph.AddPath(zoneID, "/other/c.txt")

		grant := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))
		require.NoError(t, f.expander.ExpandGrant(ctx, grant))

		stored, err := f.grants.GetGrant(ctx, grant.GrantID)
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionCompleted, stored.Status)
		require.Equal(t, int64(2), stored.ExpandedCount)
		require.Equal(t, int64(2), stored.TotalCount)

		entry, ok := f.bitmaps.GetBitmap(ctx, grantKey(grant))
		require.True(t, ok)
		require.Equal(t, uint64(2), entry.Bitmap.GetCardinality())
		require.Equal(t, uint32(3), entry.Revision)
		require.False(t, entry.Complete, "incremental expansion never yields a complete bitmap")
	})

	t.Run("empty_directory_completes_immediately", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		grant := newGrant("/empty")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))
		require.NoError(t, f.expander.ExpandGrant(ctx, grant))

		stored, err := f.grants.GetGrant(ctx, grant.GrantID)
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionCompleted, stored.Status)
		require.Zero(t, stored.ExpandedCount)
	})

	t.Run("lost_claim_race_is_a_silent_noop", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.graph.AddPath(zoneID, "/docs/a.txt")

		grant := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))

		claimed, err := f.grants.ClaimGrant(ctx, grant.GrantID, 1)
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, f.expander.ExpandGrant(ctx, grant))

		_, ok := f.bitmaps.GetBitmap(ctx, grantKey(grant))
		require.False(t, ok, "losing the claim must not write anything")
	})

	t.Run("list_failure_marks_the_grant_failed", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.graph.ListErr = errors.New("metadata store down")

		grant := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))
		require.Error(t, f.expander.ExpandGrant(ctx, grant))

		stored, err := f.grants.GetGrant(ctx, grant.GrantID)
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionFailed, stored.Status)
		require.Contains(t, stored.ErrorMessage, "metadata store down")
	})
}

func TestExpandGrantBatching(t *testing.T) {
	ctx := context.Background()

	t.Run("checkpoints_per_batch", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BatchSize = 2

		f := newFixture(t, cfg)
		for _, p := range []string{"/docs/1", "/docs/2", "/docs/3", "/docs/4", "/docs/5"} {
			f.graph.AddPath(zoneID, p)
		}

		grant := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))
		require.NoError(t, f.expander.ExpandGrant(ctx, grant))

		stored, err := f.grants.GetGrant(ctx, grant.GrantID)
		require.NoError(t, err)
		require.Equal(t, int64(5), stored.ExpandedCount)

		entry, ok := f.bitmaps.GetBitmap(ctx, grantKey(grant))
		require.True(t, ok)
		require.Equal(t, uint64(5), entry.Bitmap.GetCardinality())
	})

	t.Run("recovers_and_resumes_a_grant_orphaned_by_a_crash", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BatchSize = 2
		cfg.StuckTimeout = 0

		f := newFixture(t, cfg)
		for _, p := range []string{"/docs/1", "/docs/2", "/docs/3", "/docs/4"} {
			f.graph.AddPath(zoneID, p)
		}

		// A previous worker claimed the grant, expanded the first batch,
		// checkpointed, and died before the second batch.
		grant := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, grant))
		claimed, err := f.grants.ClaimGrant(ctx, grant.GrantID, 4)
		require.NoError(t, err)
		require.True(t, claimed)

		ids, err := f.mapper.SetIntIDsBulk(ctx, "file", []string{"/docs/1", "/docs/2"}, zoneID)
		require.NoError(t, err)
		f.bitmaps.UnionInto(ctx, grantKey(grant), []uint32{ids["/docs/1"], ids["/docs/2"]}, grant.GrantRevision)
		require.NoError(t, f.grants.UpdateGrantProgress(ctx, grant.GrantID, 2))

		time.Sleep(time.Millisecond)

		// A replacement worker's poll cycle alone resets the orphaned row
		// and finishes the job from the persisted checkpoint.
		replacement := New(cfg, f.grants, f.bitmaps, f.mapper, f.graph, logger.NewNoopLogger())
		require.NoError(t, replacement.RunOnce(ctx))

		stored, err := f.grants.GetGrant(ctx, grant.GrantID)
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionCompleted, stored.Status)
		require.Equal(t, int64(4), stored.ExpandedCount)
		require.Equal(t, stored.TotalCount, stored.ExpandedCount)

		entry, ok := f.bitmaps.GetBitmap(ctx, grantKey(grant))
		require.True(t, ok)
		require.Equal(t, uint64(4), entry.Bitmap.GetCardinality())
	})
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("processes_pending_grants_and_isolates_failures", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.graph.AddPath(zoneID, "/docs/a.txt")

		good := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, good))

		// A grant for the same directory that loses the claim race against
		// an already in-progress row is skipped without failing the cycle.
		bad := newGrant("/docs")
		require.NoError(t, f.grants.CreateGrant(ctx, bad))
		_, err := f.grants.ClaimGrant(ctx, bad.GrantID, 1)
		require.NoError(t, err)

		require.NoError(t, f.expander.RunOnce(ctx))

		stored, err := f.grants.GetGrant(ctx, good.GrantID)
		require.NoError(t, err)
		require.Equal(t, storage.ExpansionCompleted, stored.Status)
	})

	t.Run("no_pending_grants_is_a_noop", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.expander.RunOnce(ctx))
	})
}
