// Package bitmap implements the compiled-permission bitmap cache. An entry
// maps a (zone, subject, permission, resource type) partition to the set of
// dense resource ids the subject may access, giving O(1) membership tests
// instead of per-object graph checks.
package bitmap

import (
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/build"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("internal/bitmap")

var (
	cacheLookupCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "bitmap_cache_lookups_total",
		Help:      "Bitmap cache lookups partitioned by outcome.",
	}, []string{"outcome"})

	filterResolvedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "bitmap_filter_paths_total",
		Help:      "Candidate paths partitioned by how the bitmap filter classified them.",
	}, []string{"result"})
)

// Entry is one decoded cache entry. Entries are immutable; recomputation
// replaces the stored value wholesale rather than mutating it.
type Entry struct {
	Revision uint32
	Bitmap   *roaring.Bitmap
	Complete bool
}

// Cache is the bitmap permission cache. Reads that fail degrade to a cache
// miss and writes are best effort: ground truth is always the graph engine,
// so a storage error here must never fail the caller's request.
type Cache struct {
	store     storage.BitmapCacheStore
	resources storage.ResourceMapStore
	logger    logger.Logger
}

func NewCache(store storage.BitmapCacheStore, resources storage.ResourceMapStore, log logger.Logger) *Cache {
	return &Cache{
		store:     store,
		resources: resources,
		logger:    log,
	}
}

// GetBitmap returns the decoded entry for key, or ok=false on a miss. A
// storage read error or a corrupt value is a miss.
func (c *Cache) GetBitmap(ctx context.Context, key storage.PermissionKey) (*Entry, bool) {
	value, complete, err := c.store.GetBitmap(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.WarnWithContext(ctx, "bitmap cache read failed, treating as miss",
				zap.String("key", key.String()), zap.Error(err))
		}
		cacheLookupCounter.WithLabelValues("miss").Inc()
		return nil, false
	}

	revision, bm, err := Decode(value)
	if err != nil {
		c.logger.WarnWithContext(ctx, "corrupt bitmap cache value, treating as miss",
			zap.String("key", key.String()), zap.Error(err))
		cacheLookupCounter.WithLabelValues("corrupt").Inc()
		return nil, false
	}

	cacheLookupCounter.WithLabelValues("hit").Inc()
	return &Entry{Revision: revision, Bitmap: bm, Complete: complete}, true
}

// SetBitmap atomically replaces the entry for key. Only callers that built
// the bitmap from a total enumeration of the partition's resources may pass
// complete=true; incremental producers must not.
func (c *Cache) SetBitmap(ctx context.Context, key storage.PermissionKey, bm *roaring.Bitmap, revision uint32, complete bool) {
	value, err := Encode(revision, bm)
	if err != nil {
		c.logger.WarnWithContext(ctx, "bitmap encode failed, skipping cache population",
			zap.String("key", key.String()), zap.Error(err))
		return
	}

	if err := c.store.SetBitmap(ctx, key, value, complete); err != nil {
		// Cache population is best effort.
		c.logger.WarnWithContext(ctx, "bitmap cache write failed",
			zap.String("key", key.String()), zap.Error(err))
	}
}

// UnionInto merges newly granted dense ids into the entry for key by
// constructing a replacement bitmap. The result is an incremental delta, so
// the completeness flag is always cleared regardless of the prior entry.
func (c *Cache) UnionInto(ctx context.Context, key storage.PermissionKey, intIDs []uint32, revision uint32) {
	merged := roaring.New()
	if existing, ok := c.GetBitmap(ctx, key); ok {
		merged.Or(existing.Bitmap)
	}
	merged.AddMany(intIDs)

	c.SetBitmap(ctx, key, merged, revision, false)
}

// Invalidate deletes every entry matching the pattern. Empty pattern
// components are wildcards.
func (c *Cache) Invalidate(ctx context.Context, pattern storage.PermissionKeyPattern) {
	if err := c.store.InvalidateBitmaps(ctx, pattern); err != nil {
		c.logger.WarnWithContext(ctx, "bitmap cache invalidation failed", zap.Error(err))
	}
}

// TryFilter partitions candidates into (allowed, remaining) using the cached
// bitmap for key. Candidates with no dense-id mapping go to remaining. The
// returned complete flag comes from the same store read as the partition, so
// a caller may treat remaining as definitively denied when it is set; only
// then does absence from the bitmap mean denial. On a cache miss the method
// returns ok=false so the caller advances to its next filter stage.
func (c *Cache) TryFilter(ctx context.Context, key storage.PermissionKey, candidates []string) (allowed, remaining []string, complete, ok bool) {
	ctx, span := tracer.Start(ctx, "bitmapCache.TryFilter")
	defer span.End()

	entry, ok := c.GetBitmap(ctx, key)
	if !ok {
		return nil, nil, false, false
	}

	ids, err := c.resources.GetIntIDsBulk(ctx, key.ResourceType, candidates, key.ZoneID)
	if err != nil {
		// Without the id mapping the bitmap is unusable for this batch.
		c.logger.WarnWithContext(ctx, "resource map bulk read failed, skipping bitmap filter", zap.Error(err))
		return nil, nil, false, false
	}

	for _, candidate := range candidates {
		id, mapped := ids[candidate]
		if mapped && entry.Bitmap.Contains(id) {
			allowed = append(allowed, candidate)
		} else {
			remaining = append(remaining, candidate)
		}
	}

	filterResolvedCounter.WithLabelValues("allowed").Add(float64(len(allowed)))
	filterResolvedCounter.WithLabelValues("remaining").Add(float64(len(remaining)))
	return allowed, remaining, entry.Complete, true
}
