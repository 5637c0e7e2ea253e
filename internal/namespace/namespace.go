// Package namespace implements the per-subject path-visibility cache: the
// "mount table" of path prefixes a subject may enumerate. Visibility is
// orthogonal to fine-grained permission — an invisible path reads as
// not-found, never as forbidden. Denials are the filter chain's job.
package namespace

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tigerfs/authzcache/internal/keys"
	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("internal/namespace")

// Config carries the namespace manager's tunables. Defaults come from
// DefaultConfig; a zero-valued Config is not usable.
type Config struct {
	// RevisionWindow is the quantization bucket width: a cached table is
	// fresh while cachedRevision/W == currentRevision/W.
	RevisionWindow uint32

	// VisibilityPermission is the permission whose grants define what a
	// subject may enumerate.
	VisibilityPermission string

	// ResourceType is the object type listed during a rebuild.
	ResourceType string

	// ListLimit bounds the single bulk list-objects call per rebuild.
	ListLimit int

	// TableTTL is the hard upper bound on how long a table is cached,
	// independent of revision freshness.
	TableTTL time.Duration

	// MaxCachedTables bounds the LRU cache.
	MaxCachedTables int64
}

func DefaultConfig() Config {
	return Config{
		RevisionWindow:       10,
		VisibilityPermission: "read",
		ResourceType:         fileObjectType,
		ListLimit:            100000,
		TableTTL:             time.Hour,
		MaxCachedTables:      10000,
	}
}

// MountTable is a subject's visible path prefixes, with the freshness pair
// the cache uses for change detection. Tables are immutable once built;
// rebuilds swap in a new value.
type MountTable struct {
	Entries    []string
	Revision   uint32
	GrantsHash uint64
}

// IsVisible bisects the sorted entries for the rightmost one <= path and
// tests coverage at a component boundary, so /a/b covers /a/b/c but never
// /a/bc. An empty table makes nothing visible.
func (t *MountTable) IsVisible(path string) bool {
	return visible(t.Entries, path)
}

// Manager caches mount tables per (subject, zone). The cache structure
// itself is synchronized, but rebuild computation is not: concurrent callers
// missing on the same subject may redundantly rebuild, and the last write
// wins. Rebuild cost is low enough that stampede protection is not worth
// the coordination.
type Manager struct {
	cfg    Config
	graph  graph.Checker
	cache  storage.InMemoryCache[*MountTable]
	logger logger.Logger

	// Coalesces concurrent zone-revision lookups, not rebuilds.
	revisionGroup singleflight.Group
}

func NewManager(cfg Config, checker graph.Checker, log logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		graph:  checker,
		cache:  storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[*MountTable](cfg.MaxCachedTables)),
		logger: log,
	}
}

func tableKey(subject storage.Subject, zoneID string) string {
	return zoneID + "|" + subject.String()
}

// GetMountTable returns the subject's mount table, rebuilding it when the
// cached revision falls outside the current quantization bucket. Any failure
// during a rebuild yields an empty table: visibility fails closed and the
// error is never propagated as an accidental grant.
func (m *Manager) GetMountTable(ctx context.Context, subject storage.Subject, zoneID string) *MountTable {
	ctx, span := tracer.Start(ctx, "namespace.GetMountTable")
	defer span.End()

	current, err := m.zoneRevision(ctx, zoneID)
	if err != nil {
		m.logger.WarnWithContext(ctx, "zone revision lookup failed, visibility fails closed",
			zap.String("zone_id", zoneID), zap.Error(err))
		return emptyTable()
	}

	key := tableKey(subject, zoneID)
	if cached := m.cache.Get(key); cached != nil && sameBucket(cached.Revision, current, m.cfg.RevisionWindow) {
		return cached
	}

	return m.rebuild(ctx, subject, zoneID, current)
}

// IsVisible answers "does this path exist in the subject's namespace at all"
// (404 semantics). It never answers whether an action is permitted.
func (m *Manager) IsVisible(ctx context.Context, subject storage.Subject, path, zoneID string) bool {
	return m.GetMountTable(ctx, subject, zoneID).IsVisible(path)
}

// GetGrantsHash returns the stable digest of the subject's canonicalized
// grant set, for downstream change detection.
func (m *Manager) GetGrantsHash(ctx context.Context, subject storage.Subject, zoneID string) uint64 {
	return m.GetMountTable(ctx, subject, zoneID).GrantsHash
}

// Invalidate evicts the subject's cached table. Relationship writes call
// this so correctness does not wait on revision-bucket expiry.
func (m *Manager) Invalidate(subject storage.Subject, zoneID string) {
	m.cache.Delete(tableKey(subject, zoneID))
}

// InvalidateAll evicts every cached table.
func (m *Manager) InvalidateAll() {
	m.cache.Clear()
}

// Stop releases cache resources.
func (m *Manager) Stop() {
	m.cache.Stop()
}

func (m *Manager) rebuild(ctx context.Context, subject storage.Subject, zoneID string, revision uint32) *MountTable {
	ctx, span := tracer.Start(ctx, "namespace.rebuild")
	defer span.End()

	// Exactly one bulk list-objects call per rebuild.
	objects, err := m.graph.ListObjects(ctx, subject, m.cfg.VisibilityPermission, m.cfg.ResourceType, zoneID, m.cfg.ListLimit)
	if err != nil {
		m.logger.WarnWithContext(ctx, "mount table rebuild failed, visibility fails closed",
			zap.String("subject", subject.String()), zap.String("zone_id", zoneID), zap.Error(err))
		return emptyTable()
	}

	table := &MountTable{
		Entries:    BuildMountEntries(objects),
		Revision:   revision,
		GrantsHash: keys.GrantsHash(objects),
	}
	m.cache.Set(tableKey(subject, zoneID), table, m.cfg.TableTTL)
	return table
}

func (m *Manager) zoneRevision(ctx context.Context, zoneID string) (uint32, error) {
	rev, err, _ := m.revisionGroup.Do(zoneID, func() (interface{}, error) {
		return m.graph.ZoneRevision(ctx, zoneID)
	})
	if err != nil {
		return 0, err
	}
	return rev.(uint32), nil
}

func sameBucket(cached, current, window uint32) bool {
	if window == 0 {
		return cached == current
	}
	return cached/window == current/window
}

// emptyTable is the fail-closed table: no entries, nothing visible. Its
// grants hash is the digest of the empty set so downstream comparisons stay
// deterministic.
func emptyTable() *MountTable {
	return &MountTable{GrantsHash: keys.GrantsHash(nil)}
}

// String renders the freshness pair, for logs.
func (t *MountTable) String() string {
	return "rev=" + strconv.FormatUint(uint64(t.Revision), 10) +
		" grants=" + strconv.FormatUint(t.GrantsHash, 16) +
		" mounts=" + strconv.Itoa(len(t.Entries))
}
