// Package server assembles the authorization cache subsystem: the compiled
// bitmap cache, the permission filter chain, the namespace visibility cache,
// and the background expansion and recompute workers, all wired to a single
// relationship graph.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/bitmap"
	"github.com/tigerfs/authzcache/internal/expander"
	"github.com/tigerfs/authzcache/internal/filter"
	"github.com/tigerfs/authzcache/internal/namespace"
	"github.com/tigerfs/authzcache/internal/updater"
	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("pkg/server")

// defaultInlineExpansionThreshold bounds how many descendants a directory
// grant may have and still be expanded synchronously on the request path.
const defaultInlineExpansionThreshold = 100

// AccessController is the top-level facade over the subsystem. Construct it
// with [New], start the background workers with [Start], and release
// everything with [Close].
type AccessController struct {
	logger logger.Logger

	checker graph.Checker
	lister  graph.Lister

	resourceMap storage.ResourceMapStore
	bitmapStore storage.BitmapCacheStore
	grants      storage.GrantStore
	queue       storage.QueueStore

	namespaceCfg namespace.Config
	filterCfg    filter.Config
	expanderCfg  expander.Config
	updaterCfg   updater.Config

	inlineExpansionThreshold int64
	trackedPermissions       []string
	trackedResourceTypes     []string

	bitmaps    *bitmap.Cache
	namespaces *namespace.Manager
	dirIndex   *filter.DirectoryIndex
	chain      *filter.Chain
	expander   *expander.Expander
	updater    *updater.Updater

	closeOnce sync.Once
}

// AccessControllerOption configures an [AccessController] during construction.
type AccessControllerOption func(c *AccessController)

func WithLogger(log logger.Logger) AccessControllerOption {
	return func(c *AccessController) {
		c.logger = log
	}
}

// WithChecker sets the relationship graph used for permission checks,
// object listing, and change notifications. Required.
func WithChecker(checker graph.Checker) AccessControllerOption {
	return func(c *AccessController) {
		c.checker = checker
	}
}

// WithLister sets the path enumerator used for directory-grant expansion.
// Required.
func WithLister(lister graph.Lister) AccessControllerOption {
	return func(c *AccessController) {
		c.lister = lister
	}
}

// WithResourceMapStore sets the dense-id mapping store. Required.
func WithResourceMapStore(store storage.ResourceMapStore) AccessControllerOption {
	return func(c *AccessController) {
		c.resourceMap = store
	}
}

// WithBitmapStore sets the compiled bitmap store. Required.
func WithBitmapStore(store storage.BitmapCacheStore) AccessControllerOption {
	return func(c *AccessController) {
		c.bitmapStore = store
	}
}

// WithGrantStore sets the directory-grant table. Required.
func WithGrantStore(store storage.GrantStore) AccessControllerOption {
	return func(c *AccessController) {
		c.grants = store
	}
}

// WithQueueStore sets the cache update queue. Required.
func WithQueueStore(store storage.QueueStore) AccessControllerOption {
	return func(c *AccessController) {
		c.queue = store
	}
}

func WithNamespaceConfig(cfg namespace.Config) AccessControllerOption {
	return func(c *AccessController) {
		c.namespaceCfg = cfg
	}
}

func WithFilterConfig(cfg filter.Config) AccessControllerOption {
	return func(c *AccessController) {
		c.filterCfg = cfg
	}
}

func WithExpanderConfig(cfg expander.Config) AccessControllerOption {
	return func(c *AccessController) {
		c.expanderCfg = cfg
	}
}

func WithUpdaterConfig(cfg updater.Config) AccessControllerOption {
	return func(c *AccessController) {
		c.updaterCfg = cfg
	}
}

// WithInlineExpansionThreshold sets the descendant count at or below which
// a directory grant is expanded synchronously instead of being handed to the
// background expander.
func WithInlineExpansionThreshold(threshold int64) AccessControllerOption {
	return func(c *AccessController) {
		c.inlineExpansionThreshold = threshold
	}
}

// WithTrackedPermissions sets the permissions whose bitmaps are recomputed
// when a relationship write touches a subject.
func WithTrackedPermissions(permissions ...string) AccessControllerOption {
	return func(c *AccessController) {
		c.trackedPermissions = permissions
	}
}

// WithTrackedResourceTypes sets the resource types whose bitmaps are
// recomputed when a relationship write touches a subject.
func WithTrackedResourceTypes(resourceTypes ...string) AccessControllerOption {
	return func(c *AccessController) {
		c.trackedResourceTypes = resourceTypes
	}
}

// New constructs an [AccessController] and registers its write hook on the
// checker. Background workers stay idle until [AccessController.Start].
func New(opts ...AccessControllerOption) (*AccessController, error) {
	c := &AccessController{
		logger:                   logger.NewNoopLogger(),
		namespaceCfg:             namespace.DefaultConfig(),
		filterCfg:                filter.DefaultConfig(),
		expanderCfg:              expander.DefaultConfig(),
		updaterCfg:               updater.DefaultConfig(),
		inlineExpansionThreshold: defaultInlineExpansionThreshold,
		trackedPermissions:       []string{"read"},
		trackedResourceTypes:     []string{"file"},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.checker == nil {
		return nil, fmt.Errorf("a checker is required")
	}
	if c.lister == nil {
		return nil, fmt.Errorf("a lister is required")
	}
	if c.resourceMap == nil || c.bitmapStore == nil || c.grants == nil || c.queue == nil {
		return nil, fmt.Errorf("resource map, bitmap, grant, and queue stores are required")
	}

	c.bitmaps = bitmap.NewCache(c.bitmapStore, c.resourceMap, c.logger)
	c.namespaces = namespace.NewManager(c.namespaceCfg, c.checker, c.logger)
	c.dirIndex = filter.NewDirectoryIndex(c.filterCfg.DirectoryIndexTTL)
	c.chain = filter.NewDefaultChain(c.filterCfg, c.bitmaps, c.dirIndex, c.checker, c.logger)
	c.expander = expander.New(c.expanderCfg, c.grants, c.bitmaps, c.resourceMap, c.lister, c.logger)
	c.updater = updater.New(c.updaterCfg, c.queue, c.resourceMap, c.bitmaps, c.checker, c.logger)

	c.checker.RegisterWriteHook(c.handleWrite)

	return c, nil
}

// MustNew is like [New] but panics on configuration errors.
func MustNew(opts ...AccessControllerOption) *AccessController {
	c, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to construct the access controller: %v", err))
	}
	return c
}

// Start launches the background grant expander and cache updater.
func (c *AccessController) Start() {
	c.expander.Start()
	c.updater.Start()
}

// Close stops the background workers and releases the caches the controller
// owns. Stores passed in by the caller are not closed.
func (c *AccessController) Close() {
	c.closeOnce.Do(func() {
		c.expander.Stop()
		c.updater.Stop()
		c.namespaces.Stop()
		c.dirIndex.Stop()
	})
}

// FilterList reduces candidates to the paths the subject holds the
// permission on. Candidate order is preserved.
func (c *AccessController) FilterList(ctx context.Context, subject storage.Subject, permission, resourceType, zoneID string, candidates []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "server.FilterList")
	defer span.End()

	req := &filter.Request{
		Subject:      subject,
		ZoneID:       zoneID,
		Permission:   permission,
		ResourceType: resourceType,
	}
	return c.chain.Filter(ctx, req, candidates)
}

// IsVisible answers whether the path falls under any of the subject's mount
// entries. A false answer means the path does not exist for this subject;
// it says nothing about individual permissions on visible paths.
func (c *AccessController) IsVisible(ctx context.Context, subject storage.Subject, path, zoneID string) bool {
	return c.namespaces.IsVisible(ctx, subject, path, zoneID)
}

// MountTable returns the subject's current visibility table.
func (c *AccessController) MountTable(ctx context.Context, subject storage.Subject, zoneID string) *namespace.MountTable {
	return c.namespaces.GetMountTable(ctx, subject, zoneID)
}

// GrantDirectory records a permission grant on a directory and arranges for
// it to be expanded into the subject's bitmaps. Directories at or below the
// inline threshold are expanded before returning; larger ones are picked up
// by the background expander. Returns the grant id.
func (c *AccessController) GrantDirectory(ctx context.Context, subject storage.Subject, permission, directoryPath, zoneID string) (string, error) {
	ctx, span := tracer.Start(ctx, "server.GrantDirectory")
	defer span.End()

	revision, err := c.checker.ZoneRevision(ctx, zoneID)
	if err != nil {
		return "", fmt.Errorf("resolve zone revision: %w", err)
	}

	grant := &storage.DirectoryGrant{
		GrantID:       uuid.NewString(),
		SubjectType:   subject.Type,
		SubjectID:     subject.ID,
		Permission:    permission,
		DirectoryPath: directoryPath,
		ZoneID:        zoneID,
		GrantRevision: revision,
		Status:        storage.ExpansionPending,
	}
	if err := c.grants.CreateGrant(ctx, grant); err != nil {
		return "", fmt.Errorf("create grant: %w", err)
	}

	// The grant itself covers every descendant, so the directory prefix
	// becomes usable immediately, before any bitmap catches up.
	c.dirIndex.MarkAccessible(subject, permission, zoneID, directoryPath)
	c.namespaces.Invalidate(subject, zoneID)

	descendants, err := c.lister.List(ctx, directoryPath, true, zoneID)
	if err != nil {
		// The row is persisted; the background expander retries it.
		c.logger.WarnWithContext(ctx, "deferring grant expansion",
			zap.String("grant_id", grant.GrantID),
			zap.Error(err),
		)
		return grant.GrantID, nil
	}

	if int64(len(descendants)) <= c.inlineExpansionThreshold {
		if err := c.expander.ExpandGrant(ctx, grant); err != nil {
			return grant.GrantID, fmt.Errorf("expand grant: %w", err)
		}
	}
	return grant.GrantID, nil
}

// GetGrant returns the grant's current expansion state.
func (c *AccessController) GetGrant(ctx context.Context, grantID string) (*storage.DirectoryGrant, error) {
	return c.grants.GetGrant(ctx, grantID)
}

// handleWrite reacts to a relationship write: cached state derived from the
// subject is dropped, and a recompute is queued for every tracked
// permission and resource type combination.
func (c *AccessController) handleWrite(event graph.WriteEvent) {
	ctx := context.Background()
	subject := event.Subject()

	c.namespaces.Invalidate(subject, event.ZoneID)
	c.dirIndex.InvalidateSubject(subject, event.ZoneID)
	c.bitmaps.Invalidate(ctx, storage.PermissionKeyPattern{
		ZoneID:      event.ZoneID,
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
	})

	for _, permission := range c.trackedPermissions {
		for _, resourceType := range c.trackedResourceTypes {
			err := c.updater.QueueUpdate(ctx, subject, permission, resourceType, event.ZoneID, storage.DefaultQueuePriority)
			if err != nil {
				c.logger.WarnWithContext(ctx, "failed to queue a cache update",
					zap.String("subject", subject.String()),
					zap.String("permission", permission),
					zap.String("resource_type", resourceType),
					zap.Error(err),
				)
			}
		}
	}
}
