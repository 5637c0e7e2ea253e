package filter

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/bitmap"
	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/logger"
)

// bitmapStage resolves candidates against the compiled bitmap cache. A
// complete cached bitmap settles the whole batch: whatever it does not allow
// is denied, and the chain short-circuits.
type bitmapStage struct {
	cache *bitmap.Cache
}

func NewBitmapStage(cache *bitmap.Cache) Stage {
	return &bitmapStage{cache: cache}
}

func (s *bitmapStage) Name() string { return "bitmap_cache" }

func (s *bitmapStage) Apply(ctx context.Context, req *Request, candidates []string) (Result, error) {
	key := req.Key()

	allowed, remaining, complete, ok := s.cache.TryFilter(ctx, key, candidates)
	if !ok {
		return passThrough(candidates), nil
	}

	if complete {
		// The completeness flag comes from the same read that produced the
		// partition: the bitmap enumerates every accessible resource of this
		// type, so the remainder is definitively denied.
		return Result{Allowed: allowed, Remaining: remaining, ShortCircuit: true}, nil
	}

	return Result{Allowed: allowed, Remaining: remaining}, nil
}

// dirIndexStage resolves candidates that fall under a directory already
// known to be accessible from a directory-scope grant.
type dirIndexStage struct {
	index *DirectoryIndex
}

func NewDirIndexStage(index *DirectoryIndex) Stage {
	return &dirIndexStage{index: index}
}

func (s *dirIndexStage) Name() string { return "directory_index" }

func (s *dirIndexStage) Apply(ctx context.Context, req *Request, candidates []string) (Result, error) {
	var result Result
	for _, candidate := range candidates {
		if s.underAccessibleDir(req, candidate) {
			result.Allowed = append(result.Allowed, candidate)
		} else {
			result.Remaining = append(result.Remaining, candidate)
		}
	}
	return result, nil
}

func (s *dirIndexStage) underAccessibleDir(req *Request, path string) bool {
	for dir := parentDir(path); dir != ""; dir = parentDir(dir) {
		if s.index.IsAccessible(req.Subject, req.Permission, req.ZoneID, dir) {
			return true
		}
	}
	return false
}

// hierarchyStage is a cheap heuristic for large candidate sets: one bulk
// check against the distinct parent directories, pruning candidates whose
// parent is denied. Permission is not generally monotonic down the
// hierarchy under relationship-based policy, so this stage never adds to
// Allowed and never short-circuits; it only removes candidates from further
// cheap-stage consideration.
type hierarchyStage struct {
	checker   graph.Checker
	threshold int
	dirType   string
}

func NewHierarchyStage(checker graph.Checker, threshold int, directoryResourceType string) Stage {
	return &hierarchyStage{checker: checker, threshold: threshold, dirType: directoryResourceType}
}

func (s *hierarchyStage) Name() string { return "hierarchy_prefilter" }

func (s *hierarchyStage) Apply(ctx context.Context, req *Request, candidates []string) (Result, error) {
	if len(candidates) <= s.threshold {
		// At or below the threshold the batching overhead is not worth it.
		return passThrough(candidates), nil
	}

	byParent := make(map[string][]string)
	var rootLevel []string
	for _, candidate := range candidates {
		parent := parentDir(candidate)
		if parent == "" {
			rootLevel = append(rootLevel, candidate)
			continue
		}
		byParent[parent] = append(byParent[parent], candidate)
	}

	refs := make([]graph.Ref, 0, len(byParent))
	for parent := range byParent {
		refs = append(refs, graph.Ref{Type: s.dirType, ID: parent})
	}

	verdicts, err := s.checker.BulkCheck(ctx, req.Subject, req.Permission, refs, req.ZoneID)
	if err != nil {
		return passThrough(candidates), err
	}

	result := Result{Remaining: rootLevel}
	for parent, children := range byParent {
		if verdicts[graph.Ref{Type: s.dirType, ID: parent}] {
			result.Remaining = append(result.Remaining, children...)
		}
		// Children of a denied parent are pruned: dropped here, denied
		// unless an earlier stage already allowed them.
	}
	return result, nil
}

const zonePathPrefix = "/zones/"

// zoneStage removes candidates addressing a different zone's namespace.
// This is a pure string elimination with no graph call.
type zoneStage struct{}

func NewZoneStage() Stage {
	return &zoneStage{}
}

func (s *zoneStage) Name() string { return "zone_prefilter" }

func (s *zoneStage) Apply(ctx context.Context, req *Request, candidates []string) (Result, error) {
	var result Result
	for _, candidate := range candidates {
		if zone, ok := resolveZone(candidate); ok && zone != req.ZoneID {
			continue
		}
		result.Remaining = append(result.Remaining, candidate)
	}
	return result, nil
}

// resolveZone extracts the zone a path addresses, following nested
// /zones/<z>/ segments. A repeated zone means the mount graph loops back on
// itself; the walk stops at the first revisit rather than recursing forever.
func resolveZone(path string) (string, bool) {
	rest := path
	zone := ""
	visited := make(map[string]struct{})

	for strings.HasPrefix(rest, zonePathPrefix) {
		tail := rest[len(zonePathPrefix):]
		next := tail
		rest = ""
		if idx := strings.IndexByte(tail, '/'); idx != -1 {
			next, rest = tail[:idx], tail[idx:]
		}
		if next == "" {
			break
		}
		if _, seen := visited[next]; seen {
			break
		}
		visited[next] = struct{}{}
		zone = next
	}

	return zone, zone != ""
}

// bulkCheckStage is the authoritative terminal stage: one bulk check against
// the ground-truth graph for everything still unresolved. It retries exactly
// once on a transient I/O-class error, then gives up and denies the batch;
// logic errors fail immediately without retry.
type bulkCheckStage struct {
	checker       graph.Checker
	logger        logger.Logger
	retryInterval time.Duration
}

func NewBulkCheckStage(checker graph.Checker, cfg Config, log logger.Logger) Stage {
	return &bulkCheckStage{
		checker:       checker,
		logger:        log,
		retryInterval: cfg.RetryInterval,
	}
}

func (s *bulkCheckStage) Name() string { return "bulk_rebac" }

func (s *bulkCheckStage) Apply(ctx context.Context, req *Request, candidates []string) (Result, error) {
	refs := make([]graph.Ref, 0, len(candidates))
	for _, candidate := range candidates {
		refs = append(refs, graph.Ref{Type: req.ResourceType, ID: candidate})
	}

	var verdicts map[graph.Ref]bool
	operation := func() error {
		var err error
		verdicts, err = s.checker.BulkCheck(ctx, req.Subject, req.Permission, refs, req.ZoneID)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// Exactly one retry, and only for transient failures; backoff unwraps
	// Permanent errors and returns them as-is.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryInterval), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if !isTransient(err) {
			return Result{ShortCircuit: true}, err
		}
		// Retry exhausted on a transient failure: deny the batch rather
		// than guessing.
		s.logger.WarnWithContext(ctx, "bulk ground-truth check failed after retry, denying batch",
			zap.Int("candidates", len(candidates)), zap.Error(err))
		return Result{ShortCircuit: true}, nil
	}

	var result Result
	result.ShortCircuit = true
	for _, candidate := range candidates {
		if verdicts[graph.Ref{Type: req.ResourceType, ID: candidate}] {
			result.Allowed = append(result.Allowed, candidate)
		}
	}
	return result, nil
}

// NewDefaultChain assembles the canonical stage ordering.
func NewDefaultChain(cfg Config, bm *bitmap.Cache, index *DirectoryIndex, checker graph.Checker, log logger.Logger) *Chain {
	return NewChain(log,
		NewBitmapStage(bm),
		NewDirIndexStage(index),
		NewHierarchyStage(checker, cfg.HierarchyThreshold, cfg.DirectoryResourceType),
		NewZoneStage(),
		NewBulkCheckStage(checker, cfg, log),
	)
}
