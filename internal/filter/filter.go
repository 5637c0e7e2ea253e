// Package filter implements the multi-stage permission filter chain that
// resolves "which of these candidate paths may this subject see" with as few
// calls to the ground-truth graph as possible. Cheap stages run first; the
// authoritative bulk check is the terminal fallback.
package filter

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/build"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("internal/filter")

var stagePathsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "filter_stage_paths_total",
	Help:      "Candidate paths partitioned by stage and how the stage classified them.",
}, []string{"stage", "result"})

// Config carries the chain's tunables.
type Config struct {
	// HierarchyThreshold is the candidate-set size below which the
	// hierarchy pre-filter is a no-op pass-through.
	HierarchyThreshold int

	// DirectoryResourceType is the resource type parent directories are
	// checked as.
	DirectoryResourceType string

	// RetryInterval is the pause before the bulk stage's single retry.
	RetryInterval time.Duration

	// DirectoryIndexTTL bounds entries in the known-accessible-directory
	// index.
	DirectoryIndexTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		HierarchyThreshold:    100,
		DirectoryResourceType: "directory",
		RetryInterval:         100 * time.Millisecond,
		DirectoryIndexTTL:     10 * time.Minute,
	}
}

// Request carries one filtering question through the chain.
type Request struct {
	Subject      storage.Subject
	ZoneID       string
	Permission   string
	ResourceType string
}

// Key is the bitmap cache partition this request reads.
func (r *Request) Key() storage.PermissionKey {
	return storage.PermissionKey{
		ZoneID:       r.ZoneID,
		SubjectType:  r.Subject.Type,
		SubjectID:    r.Subject.ID,
		Permission:   r.Permission,
		ResourceType: r.ResourceType,
	}
}

// Result is one stage's verdict. Allowed paths are settled; Remaining paths
// flow to the next stage. ShortCircuit stops the chain: everything not
// allowed is denied. Results are per-request values and never persisted.
type Result struct {
	Allowed      []string
	Remaining    []string
	ShortCircuit bool
}

// passThrough is the "no opinion" result: everything continues to the next
// stage.
func passThrough(candidates []string) Result {
	return Result{Remaining: candidates}
}

// Stage is one strategy in the chain. A stage that errors must still return
// a usable pass-through Result; the chain decides whether the error is
// fatal (logic errors) or degrades to a cache miss (transient errors).
type Stage interface {
	Name() string
	Apply(ctx context.Context, req *Request, candidates []string) (Result, error)
}

// Chain runs stages in order, feeding each the previous stage's Remaining
// set, and unions every stage's Allowed set.
type Chain struct {
	stages []Stage
	logger logger.Logger
}

func NewChain(log logger.Logger, stages ...Stage) *Chain {
	return &Chain{stages: stages, logger: log}
}

// Filter resolves candidates to the allowed subset. Transient stage errors
// degrade to pass-through; non-transient errors fail the request without
// being converted into a denial or a grant.
func (c *Chain) Filter(ctx context.Context, req *Request, candidates []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "filterChain.Filter")
	defer span.End()

	var allowed []string
	remaining := candidates

	for _, stage := range c.stages {
		if len(remaining) == 0 {
			break
		}

		result, err := stage.Apply(ctx, req, remaining)
		if err != nil {
			if !isTransient(err) {
				return nil, err
			}
			c.logger.WarnWithContext(ctx, "filter stage degraded to pass-through",
				zap.String("stage", stage.Name()), zap.Error(err))
		}

		stagePathsCounter.WithLabelValues(stage.Name(), "allowed").Add(float64(len(result.Allowed)))
		allowed = append(allowed, result.Allowed...)
		remaining = result.Remaining

		if result.ShortCircuit {
			stagePathsCounter.WithLabelValues(stage.Name(), "denied").Add(float64(len(remaining)))
			return allowed, nil
		}
	}

	return allowed, nil
}

// isTransient classifies connectivity-class failures that must never become
// permission denials on their own.
func isTransient(err error) bool {
	if storage.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// parentDir returns the parent directory of a path, or "" for a root-level
// entry with no parent.
func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
