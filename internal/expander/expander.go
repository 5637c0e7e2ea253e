// Package expander turns directory-scope grants into per-object bitmap
// entries in the background. Directories can hold very many files, so a
// grant is expanded in bounded batches with persisted checkpoints: a crash
// mid-job resumes from the last checkpoint instead of restarting.
package expander

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/bitmap"
	"github.com/tigerfs/authzcache/internal/build"
	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("internal/expander")

var (
	grantsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "grant_expansions_total",
		Help:      "Directory grant expansions partitioned by outcome.",
	}, []string{"outcome"})

	objectsExpandedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "grant_objects_expanded_total",
		Help:      "Objects written into bitmap entries by grant expansion.",
	})
)

// Config carries the expander's tunables.
type Config struct {
	// PollInterval is the worker's poll cadence.
	PollInterval time.Duration

	// BatchSize is how many descendants are expanded per checkpoint.
	BatchSize int

	// GrantsPerPoll bounds how many pending grants one poll cycle claims.
	GrantsPerPoll int

	// StuckTimeout is how long a grant may sit in_progress without a new
	// checkpoint before it is treated as orphaned by a crashed worker and
	// reset to pending.
	StuckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		BatchSize:     1000,
		GrantsPerPoll: 10,
		StuckTimeout:  5 * time.Minute,
	}
}

// Expander is the background directory-grant expansion worker. Multiple
// instances may run concurrently: claiming a grant is an atomic conditional
// update, and losing the race is a normal outcome.
type Expander struct {
	cfg     Config
	grants  storage.GrantStore
	bitmaps *bitmap.Cache
	mapper  storage.ResourceMapStore
	lister  graph.Lister
	logger  logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, grants storage.GrantStore, bitmaps *bitmap.Cache, mapper storage.ResourceMapStore, lister graph.Lister, log logger.Logger) *Expander {
	return &Expander{
		cfg:     cfg,
		grants:  grants,
		bitmaps: bitmaps,
		mapper:  mapper,
		lister:  lister,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// Start launches the poll loop.
func (e *Expander) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop signals the loop and waits for it to exit. The in-flight grant, if
// any, finishes its current batch first.
func (e *Expander) Stop() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

func (e *Expander) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.RunOnce(context.Background()); err != nil {
				e.logger.Error("grant expansion poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single poll cycle: reset grants orphaned in_progress by
// a crashed worker, then fetch up to GrantsPerPoll pending grants and process
// them sequentially. A failing grant is isolated; it never affects the others
// in the cycle. Zero pending grants is a no-op.
func (e *Expander) RunOnce(ctx context.Context) error {
	reset, err := e.grants.ResetStuckGrants(ctx, e.cfg.StuckTimeout)
	if err != nil {
		return fmt.Errorf("reset stuck grants: %w", err)
	}
	if reset > 0 {
		e.logger.InfoWithContext(ctx, "reset stuck grants", zap.Int("count", reset))
	}

	pending, err := e.grants.ListPendingGrants(ctx, e.cfg.GrantsPerPoll)
	if err != nil {
		return fmt.Errorf("list pending grants: %w", err)
	}

	for _, grant := range pending {
		select {
		case <-e.done:
			return nil
		default:
		}

		if err := e.ExpandGrant(ctx, grant); err != nil {
			e.logger.ErrorWithContext(ctx, "grant expansion failed",
				zap.String("grant_id", grant.GrantID),
				zap.String("directory", grant.DirectoryPath),
				zap.Error(err))
		}
	}
	return nil
}

// ExpandGrant processes one grant to a terminal state. Progress already
// persisted is never rolled back; on error the grant is marked failed and
// retrying is an administrative action that creates a fresh pending row.
func (e *Expander) ExpandGrant(ctx context.Context, grant *storage.DirectoryGrant) error {
	ctx, span := tracer.Start(ctx, "expander.ExpandGrant")
	defer span.End()

	descendants, err := e.lister.List(ctx, grant.DirectoryPath, true, grant.ZoneID)
	if err != nil {
		grantsProcessedCounter.WithLabelValues("failed").Inc()
		return e.fail(ctx, grant, fmt.Errorf("list descendants of %s: %w", grant.DirectoryPath, err))
	}

	if len(descendants) == 0 {
		grantsProcessedCounter.WithLabelValues("completed").Inc()
		return e.grants.CompleteGrant(ctx, grant.GrantID, 0)
	}

	claimed, err := e.grants.ClaimGrant(ctx, grant.GrantID, int64(len(descendants)))
	if err != nil {
		return fmt.Errorf("claim grant %s: %w", grant.GrantID, err)
	}
	if !claimed {
		// Another worker got there first.
		return nil
	}

	if err := e.expandBatches(ctx, grant, descendants); err != nil {
		grantsProcessedCounter.WithLabelValues("failed").Inc()
		return e.fail(ctx, grant, err)
	}

	grantsProcessedCounter.WithLabelValues("completed").Inc()
	return e.grants.CompleteGrant(ctx, grant.GrantID, int64(len(descendants)))
}

func (e *Expander) expandBatches(ctx context.Context, grant *storage.DirectoryGrant, descendants []string) error {
	key := storage.PermissionKey{
		ZoneID:       grant.ZoneID,
		SubjectType:  grant.SubjectType,
		SubjectID:    grant.SubjectID,
		Permission:   grant.Permission,
		ResourceType: resourceTypeForGrant,
	}

	// Resume from the persisted checkpoint: the first ExpandedCount
	// descendants were already written by a previous run.
	expanded := grant.ExpandedCount
	if expanded > int64(len(descendants)) {
		expanded = int64(len(descendants))
	}

	for expanded < int64(len(descendants)) {
		end := expanded + int64(e.cfg.BatchSize)
		if end > int64(len(descendants)) {
			end = int64(len(descendants))
		}
		batch := descendants[expanded:end]

		ids, err := e.mapper.SetIntIDsBulk(ctx, resourceTypeForGrant, batch, grant.ZoneID)
		if err != nil {
			return fmt.Errorf("assign dense ids for batch at %d: %w", expanded, err)
		}

		intIDs := make([]uint32, 0, len(batch))
		for _, objectID := range batch {
			intIDs = append(intIDs, ids[objectID])
		}
		e.bitmaps.UnionInto(ctx, key, intIDs, grant.GrantRevision)

		expanded = end
		if err := e.grants.UpdateGrantProgress(ctx, grant.GrantID, expanded); err != nil {
			return fmt.Errorf("checkpoint progress at %d: %w", expanded, err)
		}
		objectsExpandedCounter.Add(float64(len(batch)))
	}

	return nil
}

// resourceTypeForGrant is the object type directory grants expand into.
const resourceTypeForGrant = "file"

func (e *Expander) fail(ctx context.Context, grant *storage.DirectoryGrant, cause error) error {
	if err := e.grants.FailGrant(ctx, grant.GrantID, cause.Error()); err != nil {
		e.logger.ErrorWithContext(ctx, "could not mark grant failed",
			zap.String("grant_id", grant.GrantID), zap.Error(err))
	}
	return cause
}
