// Package updater consumes the cache_queue and recomputes compiled
// permission bitmaps from the ground-truth graph. A recomputation checks
// every known resource of the entry's type in one bulk call, so the bitmap
// it writes is the canonical materialization of the graph at that revision,
// not an approximation. The cache is stale only between a relationship
// change and the processing of its queue entry.
package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tigerfs/authzcache/internal/bitmap"
	"github.com/tigerfs/authzcache/internal/build"
	"github.com/tigerfs/authzcache/internal/concurrency"
	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("internal/updater")

var queueEntriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "cache_queue_entries_total",
	Help:      "Queue entries partitioned by processing outcome.",
}, []string{"outcome"})

// Config carries the updater's tunables.
type Config struct {
	// PollInterval is the worker's poll cadence.
	PollInterval time.Duration

	// BatchSize bounds how many pending rows one pass claims.
	BatchSize int

	// StuckTimeout is how long a row may sit in processing before it is
	// assumed orphaned by a crash and reset to pending.
	StuckTimeout time.Duration

	// Concurrency bounds in-flight recomputations within one claimed batch.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    20,
		StuckTimeout: 5 * time.Minute,
		Concurrency:  4,
	}
}

// Updater is the background queue consumer. Multiple instances may run
// concurrently against a shared store; claim-based row locking keeps them
// from processing the same row.
type Updater struct {
	cfg     Config
	queue   storage.QueueStore
	mapper  storage.ResourceMapStore
	bitmaps *bitmap.Cache
	graph   graph.Checker
	logger  logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, queue storage.QueueStore, mapper storage.ResourceMapStore, bitmaps *bitmap.Cache, checker graph.Checker, log logger.Logger) *Updater {
	return &Updater{
		cfg:     cfg,
		queue:   queue,
		mapper:  mapper,
		bitmaps: bitmaps,
		graph:   checker,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// QueueUpdate inserts a pending recomputation request. Lower priority values
// are processed first, so targeted recomputations can jump ahead of broad
// background ones.
func (u *Updater) QueueUpdate(ctx context.Context, subject storage.Subject, permission, resourceType, zoneID string, priority int) error {
	entry := &storage.QueueEntry{
		ID:           ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.DefaultEntropy()).String(),
		SubjectType:  subject.Type,
		SubjectID:    subject.ID,
		Permission:   permission,
		ResourceType: resourceType,
		ZoneID:       zoneID,
		Priority:     priority,
		Status:       storage.QueuePending,
	}
	if err := u.queue.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("enqueue cache update: %w", err)
	}
	return nil
}

// Start launches the poll loop.
func (u *Updater) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (u *Updater) Stop() {
	u.closeOnce.Do(func() {
		close(u.done)
	})
	u.wg.Wait()
}

func (u *Updater) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			return
		case <-ticker.C:
			if _, err := u.ProcessQueue(context.Background()); err != nil {
				u.logger.Error("cache queue pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessQueue performs one processing pass and returns how many entries it
// completed. Stuck entries are always reset first so work orphaned by a
// crash makes eventual progress. A transient storage error aborts the batch
// without failing rows: they stay in processing and the stuck-entry reset
// reclaims them. Non-transient errors fail only the affected row.
func (u *Updater) ProcessQueue(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "updater.ProcessQueue")
	defer span.End()

	reset, err := u.queue.ResetStuckEntries(ctx, u.cfg.StuckTimeout)
	if err != nil {
		return 0, fmt.Errorf("reset stuck entries: %w", err)
	}
	if reset > 0 {
		u.logger.InfoWithContext(ctx, "reset stuck queue entries", zap.Int("count", reset))
		queueEntriesCounter.WithLabelValues("reset").Add(float64(reset))
	}

	claimed, err := u.queue.ClaimPending(ctx, u.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending entries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	completed := 0

	pool := concurrency.NewPool(ctx, u.cfg.Concurrency)
	for _, entry := range claimed {
		pool.Go(func(ctx context.Context) error {
			if err := u.recompute(ctx, entry); err != nil {
				if storage.IsTransient(err) {
					// Abort the batch; unfinished rows stay in processing
					// and are reclaimed by the stuck-entry reset.
					return err
				}
				queueEntriesCounter.WithLabelValues("failed").Inc()
				if failErr := u.queue.FailEntry(ctx, entry.ID, err.Error()); failErr != nil {
					u.logger.ErrorWithContext(ctx, "could not mark queue entry failed",
						zap.String("entry_id", entry.ID), zap.Error(failErr))
				}
				return nil
			}

			if err := u.queue.CompleteEntry(ctx, entry.ID); err != nil {
				return fmt.Errorf("complete entry %s: %w", entry.ID, err)
			}
			queueEntriesCounter.WithLabelValues("completed").Inc()
			mu.Lock()
			completed++
			mu.Unlock()
			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		return completed, fmt.Errorf("queue batch aborted: %w", err)
	}
	return completed, nil
}

// recompute rebuilds the accessible-set bitmap for the entry's partition
// from ground truth: enumerate every known resource of the type, bulk-check
// them in one round trip, and atomically replace the cache entry tagged with
// the zone's current revision. The result is a total enumeration, so the
// entry is marked complete.
func (u *Updater) recompute(ctx context.Context, entry *storage.QueueEntry) error {
	ctx, span := tracer.Start(ctx, "updater.recompute")
	defer span.End()

	mappings, err := u.mapper.ListMappings(ctx, entry.ResourceType, entry.ZoneID)
	if err != nil {
		return fmt.Errorf("list resource mappings: %w", err)
	}

	revision, err := u.graph.ZoneRevision(ctx, entry.ZoneID)
	if err != nil {
		return fmt.Errorf("zone revision: %w", err)
	}

	bm := roaring.New()
	if len(mappings) > 0 {
		refs := make([]graph.Ref, 0, len(mappings))
		for _, m := range mappings {
			refs = append(refs, graph.Ref{Type: entry.ResourceType, ID: m.ResourceID})
		}

		verdicts, err := u.graph.BulkCheck(ctx, entry.Key().Subject(), entry.Permission, refs, entry.ZoneID)
		if err != nil {
			return fmt.Errorf("bulk check %d resources: %w", len(refs), err)
		}

		for _, m := range mappings {
			if verdicts[graph.Ref{Type: entry.ResourceType, ID: m.ResourceID}] {
				bm.Add(m.IntID)
			}
		}
	}

	u.bitmaps.SetBitmap(ctx, entry.Key(), bm, revision, true)
	return nil
}
