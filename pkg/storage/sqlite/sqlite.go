// Package sqlite provides a SQLite-backed implementation of the persistent
// stores: the cache queue, the directory-grant table, and the dense-id
// resource map. These tables are the cross-process coordination point for
// background workers; the in-memory caches stay process-local.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tigerfs/authzcache/pkg/logger"
	"github.com/tigerfs/authzcache/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Config carries datastore construction options.
type Config struct {
	Logger        logger.Logger
	ExportMetrics bool
}

// Datastore provides SQLite-based implementations of [storage.QueueStore],
// [storage.GrantStore], and [storage.ResourceMapStore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var (
	_ storage.QueueStore       = (*Datastore)(nil)
	_ storage.GrantStore       = (*Datastore)(nil)
	_ storage.ResourceMapStore = (*Datastore)(nil)
)

// PrepareDSN prepares a raw DSN for use with SQLite, specifying defaults for
// journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore].
func New(uri string, cfg *Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "authzcache")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           log,
		dbStatsCollector: collector,
	}, nil
}

// Close releases the connection pool and unregisters metrics.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// --- storage.QueueStore ---

func (s *Datastore) Enqueue(ctx context.Context, entry *storage.QueueEntry) error {
	ctx, span := startTrace(ctx, "Enqueue")
	defer span.End()

	now := time.Now().UTC()
	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("cache_queue").
			Columns(
				"ulid", "subject_type", "subject_id", "permission",
				"resource_type", "zone_id", "priority", "status",
				"created_at", "updated_at",
			).
			Values(
				entry.ID, entry.SubjectType, entry.SubjectID, entry.Permission,
				entry.ResourceType, entry.ZoneID, entry.Priority, string(storage.QueuePending),
				now, now,
			).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

func (s *Datastore) ClaimPending(ctx context.Context, limit int) ([]*storage.QueueEntry, error) {
	ctx, span := startTrace(ctx, "ClaimPending")
	defer span.End()

	rows, err := s.stbl.
		Select(
			"ulid", "subject_type", "subject_id", "permission",
			"resource_type", "zone_id", "priority", "created_at",
		).
		From("cache_queue").
		Where(sq.Eq{"status": string(storage.QueuePending)}).
		OrderBy("priority", "ulid").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var candidates []*storage.QueueEntry
	for rows.Next() {
		var e storage.QueueEntry
		if err := rows.Scan(
			&e.ID, &e.SubjectType, &e.SubjectID, &e.Permission,
			&e.ResourceType, &e.ZoneID, &e.Priority, &e.CreatedAt,
		); err != nil {
			return nil, HandleSQLError(err)
		}
		candidates = append(candidates, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	// Claim each row with an atomic conditional update. SQLite has no
	// locking reads with row skipping, so a row claimed by a concurrent
	// consumer between the select and the update simply fails its
	// condition and is skipped here.
	now := time.Now().UTC()
	claimed := make([]*storage.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		var res sql.Result
		err := busyRetry(func() error {
			var err error
			res, err = s.stbl.
				Update("cache_queue").
				Set("status", string(storage.QueueProcessing)).
				Set("processing_at", now).
				Set("updated_at", now).
				Where(sq.Eq{"ulid": e.ID, "status": string(storage.QueuePending)}).
				ExecContext(ctx)
			return err
		})
		if err != nil {
			return claimed, HandleSQLError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, HandleSQLError(err)
		}
		if affected != 1 {
			continue
		}

		e.Status = storage.QueueProcessing
		e.ProcessingAt = now
		e.UpdatedAt = now
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func (s *Datastore) CompleteEntry(ctx context.Context, id string) error {
	ctx, span := startTrace(ctx, "CompleteEntry")
	defer span.End()

	return s.finishEntry(ctx, id, storage.QueueCompleted, "")
}

func (s *Datastore) FailEntry(ctx context.Context, id string, message string) error {
	ctx, span := startTrace(ctx, "FailEntry")
	defer span.End()

	return s.finishEntry(ctx, id, storage.QueueFailed, truncate(message, maxErrorMessageLen))
}

func (s *Datastore) finishEntry(ctx context.Context, id string, status storage.QueueStatus, message string) error {
	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("cache_queue").
			Set("status", string(status)).
			Set("error_message", message).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"ulid": id, "status": string(storage.QueueProcessing)}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if affected != 1 {
		if _, getErr := s.GetEntry(ctx, id); getErr != nil {
			return getErr
		}
		return storage.ErrInvalidStatusTransition
	}
	return nil
}

func (s *Datastore) ResetStuckEntries(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, span := startTrace(ctx, "ResetStuckEntries")
	defer span.End()

	cutoff := time.Now().UTC().Add(-timeout)

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("cache_queue").
			Set("status", string(storage.QueuePending)).
			Set("processing_at", nil).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"status": string(storage.QueueProcessing)}).
			Where(sq.Lt{"processing_at": cutoff}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return 0, HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return int(affected), nil
}

func (s *Datastore) GetEntry(ctx context.Context, id string) (*storage.QueueEntry, error) {
	ctx, span := startTrace(ctx, "GetEntry")
	defer span.End()

	var e storage.QueueEntry
	var status string
	var processingAt sql.NullTime
	err := s.stbl.
		Select(
			"ulid", "subject_type", "subject_id", "permission",
			"resource_type", "zone_id", "priority", "status",
			"error_message", "created_at", "processing_at", "updated_at",
		).
		From("cache_queue").
		Where(sq.Eq{"ulid": id}).
		QueryRowContext(ctx).
		Scan(
			&e.ID, &e.SubjectType, &e.SubjectID, &e.Permission,
			&e.ResourceType, &e.ZoneID, &e.Priority, &status,
			&e.ErrorMessage, &e.CreatedAt, &processingAt, &e.UpdatedAt,
		)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	e.Status = storage.QueueStatus(status)
	if processingAt.Valid {
		e.ProcessingAt = processingAt.Time
	}
	return &e, nil
}

// --- storage.GrantStore ---

func newULID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func (s *Datastore) CreateGrant(ctx context.Context, grant *storage.DirectoryGrant) error {
	ctx, span := startTrace(ctx, "CreateGrant")
	defer span.End()

	status := grant.Status
	if status == "" {
		status = storage.ExpansionPending
	}

	now := time.Now().UTC()
	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("directory_grants").
			Columns(
				"grant_id", "ulid", "subject_type", "subject_id",
				"permission", "directory_path", "zone_id", "grant_revision",
				"expansion_status", "expanded_count", "total_count",
				"created_at", "updated_at",
			).
			Values(
				grant.GrantID, newULID(now), grant.SubjectType, grant.SubjectID,
				grant.Permission, grant.DirectoryPath, grant.ZoneID, grant.GrantRevision,
				string(status), grant.ExpandedCount, grant.TotalCount,
				now, now,
			).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

func (s *Datastore) GetGrant(ctx context.Context, grantID string) (*storage.DirectoryGrant, error) {
	ctx, span := startTrace(ctx, "GetGrant")
	defer span.End()

	row := s.stbl.
		Select(
			"grant_id", "subject_type", "subject_id", "permission",
			"directory_path", "zone_id", "grant_revision", "expansion_status",
			"expanded_count", "total_count", "error_message",
			"created_at", "updated_at",
		).
		From("directory_grants").
		Where(sq.Eq{"grant_id": grantID}).
		QueryRowContext(ctx)

	return scanGrant(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*storage.DirectoryGrant, error) {
	var g storage.DirectoryGrant
	var status string
	err := row.Scan(
		&g.GrantID, &g.SubjectType, &g.SubjectID, &g.Permission,
		&g.DirectoryPath, &g.ZoneID, &g.GrantRevision, &status,
		&g.ExpandedCount, &g.TotalCount, &g.ErrorMessage,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	g.Status = storage.ExpansionStatus(status)
	return &g, nil
}

func (s *Datastore) ListPendingGrants(ctx context.Context, limit int) ([]*storage.DirectoryGrant, error) {
	ctx, span := startTrace(ctx, "ListPendingGrants")
	defer span.End()

	rows, err := s.stbl.
		Select(
			"grant_id", "subject_type", "subject_id", "permission",
			"directory_path", "zone_id", "grant_revision", "expansion_status",
			"expanded_count", "total_count", "error_message",
			"created_at", "updated_at",
		).
		From("directory_grants").
		Where(sq.Eq{"expansion_status": string(storage.ExpansionPending)}).
		OrderBy("ulid").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var grants []*storage.DirectoryGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return grants, nil
}

func (s *Datastore) ClaimGrant(ctx context.Context, grantID string, totalCount int64) (bool, error) {
	ctx, span := startTrace(ctx, "ClaimGrant")
	defer span.End()

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("directory_grants").
			Set("expansion_status", string(storage.ExpansionInProgress)).
			Set("total_count", totalCount).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"grant_id": grantID, "expansion_status": string(storage.ExpansionPending)}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return false, HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, HandleSQLError(err)
	}
	return affected == 1, nil
}

func (s *Datastore) ResetStuckGrants(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, span := startTrace(ctx, "ResetStuckGrants")
	defer span.End()

	cutoff := time.Now().UTC().Add(-timeout)

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("directory_grants").
			Set("expansion_status", string(storage.ExpansionPending)).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"expansion_status": string(storage.ExpansionInProgress)}).
			Where(sq.Lt{"updated_at": cutoff}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return 0, HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return int(affected), nil
}

func (s *Datastore) UpdateGrantProgress(ctx context.Context, grantID string, expandedCount int64) error {
	ctx, span := startTrace(ctx, "UpdateGrantProgress")
	defer span.End()

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("directory_grants").
			Set("expanded_count", expandedCount).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"grant_id": grantID, "expansion_status": string(storage.ExpansionInProgress)}).
			Where(sq.LtOrEq{"expanded_count": expandedCount}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if affected != 1 {
		if _, getErr := s.GetGrant(ctx, grantID); getErr != nil {
			return getErr
		}
		return storage.ErrInvalidStatusTransition
	}
	return nil
}

func (s *Datastore) CompleteGrant(ctx context.Context, grantID string, expandedCount int64) error {
	ctx, span := startTrace(ctx, "CompleteGrant")
	defer span.End()

	return s.finishGrant(ctx, grantID, storage.ExpansionCompleted, expandedCount, "")
}

func (s *Datastore) FailGrant(ctx context.Context, grantID string, message string) error {
	ctx, span := startTrace(ctx, "FailGrant")
	defer span.End()

	return s.finishGrant(ctx, grantID, storage.ExpansionFailed, -1, truncate(message, maxErrorMessageLen))
}

func (s *Datastore) finishGrant(ctx context.Context, grantID string, status storage.ExpansionStatus, expandedCount int64, message string) error {
	builder := s.stbl.
		Update("directory_grants").
		Set("expansion_status", string(status)).
		Set("error_message", message).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"grant_id": grantID}).
		Where(sq.NotEq{"expansion_status": []string{
			string(storage.ExpansionCompleted),
			string(storage.ExpansionFailed),
		}})
	if expandedCount >= 0 {
		builder = builder.Set("expanded_count", expandedCount)
	}

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = builder.ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if affected != 1 {
		if _, getErr := s.GetGrant(ctx, grantID); getErr != nil {
			return getErr
		}
		return storage.ErrInvalidStatusTransition
	}
	return nil
}

// --- storage.ResourceMapStore ---

func (s *Datastore) GetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error) {
	ctx, span := startTrace(ctx, "GetIntID")
	defer span.End()

	var intID uint32
	err := s.stbl.
		Select("int_id").
		From("resource_map").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType, "resource_id": resourceID}).
		QueryRowContext(ctx).
		Scan(&intID)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	return intID, nil
}

func (s *Datastore) SetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error) {
	ids, err := s.SetIntIDsBulk(ctx, resourceType, []string{resourceID}, zoneID)
	if err != nil {
		return 0, err
	}
	return ids[resourceID], nil
}

func (s *Datastore) GetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error) {
	ctx, span := startTrace(ctx, "GetIntIDsBulk")
	defer span.End()

	result := make(map[string]uint32, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return result, nil
	}

	rows, err := s.stbl.
		Select("resource_id", "int_id").
		From("resource_map").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType, "resource_id": resourceIDs}).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var rid string
		var intID uint32
		if err := rows.Scan(&rid, &intID); err != nil {
			return nil, HandleSQLError(err)
		}
		result[rid] = intID
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return result, nil
}

func (s *Datastore) SetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error) {
	ctx, span := startTrace(ctx, "SetIntIDsBulk")
	defer span.End()

	result := make(map[string]uint32, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return result, nil
	}

	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	// Existing mappings are no-ops: re-assigning the same id to the same
	// key is idempotent by contract.
	rows, err := s.stbl.
		Select("resource_id", "int_id").
		From("resource_map").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType, "resource_id": resourceIDs}).
		RunWith(txn).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	for rows.Next() {
		var rid string
		var intID uint32
		if err := rows.Scan(&rid, &intID); err != nil {
			rows.Close()
			return nil, HandleSQLError(err)
		}
		result[rid] = intID
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, HandleSQLError(err)
	}
	rows.Close()

	var missing []string
	for _, rid := range resourceIDs {
		if _, ok := result[rid]; !ok {
			missing = append(missing, rid)
		}
	}
	if len(missing) == 0 {
		return result, txn.Commit()
	}

	next, err := s.allocateRange(ctx, txn, resourceType, zoneID, len(missing))
	if err != nil {
		return nil, err
	}

	insert := s.stbl.
		Insert("resource_map").
		Columns("zone_id", "resource_type", "resource_id", "int_id")
	for i, rid := range missing {
		intID := next + uint32(i)
		insert = insert.Values(zoneID, resourceType, rid, intID)
		result[rid] = intID
	}
	if _, err := insert.RunWith(txn).ExecContext(ctx); err != nil {
		return nil, HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return nil, HandleSQLError(err)
	}
	return result, nil
}

// allocateRange reserves n consecutive dense ids for the scope. Ids are
// append-only: the counter never moves backwards and deleted resources do
// not return their ids.
func (s *Datastore) allocateRange(ctx context.Context, txn *sql.Tx, resourceType, zoneID string, n int) (uint32, error) {
	var next uint32
	err := s.stbl.
		Select("next_int_id").
		From("resource_map_counters").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType}).
		RunWith(txn).
		QueryRowContext(ctx).
		Scan(&next)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, HandleSQLError(err)
		}
		next = 0
		if _, err := s.stbl.
			Insert("resource_map_counters").
			Columns("zone_id", "resource_type", "next_int_id").
			Values(zoneID, resourceType, n).
			RunWith(txn).
			ExecContext(ctx); err != nil {
			return 0, HandleSQLError(err)
		}
		return next, nil
	}

	if _, err := s.stbl.
		Update("resource_map_counters").
		Set("next_int_id", next+uint32(n)).
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType}).
		RunWith(txn).
		ExecContext(ctx); err != nil {
		return 0, HandleSQLError(err)
	}
	return next, nil
}

func (s *Datastore) GetResourceID(ctx context.Context, resourceType string, intID uint32, zoneID string) (string, error) {
	ctx, span := startTrace(ctx, "GetResourceID")
	defer span.End()

	var rid string
	err := s.stbl.
		Select("resource_id").
		From("resource_map").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType, "int_id": intID}).
		QueryRowContext(ctx).
		Scan(&rid)
	if err != nil {
		return "", HandleSQLError(err)
	}
	return rid, nil
}

func (s *Datastore) ListMappings(ctx context.Context, resourceType, zoneID string) ([]storage.ResourceMapping, error) {
	ctx, span := startTrace(ctx, "ListMappings")
	defer span.End()

	rows, err := s.stbl.
		Select("resource_id", "int_id").
		From("resource_map").
		Where(sq.Eq{"zone_id": zoneID, "resource_type": resourceType}).
		OrderBy("int_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var mappings []storage.ResourceMapping
	for rows.Next() {
		var m storage.ResourceMapping
		if err := rows.Scan(&m.ResourceID, &m.IntID); err != nil {
			return nil, HandleSQLError(err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return mappings, nil
}

// --- error handling ---

const maxErrorMessageLen = 500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HandleSQLError processes an SQL error and converts it into one of the
// storage package's sentinel errors where possible.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_CONSTRAINT:
			return storage.ErrCollision
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return storage.TransientError(err)
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xFF
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// busyRetry retries contended statements; under WAL mode lock contention is
// short-lived.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}
