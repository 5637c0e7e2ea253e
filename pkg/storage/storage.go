package storage

import (
	"context"
	"time"
)

const (
	// DefaultQueuePriority is assigned to queue entries whose caller did not
	// ask for anything more urgent. Lower values are processed first.
	DefaultQueuePriority = 100

	// DefaultPageSize is the default limit applied to list-style reads.
	DefaultPageSize = 50
)

// Subject identifies the entity a permission or visibility question is asked
// about. It is opaque to this subsystem; equality is by value.
type Subject struct {
	Type string
	ID   string
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// PermissionKey is the cache partition key for a compiled bitmap entry. At
// most one live bitmap exists per key.
type PermissionKey struct {
	ZoneID       string
	SubjectType  string
	SubjectID    string
	Permission   string
	ResourceType string
}

// String renders the key with its components in a fixed order so that
// prefix- and pattern-based invalidation can operate on rendered keys.
func (k PermissionKey) String() string {
	return k.ZoneID + "|" + k.SubjectType + "|" + k.SubjectID + "|" + k.Permission + "|" + k.ResourceType
}

func (k PermissionKey) Subject() Subject {
	return Subject{Type: k.SubjectType, ID: k.SubjectID}
}

// PermissionKeyPattern matches PermissionKeys for bulk invalidation. An empty
// component is a wildcard.
type PermissionKeyPattern struct {
	ZoneID       string
	SubjectType  string
	SubjectID    string
	Permission   string
	ResourceType string
}

func (p PermissionKeyPattern) Matches(k PermissionKey) bool {
	if p.ZoneID != "" && p.ZoneID != k.ZoneID {
		return false
	}
	if p.SubjectType != "" && p.SubjectType != k.SubjectType {
		return false
	}
	if p.SubjectID != "" && p.SubjectID != k.SubjectID {
		return false
	}
	if p.Permission != "" && p.Permission != k.Permission {
		return false
	}
	if p.ResourceType != "" && p.ResourceType != k.ResourceType {
		return false
	}
	return true
}

// ExpansionStatus is the lifecycle state of a DirectoryGrant expansion job.
type ExpansionStatus string

const (
	ExpansionPending    ExpansionStatus = "pending"
	ExpansionInProgress ExpansionStatus = "in_progress"
	ExpansionCompleted  ExpansionStatus = "completed"
	ExpansionFailed     ExpansionStatus = "failed"
)

// DirectoryGrant is one pending (or finished) directory-scope grant
// expansion job. Progress is monotonic: ExpandedCount only increases, and a
// job transitions pending -> in_progress -> {completed|failed} exactly once.
// Re-queued failures are fresh rows, never reverse transitions.
type DirectoryGrant struct {
	GrantID       string
	SubjectType   string
	SubjectID     string
	Permission    string
	DirectoryPath string
	ZoneID        string
	GrantRevision uint32
	Status        ExpansionStatus
	ExpandedCount int64
	TotalCount    int64
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (g *DirectoryGrant) Subject() Subject {
	return Subject{Type: g.SubjectType, ID: g.SubjectID}
}

// QueueStatus is the lifecycle state of a cache_queue row.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is one bitmap-recomputation request. Entries are processed
// at-least-once: a row stuck in processing past a timeout is reset to
// pending by the consumer before its next pass.
type QueueEntry struct {
	// ID is a ULID, so lexicographic order is insertion order. Priority ties
	// are broken by ID, giving oldest-first processing.
	ID           string
	SubjectType  string
	SubjectID    string
	Permission   string
	ResourceType string
	ZoneID       string
	Priority     int
	Status       QueueStatus
	ErrorMessage string
	CreatedAt    time.Time
	ProcessingAt time.Time
	UpdatedAt    time.Time
}

func (e *QueueEntry) Key() PermissionKey {
	return PermissionKey{
		ZoneID:       e.ZoneID,
		SubjectType:  e.SubjectType,
		SubjectID:    e.SubjectID,
		Permission:   e.Permission,
		ResourceType: e.ResourceType,
	}
}

// ResourceMapping ties one (resource_type, resource_id, zone) string key to
// its dense integer id.
type ResourceMapping struct {
	ResourceID string
	IntID      uint32
}

// ResourceMapStore assigns and resolves dense integer ids for resources so
// permission sets can be represented as bitmaps. Mappings are append-only:
// ids are never reused within a zone's lifetime, and re-assigning an id to a
// key it already owns is a no-op.
type ResourceMapStore interface {
	// GetIntID returns the dense id for the key, or ErrNotFound.
	GetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error)

	// SetIntID assigns (or returns the existing) dense id for the key.
	SetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error)

	// GetIntIDsBulk resolves many keys in a single underlying fetch. Keys
	// with no mapping are absent from the result; that is not an error.
	GetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error)

	// SetIntIDsBulk assigns dense ids to many keys in a single underlying
	// write, returning the full mapping for the input set.
	SetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error)

	// GetResourceID is the reverse lookup, or ErrNotFound.
	GetResourceID(ctx context.Context, resourceType string, intID uint32, zoneID string) (string, error)

	// ListMappings returns every known mapping of the given type in the
	// zone. This is the enumeration a full bitmap recomputation runs over.
	ListMappings(ctx context.Context, resourceType, zoneID string) ([]ResourceMapping, error)
}

// BitmapCacheStore holds compiled permission bitmaps keyed by PermissionKey.
// Values use the wire format [4-byte big-endian revision][compressed bitmap
// bytes]. Entries are replaced wholesale, never mutated in place.
type BitmapCacheStore interface {
	// GetBitmap returns the stored value and its completeness flag, or
	// ErrNotFound.
	GetBitmap(ctx context.Context, key PermissionKey) (value []byte, complete bool, err error)

	// SetBitmap atomically replaces the entry for key.
	SetBitmap(ctx context.Context, key PermissionKey, value []byte, complete bool) error

	// InvalidateBitmaps deletes every entry the pattern matches.
	InvalidateBitmaps(ctx context.Context, pattern PermissionKeyPattern) error
}

// GrantStore persists directory_grants rows. Rows are indexed so the oldest
// pending grants are retrieved first.
type GrantStore interface {
	// CreateGrant inserts a fresh pending row.
	CreateGrant(ctx context.Context, grant *DirectoryGrant) error

	// GetGrant returns the row, or ErrNotFound.
	GetGrant(ctx context.Context, grantID string) (*DirectoryGrant, error)

	// ListPendingGrants returns up to limit pending rows, oldest first.
	ListPendingGrants(ctx context.Context, limit int) ([]*DirectoryGrant, error)

	// ClaimGrant atomically moves a pending row to in_progress, recording
	// the discovered total. Returns false when another worker won the race;
	// that is a normal outcome, not an error.
	ClaimGrant(ctx context.Context, grantID string, totalCount int64) (bool, error)

	// ResetStuckGrants moves in_progress rows whose last checkpoint is
	// older than timeout back to pending and returns how many it reset.
	// ExpandedCount is preserved, so a worker that crashed mid-expansion
	// resumes from the persisted checkpoint once the row is reclaimed.
	ResetStuckGrants(ctx context.Context, timeout time.Duration) (int, error)

	// UpdateGrantProgress persists a new expanded count checkpoint. Counts
	// never decrease.
	UpdateGrantProgress(ctx context.Context, grantID string, expandedCount int64) error

	// CompleteGrant marks the row completed with a final expanded count.
	CompleteGrant(ctx context.Context, grantID string, expandedCount int64) error

	// FailGrant marks the row failed. The message is truncated by the store
	// if it exceeds what the schema holds.
	FailGrant(ctx context.Context, grantID string, message string) error
}

// QueueStore persists cache_queue rows, indexed by (status, priority,
// created_at).
type QueueStore interface {
	// Enqueue inserts a pending row.
	Enqueue(ctx context.Context, entry *QueueEntry) error

	// ClaimPending atomically claims up to limit pending rows, lowest
	// priority value first, and marks them processing. Stores backed by a
	// database that supports locking reads skip rows already claimed by a
	// concurrent consumer rather than blocking on them.
	ClaimPending(ctx context.Context, limit int) ([]*QueueEntry, error)

	// CompleteEntry marks a processing row completed.
	CompleteEntry(ctx context.Context, id string) error

	// FailEntry marks a processing row failed with a message.
	FailEntry(ctx context.Context, id string, message string) error

	// ResetStuckEntries returns any row left in processing longer than the
	// timeout to pending, and reports how many were reset.
	ResetStuckEntries(ctx context.Context, timeout time.Duration) (int, error)

	// GetEntry returns the row, or ErrNotFound.
	GetEntry(ctx context.Context, id string) (*QueueEntry, error)
}
