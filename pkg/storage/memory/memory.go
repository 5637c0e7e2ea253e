// Package memory provides ephemeral, mutex-guarded implementations of the
// storage interfaces. Instances may be safely shared by multiple
// goroutines. Multi-process deployments coordinate through a persistent
// store instead; these backends suit tests and single-process use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerfs/authzcache/pkg/storage"
)

// ResourceMapStore is an in-memory dense-id mapper. Ids are allocated from a
// per-(zone, resource_type) counter and never reused.
type ResourceMapStore struct {
	mu sync.RWMutex

	// map: zone|type => map: resource id => dense id
	forward map[string]map[string]uint32 /* GUARDED_BY(mu) */
	// map: zone|type => map: dense id => resource id
	reverse map[string]map[uint32]string /* GUARDED_BY(mu) */
	// map: zone|type => next dense id
	next map[string]uint32 /* GUARDED_BY(mu) */
}

var _ storage.ResourceMapStore = (*ResourceMapStore)(nil)

func NewResourceMapStore() *ResourceMapStore {
	return &ResourceMapStore{
		forward: make(map[string]map[string]uint32),
		reverse: make(map[string]map[uint32]string),
		next:    make(map[string]uint32),
	}
}

func scopeKey(resourceType, zoneID string) string {
	return zoneID + "|" + resourceType
}

func (s *ResourceMapStore) GetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.forward[scopeKey(resourceType, zoneID)][resourceID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (s *ResourceMapStore) SetIntID(ctx context.Context, resourceType, resourceID, zoneID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.assignLocked(resourceType, resourceID, zoneID), nil
}

func (s *ResourceMapStore) assignLocked(resourceType, resourceID, zoneID string) uint32 {
	scope := scopeKey(resourceType, zoneID)
	if id, ok := s.forward[scope][resourceID]; ok {
		return id
	}

	if s.forward[scope] == nil {
		s.forward[scope] = make(map[string]uint32)
		s.reverse[scope] = make(map[uint32]string)
	}

	id := s.next[scope]
	s.next[scope] = id + 1
	s.forward[scope][resourceID] = id
	s.reverse[scope][id] = resourceID
	return id
}

func (s *ResourceMapStore) GetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := s.forward[scopeKey(resourceType, zoneID)]
	result := make(map[string]uint32, len(resourceIDs))
	for _, rid := range resourceIDs {
		if id, ok := scope[rid]; ok {
			result[rid] = id
		}
	}
	return result, nil
}

func (s *ResourceMapStore) SetIntIDsBulk(ctx context.Context, resourceType string, resourceIDs []string, zoneID string) (map[string]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]uint32, len(resourceIDs))
	for _, rid := range resourceIDs {
		result[rid] = s.assignLocked(resourceType, rid, zoneID)
	}
	return result, nil
}

func (s *ResourceMapStore) GetResourceID(ctx context.Context, resourceType string, intID uint32, zoneID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rid, ok := s.reverse[scopeKey(resourceType, zoneID)][intID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return rid, nil
}

func (s *ResourceMapStore) ListMappings(ctx context.Context, resourceType, zoneID string) ([]storage.ResourceMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := s.forward[scopeKey(resourceType, zoneID)]
	mappings := make([]storage.ResourceMapping, 0, len(scope))
	for rid, id := range scope {
		mappings = append(mappings, storage.ResourceMapping{ResourceID: rid, IntID: id})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].IntID < mappings[j].IntID })
	return mappings, nil
}

// GrantStore is an in-memory directory_grants table.
type GrantStore struct {
	mu sync.Mutex

	// map: grant id => row
	grants map[string]*storage.DirectoryGrant /* GUARDED_BY(mu) */
	order  []string                           /* GUARDED_BY(mu) */
}

var _ storage.GrantStore = (*GrantStore)(nil)

func NewGrantStore() *GrantStore {
	return &GrantStore{
		grants: make(map[string]*storage.DirectoryGrant),
	}
}

func (s *GrantStore) CreateGrant(ctx context.Context, grant *storage.DirectoryGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grant.GrantID]; ok {
		return storage.ErrCollision
	}

	cp := *grant
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = storage.ExpansionPending
	}
	s.grants[grant.GrantID] = &cp
	s.order = append(s.order, grant.GrantID)
	return nil
}

func (s *GrantStore) GetGrant(ctx context.Context, grantID string) (*storage.DirectoryGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *GrantStore) ListPendingGrants(ctx context.Context, limit int) ([]*storage.DirectoryGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*storage.DirectoryGrant
	for _, id := range s.order {
		g := s.grants[id]
		if g.Status != storage.ExpansionPending {
			continue
		}
		cp := *g
		pending = append(pending, &cp)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

func (s *GrantStore) ClaimGrant(ctx context.Context, grantID string, totalCount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if g.Status != storage.ExpansionPending {
		// Another worker already claimed it.
		return false, nil
	}
	g.Status = storage.ExpansionInProgress
	g.TotalCount = totalCount
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *GrantStore) ResetStuckGrants(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	reset := 0
	for _, id := range s.order {
		g := s.grants[id]
		if g.Status != storage.ExpansionInProgress || !g.UpdatedAt.Before(cutoff) {
			continue
		}
		g.Status = storage.ExpansionPending
		g.UpdatedAt = time.Now().UTC()
		reset++
	}
	return reset, nil
}

func (s *GrantStore) UpdateGrantProgress(ctx context.Context, grantID string, expandedCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return storage.ErrNotFound
	}
	if expandedCount < g.ExpandedCount {
		return storage.ErrInvalidStatusTransition
	}
	g.ExpandedCount = expandedCount
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *GrantStore) CompleteGrant(ctx context.Context, grantID string, expandedCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return storage.ErrNotFound
	}
	if g.Status == storage.ExpansionCompleted || g.Status == storage.ExpansionFailed {
		return storage.ErrInvalidStatusTransition
	}
	g.Status = storage.ExpansionCompleted
	if expandedCount > g.ExpandedCount {
		g.ExpandedCount = expandedCount
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *GrantStore) FailGrant(ctx context.Context, grantID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return storage.ErrNotFound
	}
	if g.Status == storage.ExpansionCompleted || g.Status == storage.ExpansionFailed {
		return storage.ErrInvalidStatusTransition
	}
	g.Status = storage.ExpansionFailed
	g.ErrorMessage = truncate(message, maxErrorMessageLen)
	g.UpdatedAt = time.Now().UTC()
	return nil
}

const maxErrorMessageLen = 500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// QueueStore is an in-memory cache_queue table.
type QueueStore struct {
	mu sync.Mutex

	// map: entry id (ulid) => row
	entries map[string]*storage.QueueEntry /* GUARDED_BY(mu) */
}

var _ storage.QueueStore = (*QueueStore)(nil)

func NewQueueStore() *QueueStore {
	return &QueueStore{
		entries: make(map[string]*storage.QueueEntry),
	}
}

func (s *QueueStore) Enqueue(ctx context.Context, entry *storage.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return storage.ErrCollision
	}

	cp := *entry
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = storage.QueuePending
	}
	s.entries[entry.ID] = &cp
	return nil
}

func (s *QueueStore) ClaimPending(ctx context.Context, limit int) ([]*storage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*storage.QueueEntry
	for _, e := range s.entries {
		if e.Status == storage.QueuePending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return strings.Compare(pending[i].ID, pending[j].ID) < 0
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*storage.QueueEntry, 0, len(pending))
	for _, e := range pending {
		e.Status = storage.QueueProcessing
		e.ProcessingAt = now
		e.UpdatedAt = now
		cp := *e
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *QueueStore) CompleteEntry(ctx context.Context, id string) error {
	return s.finish(id, storage.QueueCompleted, "")
}

func (s *QueueStore) FailEntry(ctx context.Context, id string, message string) error {
	return s.finish(id, storage.QueueFailed, truncate(message, maxErrorMessageLen))
}

func (s *QueueStore) finish(id string, status storage.QueueStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != storage.QueueProcessing {
		return storage.ErrInvalidStatusTransition
	}
	e.Status = status
	e.ErrorMessage = message
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *QueueStore) ResetStuckEntries(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	reset := 0
	for _, e := range s.entries {
		if e.Status == storage.QueueProcessing && e.ProcessingAt.Before(cutoff) {
			e.Status = storage.QueuePending
			e.ProcessingAt = time.Time{}
			e.UpdatedAt = time.Now().UTC()
			reset++
		}
	}
	return reset, nil
}

func (s *QueueStore) GetEntry(ctx context.Context, id string) (*storage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}
