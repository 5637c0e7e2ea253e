package memory

import (
	"context"
	"strings"
	"time"

	"github.com/tigerfs/authzcache/pkg/storage"
)

const defaultBitmapTTL = 12 * time.Hour

type bitmapEntry struct {
	value    []byte
	complete bool
}

// BitmapStore is the process-local BitmapCacheStore: a TTL'd key-value cache
// of wire-format bitmap values. Entries are replaced wholesale on Set.
type BitmapStore struct {
	cache storage.InMemoryCache[*bitmapEntry]
	ttl   time.Duration
}

var _ storage.BitmapCacheStore = (*BitmapStore)(nil)

type BitmapStoreOpt func(*BitmapStore)

func WithBitmapTTL(ttl time.Duration) BitmapStoreOpt {
	return func(s *BitmapStore) {
		s.ttl = ttl
	}
}

func WithBitmapMaxEntries(n int64) BitmapStoreOpt {
	return func(s *BitmapStore) {
		s.cache.Stop()
		s.cache = storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[*bitmapEntry](n))
	}
}

func NewBitmapStore(opts ...BitmapStoreOpt) *BitmapStore {
	s := &BitmapStore{
		cache: storage.NewInMemoryLRUCache[*bitmapEntry](),
		ttl:   defaultBitmapTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BitmapStore) GetBitmap(ctx context.Context, key storage.PermissionKey) ([]byte, bool, error) {
	entry := s.cache.Get(key.String())
	if entry == nil {
		return nil, false, storage.ErrNotFound
	}
	return entry.value, entry.complete, nil
}

func (s *BitmapStore) SetBitmap(ctx context.Context, key storage.PermissionKey, value []byte, complete bool) error {
	s.cache.Set(key.String(), &bitmapEntry{value: value, complete: complete}, s.ttl)
	return nil
}

func (s *BitmapStore) InvalidateBitmaps(ctx context.Context, pattern storage.PermissionKeyPattern) error {
	s.cache.DeleteIf(func(key string) bool {
		parsed, ok := parseKey(key)
		return ok && pattern.Matches(parsed)
	})
	return nil
}

// Stop releases the underlying cache resources.
func (s *BitmapStore) Stop() {
	s.cache.Stop()
}

func parseKey(rendered string) (storage.PermissionKey, bool) {
	parts := strings.SplitN(rendered, "|", 5)
	if len(parts) != 5 {
		return storage.PermissionKey{}, false
	}
	return storage.PermissionKey{
		ZoneID:       parts[0],
		SubjectType:  parts[1],
		SubjectID:    parts[2],
		Permission:   parts[3],
		ResourceType: parts[4],
	}, true
}
