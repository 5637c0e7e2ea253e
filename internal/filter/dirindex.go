package filter

import (
	"time"

	"github.com/tigerfs/authzcache/pkg/storage"
)

// DirectoryIndex is the coarse secondary cache of directories known to be
// accessible to a subject, keyed per (zone, subject, permission). It is
// populated from directory-scope grants, whose semantics genuinely cover
// descendants, so resolving a path that falls under an indexed directory is
// sound — unlike the hierarchy heuristic, which only prunes.
type DirectoryIndex struct {
	cache storage.InMemoryCache[bool]
	ttl   time.Duration
}

func NewDirectoryIndex(ttl time.Duration) *DirectoryIndex {
	return &DirectoryIndex{
		cache: storage.NewInMemoryLRUCache[bool](),
		ttl:   ttl,
	}
}

func dirIndexKey(subject storage.Subject, permission, zoneID, dir string) string {
	return zoneID + "|" + subject.String() + "|" + permission + "|" + dir
}

// MarkAccessible records that every path under dir is accessible to the
// subject.
func (d *DirectoryIndex) MarkAccessible(subject storage.Subject, permission, zoneID, dir string) {
	d.cache.Set(dirIndexKey(subject, permission, zoneID, dir), true, d.ttl)
}

// IsAccessible reports whether dir itself was marked accessible.
func (d *DirectoryIndex) IsAccessible(subject storage.Subject, permission, zoneID, dir string) bool {
	return d.cache.Get(dirIndexKey(subject, permission, zoneID, dir))
}

// InvalidateSubject drops every indexed directory for the subject in the
// zone.
func (d *DirectoryIndex) InvalidateSubject(subject storage.Subject, zoneID string) {
	prefix := zoneID + "|" + subject.String() + "|"
	d.cache.DeleteIf(func(key string) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	})
}

// Stop releases cache resources.
func (d *DirectoryIndex) Stop() {
	d.cache.Stop()
}
