package namespace

import (
	"sort"
	"strings"

	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/storage"
)

// fileObjectType is the object type whose ids contribute mount points.
const fileObjectType = "file"

// BuildMountEntries derives a subject's mount table from the result of a
// bulk list-objects call. For every file object the mount point is the
// file's parent directory, unless the id is a root-level entry with no
// parent, in which case the id itself is the mount point. The result is
// deduplicated, hierarchy-collapsed (a parent prefix subsumes its children),
// and sorted, ready for bisection.
//
// The function is pure and idempotent: the same input always yields the same
// output.
func BuildMountEntries(objects []graph.Object) []string {
	candidates := storage.NewSortedSet()
	for _, obj := range objects {
		if obj.Type != fileObjectType || obj.ID == "" {
			continue
		}
		candidates.Add(mountPoint(obj.ID))
	}

	return collapse(candidates.Values())
}

// mountPoint returns the directory a file id makes visible.
func mountPoint(objectID string) string {
	idx := strings.LastIndex(objectID, "/")
	if idx <= 0 {
		// No separator, or only a leading one: root-level entry.
		return objectID
	}
	return objectID[:idx]
}

// collapse keeps only entries not already covered by an earlier (shorter)
// entry in the sorted list.
func collapse(sorted []string) []string {
	entries := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		if len(entries) > 0 && covers(entries[len(entries)-1], candidate) {
			continue
		}
		entries = append(entries, candidate)
	}
	return entries
}

// covers reports whether the mount entry makes path visible: either they are
// equal or entry is a proper path-prefix at a component boundary.
func covers(entry, path string) bool {
	if entry == path {
		return true
	}
	return strings.HasPrefix(path, entry+"/")
}

// visible performs the O(log m) bisection over a sorted, collapsed mount
// list: find the rightmost entry lexicographically <= path, then test
// whether it covers path.
func visible(entries []string, path string) bool {
	if len(entries) == 0 {
		// No mounts means nothing is visible.
		return false
	}

	idx := sort.SearchStrings(entries, path)
	if idx < len(entries) && entries[idx] == path {
		return true
	}
	if idx == 0 {
		return false
	}
	return covers(entries[idx-1], path)
}
