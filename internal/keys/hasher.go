package keys

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tigerfs/authzcache/pkg/graph"
)

type hasher interface {
	WriteString(value string) error
}

// NewGrantSetHasher returns a hasher for a subject's grant set, expressed as
// the objects a ListObjects call returned. It sorts the objects first so two
// result sets that are identical except for ordering produce the same hash.
func NewGrantSetHasher(objects ...graph.Object) *grantSetHasher {
	return &grantSetHasher{objects}
}

type grantSetHasher struct {
	objects []graph.Object
}

func (g *grantSetHasher) Append(h hasher) error {
	sorted := append([]graph.Object(nil), g.objects...) // Copy input to avoid mutating it

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].ID < sorted[j].ID
	})

	// prefix to avoid overlap with previous strings written
	if err := h.WriteString("/"); err != nil {
		return err
	}

	for _, obj := range sorted {
		// object with a separator at the end
		if err := h.WriteString(obj.Type + ":" + obj.ID + ","); err != nil {
			return err
		}
	}

	return nil
}

// GrantsHash computes the stable digest of a canonicalized grant set. It is
// how downstream caches detect "did anything actually change" without a full
// mount-table comparison.
func GrantsHash(objects []graph.Object) uint64 {
	h := NewCacheKeyHasher(xxhash.New())
	_ = NewGrantSetHasher(objects...).Append(h)
	return h.Key().ToUInt64()
}
