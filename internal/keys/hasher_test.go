package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerfs/authzcache/pkg/graph"
)

func TestGrantsHash(t *testing.T) {
	t.Run("permutation_invariant", func(t *testing.T) {
		a := GrantsHash([]graph.Object{
			{Type: "file", ID: "/docs/a.txt"},
			{Type: "file", ID: "/docs/b.txt"},
			{Type: "directory", ID: "/docs"},
		})
		b := GrantsHash([]graph.Object{
			{Type: "directory", ID: "/docs"},
			{Type: "file", ID: "/docs/b.txt"},
			{Type: "file", ID: "/docs/a.txt"},
		})
		require.Equal(t, a, b)
	})

	t.Run("different_sets_differ", func(t *testing.T) {
		a := GrantsHash([]graph.Object{{Type: "file", ID: "/docs/a.txt"}})
		b := GrantsHash([]graph.Object{{Type: "file", ID: "/docs/b.txt"}})
		require.NotEqual(t, a, b)
	})

	t.Run("type_participates_in_the_digest", func(t *testing.T) {
		a := GrantsHash([]graph.Object{{Type: "file", ID: "/docs"}})
		b := GrantsHash([]graph.Object{{Type: "directory", ID: "/docs"}})
		require.NotEqual(t, a, b)
	})

	t.Run("empty_set_is_stable", func(t *testing.T) {
		require.Equal(t, GrantsHash(nil), GrantsHash([]graph.Object{}))
	})

	t.Run("does_not_mutate_input", func(t *testing.T) {
		objects := []graph.Object{
			{Type: "file", ID: "/z"},
			{Type: "file", ID: "/a"},
		}
		GrantsHash(objects)
		require.Equal(t, "/z", objects[0].ID)
	})
}
