package namespace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerfs/authzcache/pkg/graph"
)

func files(ids ...string) []graph.Object {
	objects := make([]graph.Object, 0, len(ids))
	for _, id := range ids {
		objects = append(objects, graph.Object{Type: fileObjectType, ID: id})
	}
	return objects
}

func TestBuildMountEntries(t *testing.T) {
	t.Run("parent_directory_becomes_mount_point", func(t *testing.T) {
		entries := BuildMountEntries(files("/docs/report.txt"))
		require.Equal(t, []string{"/docs"}, entries)
	})

	t.Run("root_level_id_is_its_own_mount_point", func(t *testing.T) {
		entries := BuildMountEntries(files("readme", "/toplevel"))
		require.Equal(t, []string{"/toplevel", "readme"}, entries)
	})

	t.Run("deduplicates_siblings", func(t *testing.T) {
		entries := BuildMountEntries(files("/docs/a.txt", "/docs/b.txt", "/docs/c.txt"))
		require.Equal(t, []string{"/docs"}, entries)
	})

	t.Run("collapses_nested_directories", func(t *testing.T) {
		entries := BuildMountEntries(files("/docs/a.txt", "/docs/sub/deep/b.txt", "/other/c.txt"))
		require.Equal(t, []string{"/docs", "/other"}, entries)
	})

	t.Run("ignores_non_file_objects", func(t *testing.T) {
		entries := BuildMountEntries([]graph.Object{
			{Type: "directory", ID: "/docs"},
			{Type: fileObjectType, ID: "/pics/cat.jpg"},
		})
		require.Equal(t, []string{"/pics"}, entries)
	})

	t.Run("idempotent_for_permuted_input", func(t *testing.T) {
		a := BuildMountEntries(files("/a/1", "/b/2", "/c/3"))
		b := BuildMountEntries(files("/c/3", "/a/1", "/b/2"))
		require.Equal(t, a, b)
	})

	t.Run("empty_input_yields_empty_table", func(t *testing.T) {
		require.Empty(t, BuildMountEntries(nil))
	})
}

func TestVisible(t *testing.T) {
	entries := BuildMountEntries(files("/a/b/file.txt", "/x/y/file.txt"))
	require.Equal(t, []string{"/a/b", "/x/y"}, entries)

	t.Run("exact_entry_is_visible", func(t *testing.T) {
		require.True(t, visible(entries, "/a/b"))
	})

	t.Run("descendants_are_visible", func(t *testing.T) {
		require.True(t, visible(entries, "/a/b/file.txt"))
		require.True(t, visible(entries, "/a/b/sub/deep.txt"))
	})

	t.Run("sibling_with_shared_string_prefix_is_not_visible", func(t *testing.T) {
		// /a/b covers /a/b/c but never /a/bc.
		require.False(t, visible(entries, "/a/bc"))
		require.False(t, visible(entries, "/a/bc/file.txt"))
	})

	t.Run("ancestor_is_not_visible", func(t *testing.T) {
		require.False(t, visible(entries, "/a"))
	})

	t.Run("unrelated_path_is_not_visible", func(t *testing.T) {
		require.False(t, visible(entries, "/z/q.txt"))
	})

	t.Run("empty_table_sees_nothing", func(t *testing.T) {
		require.False(t, visible(nil, "/a/b"))
	})
}
