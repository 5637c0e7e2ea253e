// Package graphtest provides an in-memory relationship graph and path lister
// for tests. The fake keeps per-zone tuples and paths, bumps the zone
// revision on every write, and fires registered write hooks synchronously
// like the real engine does.
package graphtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tigerfs/authzcache/pkg/graph"
	"github.com/tigerfs/authzcache/pkg/storage"
)

type tupleKey struct {
	zoneID     string
	subject    string
	permission string
	object     string
}

// Graph is an in-memory [graph.Checker] and [graph.Lister].
type Graph struct {
	mu        sync.Mutex
	tuples    map[tupleKey]struct{}
	paths     map[string][]string
	revisions map[string]uint32
	hooks     []graph.WriteHook

	// CheckErrs is a queue of errors consumed one per BulkCheck call before
	// CheckErr is consulted.
	CheckErrs []error
	// CheckErr, when set, is returned by every BulkCheck call.
	CheckErr error
	// ListObjectsErr, when set, is returned by every ListObjects call.
	ListObjectsErr error
	// ListErr, when set, is returned by every List call.
	ListErr error
	// RevisionErr, when set, is returned by every ZoneRevision call.
	RevisionErr error

	// BulkCheckCalls counts BulkCheck round trips.
	BulkCheckCalls int
	// ListObjectsCalls counts ListObjects round trips.
	ListObjectsCalls int
}

var (
	_ graph.Checker = (*Graph)(nil)
	_ graph.Lister  = (*Graph)(nil)
)

func New() *Graph {
	return &Graph{
		tuples:    make(map[tupleKey]struct{}),
		paths:     make(map[string][]string),
		revisions: make(map[string]uint32),
	}
}

// Allow records that the subject holds the permission on the object. The
// zone revision advances and write hooks fire.
func (g *Graph) Allow(subject storage.Subject, permission, objectType, objectID, zoneID string) {
	g.write(subject, permission, objectType, objectID, zoneID, true)
}

// Revoke removes a previously recorded permission. The zone revision
// advances and write hooks fire.
func (g *Graph) Revoke(subject storage.Subject, permission, objectType, objectID, zoneID string) {
	g.write(subject, permission, objectType, objectID, zoneID, false)
}

func (g *Graph) write(subject storage.Subject, permission, objectType, objectID, zoneID string, allow bool) {
	g.mu.Lock()
	key := tupleKey{
		zoneID:     zoneID,
		subject:    subject.String(),
		permission: permission,
		object:     objectType + ":" + objectID,
	}
	if allow {
		g.tuples[key] = struct{}{}
	} else {
		delete(g.tuples, key)
	}
	g.revisions[zoneID]++
	hooks := make([]graph.WriteHook, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.Unlock()

	event := graph.WriteEvent{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		ZoneID:      zoneID,
	}
	for _, hook := range hooks {
		hook(event)
	}
}

// AddPath registers an object path in the zone's metadata store without
// touching permissions or the revision.
func (g *Graph) AddPath(zoneID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paths[zoneID] = append(g.paths[zoneID], path)
}

// BumpRevision advances the zone revision without any relationship change.
func (g *Graph) BumpRevision(zoneID string, delta uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revisions[zoneID] += delta
}

func (g *Graph) BulkCheck(ctx context.Context, subject storage.Subject, permission string, refs []graph.Ref, zoneID string) (map[graph.Ref]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.BulkCheckCalls++
	if len(g.CheckErrs) > 0 {
		err := g.CheckErrs[0]
		g.CheckErrs = g.CheckErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if g.CheckErr != nil {
		return nil, g.CheckErr
	}

	verdicts := make(map[graph.Ref]bool, len(refs))
	for _, ref := range refs {
		key := tupleKey{
			zoneID:     zoneID,
			subject:    subject.String(),
			permission: permission,
			object:     ref.Type + ":" + ref.ID,
		}
		_, ok := g.tuples[key]
		verdicts[ref] = ok
	}
	return verdicts, nil
}

func (g *Graph) ListObjects(ctx context.Context, subject storage.Subject, permission, resourceType, zoneID string, limit int) ([]graph.Object, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ListObjectsCalls++
	if g.ListObjectsErr != nil {
		return nil, g.ListObjectsErr
	}

	prefix := resourceType + ":"
	var objects []graph.Object
	for key := range g.tuples {
		if key.zoneID != zoneID || key.subject != subject.String() || key.permission != permission {
			continue
		}
		if !strings.HasPrefix(key.object, prefix) {
			continue
		}
		objects = append(objects, graph.Object{
			Type: resourceType,
			ID:   key.object[len(prefix):],
		})
		if len(objects) == limit {
			break
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects, nil
}

func (g *Graph) ZoneRevision(ctx context.Context, zoneID string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RevisionErr != nil {
		return 0, g.RevisionErr
	}
	return g.revisions[zoneID], nil
}

func (g *Graph) RegisterWriteHook(hook graph.WriteHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, hook)
}

func (g *Graph) List(ctx context.Context, prefix string, recursive bool, zoneID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ListErr != nil {
		return nil, g.ListErr
	}

	var out []string
	for _, path := range g.paths[zoneID] {
		if path == prefix || !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		if !recursive && strings.Contains(path[len(prefix)+1:], "/") {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}
