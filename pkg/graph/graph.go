// Package graph declares the contracts this subsystem consumes from its
// external collaborators: the ground-truth ReBAC graph engine and the
// object-metadata listing store. Neither is implemented here; the cache
// layer only accelerates the answers these collaborators own.
package graph

import (
	"context"

	"github.com/tigerfs/authzcache/pkg/storage"
)

// Ref names one resource for a permission check.
type Ref struct {
	Type string
	ID   string
}

// Object is one entry of a ListObjects result.
type Object struct {
	Type string
	ID   string
}

// WriteEvent is delivered synchronously on every relationship write that
// could affect a cached permission set.
type WriteEvent struct {
	SubjectType string
	SubjectID   string
	ZoneID      string
}

func (e WriteEvent) Subject() storage.Subject {
	return storage.Subject{Type: e.SubjectType, ID: e.SubjectID}
}

// WriteHook receives relationship-write notifications. Hooks run on the
// writer's call path and must be fast; anything slow belongs on a queue.
type WriteHook func(event WriteEvent)

// Checker is the bulk-check and list-objects contract of the ground-truth
// ReBAC engine. Every method is a single round trip regardless of input
// size; issuing per-object sequential calls against it is a bug in the
// caller.
type Checker interface {
	// BulkCheck answers "does subject have permission on each ref" for many
	// refs in one round trip.
	BulkCheck(ctx context.Context, subject storage.Subject, permission string, refs []Ref, zoneID string) (map[Ref]bool, error)

	// ListObjects returns up to limit objects of the given type the subject
	// holds the permission on.
	ListObjects(ctx context.Context, subject storage.Subject, permission, resourceType, zoneID string, limit int) ([]Object, error)

	// ZoneRevision returns the zone's monotonically increasing change
	// counter.
	ZoneRevision(ctx context.Context, zoneID string) (uint32, error)

	// RegisterWriteHook subscribes to relationship-write notifications.
	RegisterWriteHook(hook WriteHook)
}

// Lister enumerates object ids from the metadata store.
type Lister interface {
	// List returns the object ids under prefix in the zone. With recursive
	// set it walks the whole subtree.
	List(ctx context.Context, prefix string, recursive bool, zoneID string) ([]string, error)
}
