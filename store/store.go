// Package store defines the DocumentStore capability the core consumes
// (spec §6): get/put/delete/bulk operations plus a change stream. The
// core never depends on a concrete storage engine, only on this
// interface; store/memadapter and store/mongoadapter are two concrete
// implementations of it.
package store

import (
	"context"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/query"
)

// IndexSpec describes a secondary index a store may maintain to speed
// up filter evaluation over a field.
type IndexSpec struct {
	Name   string
	Fields []string
}

// ChangeHandler receives change events as they are committed to a
// store. Handlers run synchronously with the commit that produced
// them; a handler must not block on long-running work.
type ChangeHandler func(document.ChangeEvent)

// DocumentStore is the storage capability consumed by the core (spec
// §6). Implementations MUST emit document.OpInsert for a previously
// absent id and document.OpUpdate for an existing one, with
// PreviousDocument populated on updates; a document.OpDelete event
// carries a nil Document.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	GetMany(ctx context.Context, ids []string) ([]*document.Document, error)
	GetAll(ctx context.Context) ([]*document.Document, error)
	Put(ctx context.Context, doc *document.Document) error
	BulkPut(ctx context.Context, docs []*document.Document) error
	Delete(ctx context.Context, id string) error
	BulkDelete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	CreateIndex(ctx context.Context, spec IndexSpec) error
	DropIndex(ctx context.Context, name string) error

	// Query runs spec against the store directly, used by Live
	// Queries and Materialized Views to (re-)execute their filter.
	Query(ctx context.Context, spec query.Spec) ([]*document.Document, error)

	// Changes subscribes handler to every committed change; it
	// returns an unsubscribe function. The handler is invoked for
	// both locally originated changes and ones replayed by Cross-Tab
	// Sync (distinguished by document.ChangeEvent.IsFromSync).
	Changes(handler ChangeHandler) (unsubscribe func())

	Close() error
}

// ErrNotFound is returned by Get when id does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: document not found" }
