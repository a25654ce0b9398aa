// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storage

import (
	"context"

	"github.com/zeebo/errs"
)

// Kind identifies a record kind stored in a document store.
type Kind string

// RecordID is the unique identifier of a stored document.
type RecordID string

// Fields is the payload of a document. Values must be JSON-safe
// primitives (string, bool, float64, nil, map[string]interface{},
// []interface{}) so that documents survive a marshal round-trip
// unchanged and can be compared field by field.
type Fields map[string]interface{}

// Document is the stored form of a record. Version is managed by the
// store: Add sets it to 1, every successful Edit increments it.
type Document struct {
	ID      RecordID
	Kind    Kind
	Version int64
	Fields  Fields
}

// Index describes a secondary index over one or more fields.
// CaseInsensitive indices fold values to lower case before storing.
type Index struct {
	Name            string
	Fields          []string
	Unique          bool
	CaseInsensitive bool
}

// Schema declares a record kind and its indices. Register is
// idempotent, so schemas may be re-registered on every startup.
type Schema struct {
	Kind    Kind
	Indices []Index
}

// Op is the mutation type of a Change.
type Op int

// Change operations.
const (
	OpAdd Op = iota
	OpEdit
	OpDelete
)

// Change is a single document mutation inside an atomic batch.
type Change struct {
	Op  Op
	Doc *Document
}

var (
	// Error is the default storage error class.
	Error = errs.Class("storage error")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errs.Class("document not found")
	// ErrDuplicateKey is returned when a unique index rejects a write.
	ErrDuplicateKey = errs.Class("duplicate key")
	// ErrConflict is returned when an edit carries a stale version.
	// The caller must re-read and retry, or merge.
	ErrConflict = errs.Class("version conflict")
	// ErrUnregistered is returned when a kind has no registered schema.
	ErrUnregistered = errs.Class("unregistered kind")
	// ErrInterrupted is returned when a cooperative cancellation check
	// stopped a paginated operation. Schedulers treat it as expected
	// early termination, not a fault.
	ErrInterrupted = errs.Class("interrupted")
)

// Documents is the document store contract implemented by every
// backend. All mutations go through Apply, which applies the whole
// batch atomically: either every change commits or none do. Apply
// enforces optimistic concurrency per document: an OpEdit whose
// Doc.Version does not match the stored version fails the batch with
// ErrConflict.
type Documents interface {
	// Register idempotently ensures the kind and its indices exist.
	Register(ctx context.Context, schema Schema) error

	// Read returns the document with the given id.
	Read(ctx context.Context, kind Kind, id RecordID) (*Document, error)

	// ReadByIndex returns the document matching the index values.
	// The number of values must match the index's field count.
	ReadByIndex(ctx context.Context, kind Kind, index string, values ...string) (*Document, error)

	// Exists reports whether a document matches the index values
	// without loading it.
	Exists(ctx context.Context, kind Kind, index string, values ...string) (bool, error)

	// Query returns all documents of the kind matching the query,
	// in the query's order.
	Query(ctx context.Context, kind Kind, query Query) ([]*Document, error)

	// DeletePage deletes up to limit documents matching the query
	// and returns how many were deleted. Callers loop until the
	// returned count is less than limit.
	DeletePage(ctx context.Context, kind Kind, query Query, limit int) (int, error)

	// Apply atomically applies a batch of changes.
	Apply(ctx context.Context, changes []Change) error

	Close() error
}

// AddDocument applies a single OpAdd.
func AddDocument(ctx context.Context, store Documents, doc *Document) error {
	return store.Apply(ctx, []Change{{Op: OpAdd, Doc: doc}})
}

// EditDocument applies a single OpEdit.
func EditDocument(ctx context.Context, store Documents, doc *Document) error {
	return store.Apply(ctx, []Change{{Op: OpEdit, Doc: doc}})
}

// DeleteDocument applies a single OpDelete.
func DeleteDocument(ctx context.Context, store Documents, kind Kind, id RecordID) error {
	return store.Apply(ctx, []Change{{Op: OpDelete, Doc: &Document{ID: id, Kind: kind}}})
}
