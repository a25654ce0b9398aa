// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package teststore

import (
	"bytes"
	"context"
	"sync"

	"github.com/depotd/depot/storage"
)

// Client implements an in-memory document store. It is safe for
// concurrent use and counts calls so tests can assert how often the
// backend was touched.
type Client struct {
	mu sync.Mutex

	schemas map[storage.Kind]storage.Schema
	docs    map[storage.Kind]map[storage.RecordID]*storage.Document

	CallCount struct {
		Read       int
		Query      int
		Apply      int
		DeletePage int
	}
}

// New creates a new in-memory document store.
func New() *Client {
	return &Client{
		schemas: map[storage.Kind]storage.Schema{},
		docs:    map[storage.Kind]map[storage.RecordID]*storage.Document{},
	}
}

// Register ensures the kind exists.
func (store *Client) Register(ctx context.Context, schema storage.Schema) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.schemas[schema.Kind] = schema
	if store.docs[schema.Kind] == nil {
		store.docs[schema.Kind] = map[storage.RecordID]*storage.Document{}
	}
	return nil
}

// Read returns the document with the given id.
func (store *Client) Read(ctx context.Context, kind storage.Kind, id storage.RecordID) (*storage.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Read++

	docs, ok := store.docs[kind]
	if !ok {
		return nil, storage.ErrUnregistered.New("%s", kind)
	}
	doc, ok := docs[id]
	if !ok {
		return nil, storage.ErrNotFound.New("%s %q", kind, id)
	}
	return storage.CloneDocument(doc), nil
}

// ReadByIndex returns the document matching the index values.
func (store *Client) ReadByIndex(ctx context.Context, kind storage.Kind, index string, values ...string) (*storage.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	doc, err := store.lookupLocked(kind, index, values...)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, storage.ErrNotFound.New("%s by %s", kind, index)
	}
	return storage.CloneDocument(doc), nil
}

// Exists reports whether a document matches the index values.
func (store *Client) Exists(ctx context.Context, kind storage.Kind, index string, values ...string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	doc, err := store.lookupLocked(kind, index, values...)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

func (store *Client) lookupLocked(kind storage.Kind, indexName string, values ...string) (*storage.Document, error) {
	schema, ok := store.schemas[kind]
	if !ok {
		return nil, storage.ErrUnregistered.New("%s", kind)
	}
	index, ok := storage.FindIndex(schema, indexName)
	if !ok {
		return nil, storage.Error.New("unknown index %s.%s", kind, indexName)
	}

	want := storage.EncodeIndexKey(index, values...)
	for _, doc := range store.docs[kind] {
		key, indexed := storage.IndexKey(index, doc.Fields)
		if indexed && bytes.Equal(key, want) {
			return doc, nil
		}
	}
	return nil, nil
}

// Query returns all matching documents.
func (store *Client) Query(ctx context.Context, kind storage.Kind, query storage.Query) ([]*storage.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Query++

	if query.Empty() {
		return nil, nil
	}
	if _, ok := store.schemas[kind]; !ok {
		return nil, storage.ErrUnregistered.New("%s", kind)
	}

	var matched []*storage.Document
	for _, doc := range store.docs[kind] {
		if query.Matches(doc) {
			matched = append(matched, storage.CloneDocument(doc))
		}
	}
	return query.Sort(matched), nil
}

// DeletePage deletes up to limit matching documents.
func (store *Client) DeletePage(ctx context.Context, kind storage.Kind, query storage.Query, limit int) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.DeletePage++

	if query.Empty() {
		return 0, nil
	}
	docs, ok := store.docs[kind]
	if !ok {
		return 0, storage.ErrUnregistered.New("%s", kind)
	}

	deleted := 0
	for id, doc := range docs {
		if limit > 0 && deleted >= limit {
			break
		}
		if query.Matches(doc) {
			delete(docs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Apply atomically applies a batch of changes.
func (store *Client) Apply(ctx context.Context, changes []storage.Change) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Apply++

	// Validate the whole batch before mutating anything.
	versions := make([]int64, len(changes))
	for i, change := range changes {
		doc := change.Doc
		docs, ok := store.docs[doc.Kind]
		if !ok {
			return storage.ErrUnregistered.New("%s", doc.Kind)
		}

		switch change.Op {
		case storage.OpAdd:
			if _, exists := docs[doc.ID]; exists {
				return storage.ErrDuplicateKey.New("%s %q", doc.Kind, doc.ID)
			}
			if err := store.checkUniqueLocked(doc, changes); err != nil {
				return err
			}
			versions[i] = 1
		case storage.OpEdit:
			stored, exists := docs[doc.ID]
			if !exists {
				return storage.ErrNotFound.New("%s %q", doc.Kind, doc.ID)
			}
			if stored.Version != doc.Version {
				return storage.ErrConflict.New("%s %q: stored version %d, changing version %d",
					doc.Kind, doc.ID, stored.Version, doc.Version)
			}
			if err := store.checkUniqueLocked(doc, changes); err != nil {
				return err
			}
			versions[i] = stored.Version + 1
		case storage.OpDelete:
			if _, exists := docs[doc.ID]; !exists {
				return storage.ErrNotFound.New("%s %q", doc.Kind, doc.ID)
			}
		}
	}

	for i, change := range changes {
		doc := change.Doc
		switch change.Op {
		case storage.OpAdd, storage.OpEdit:
			doc.Version = versions[i]
			store.docs[doc.Kind][doc.ID] = storage.CloneDocument(doc)
		case storage.OpDelete:
			delete(store.docs[doc.Kind], doc.ID)
		}
	}
	return nil
}

func (store *Client) checkUniqueLocked(doc *storage.Document, batch []storage.Change) error {
	schema := store.schemas[doc.Kind]
	for _, index := range schema.Indices {
		if !index.Unique {
			continue
		}
		key, indexed := storage.IndexKey(index, doc.Fields)
		if !indexed {
			continue
		}
		for id, other := range store.docs[doc.Kind] {
			if id == doc.ID || deletedInBatch(batch, doc.Kind, id) {
				continue
			}
			otherKey, otherIndexed := storage.IndexKey(index, other.Fields)
			if otherIndexed && bytes.Equal(key, otherKey) {
				return storage.ErrDuplicateKey.New("%s index %s", doc.Kind, index.Name)
			}
		}
	}
	return nil
}

func deletedInBatch(batch []storage.Change, kind storage.Kind, id storage.RecordID) bool {
	for _, change := range batch {
		if change.Op == storage.OpDelete && change.Doc.Kind == kind && change.Doc.ID == id {
			return true
		}
	}
	return false
}

// Close is a no-op for the in-memory store.
func (store *Client) Close() error { return nil }
