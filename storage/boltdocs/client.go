// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package boltdocs

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/depotd/depot/storage"
)

var mon = monkit.Package()

// Error is the default boltdocs error class.
var Error = errs.Class("boltdocs error")

var defaultTimeout = 1 * time.Second

const (
	// fileMode sets permissions so only the owner can read and write.
	fileMode = 0600

	indexBucketSeparator = "!"
)

var _ storage.Documents = (*Client)(nil)

// Client implements storage.Documents on top of a Bolt database.
// Documents live in one bolt bucket per kind, index entries in one
// bolt bucket per (kind, index). Bolt serializes writers, so a batch
// applied in a single update transaction is atomic.
type Client struct {
	db   *bolt.DB
	Path string

	mu      sync.RWMutex
	schemas map[storage.Kind]storage.Schema
}

// New instantiates a new bolt-backed document store at path.
func New(path string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		db:      db,
		Path:    path,
		schemas: map[storage.Kind]storage.Schema{},
	}, nil
}

// Close closes the bolt database.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

func docBucketName(kind storage.Kind) []byte {
	return []byte(kind)
}

func indexBucketName(kind storage.Kind, index string) []byte {
	return []byte(string(kind) + indexBucketSeparator + index)
}

// Register idempotently creates the kind's buckets.
func (client *Client) Register(ctx context.Context, schema storage.Schema) (err error) {
	defer mon.Task()(&ctx)(&err)

	client.mu.Lock()
	client.schemas[schema.Kind] = schema
	client.mu.Unlock()

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docBucketName(schema.Kind)); err != nil {
			return err
		}
		for _, index := range schema.Indices {
			if _, err := tx.CreateBucketIfNotExists(indexBucketName(schema.Kind, index.Name)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (client *Client) schema(kind storage.Kind) (storage.Schema, error) {
	client.mu.RLock()
	defer client.mu.RUnlock()
	schema, ok := client.schemas[kind]
	if !ok {
		return storage.Schema{}, storage.ErrUnregistered.New("%s", kind)
	}
	return schema, nil
}

// Read returns the document with the given id.
func (client *Client) Read(ctx context.Context, kind storage.Kind, id storage.RecordID) (doc *storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := client.schema(kind); err != nil {
		return nil, err
	}
	err = client.db.View(func(tx *bolt.Tx) error {
		doc, err = readDocument(tx, kind, id)
		return err
	})
	return doc, err
}

func readDocument(tx *bolt.Tx, kind storage.Kind, id storage.RecordID) (*storage.Document, error) {
	bucket := tx.Bucket(docBucketName(kind))
	if bucket == nil {
		return nil, storage.ErrUnregistered.New("%s", kind)
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, storage.ErrNotFound.New("%s %q", kind, id)
	}
	return storage.DecodeDocument(kind, data)
}

// ReadByIndex returns the document matching the index values using the
// index bucket, not a scan.
func (client *Client) ReadByIndex(ctx context.Context, kind storage.Kind, indexName string, values ...string) (doc *storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := client.schema(kind)
	if err != nil {
		return nil, err
	}
	index, ok := storage.FindIndex(schema, indexName)
	if !ok {
		return nil, Error.New("unknown index %s.%s", kind, indexName)
	}

	err = client.db.View(func(tx *bolt.Tx) error {
		id, found := lookupIndex(tx, kind, index, values)
		if !found {
			return storage.ErrNotFound.New("%s by %s", kind, indexName)
		}
		doc, err = readDocument(tx, kind, id)
		return err
	})
	return doc, err
}

// Exists reports whether a document matches the index values.
func (client *Client) Exists(ctx context.Context, kind storage.Kind, indexName string, values ...string) (exists bool, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := client.schema(kind)
	if err != nil {
		return false, err
	}
	index, ok := storage.FindIndex(schema, indexName)
	if !ok {
		return false, Error.New("unknown index %s.%s", kind, indexName)
	}

	err = client.db.View(func(tx *bolt.Tx) error {
		_, exists = lookupIndex(tx, kind, index, values)
		return nil
	})
	return exists, err
}

func lookupIndex(tx *bolt.Tx, kind storage.Kind, index storage.Index, values []string) (storage.RecordID, bool) {
	bucket := tx.Bucket(indexBucketName(kind, index.Name))
	if bucket == nil {
		return "", false
	}
	key := storage.EncodeIndexKey(index, values...)
	if index.Unique {
		id := bucket.Get(key)
		if id == nil {
			return "", false
		}
		return storage.RecordID(id), true
	}

	// Non-unique entries append the document id to the key; any entry
	// under the value prefix is a match.
	cursor := bucket.Cursor()
	prefix := append(key, 0)
	entry, id := cursor.Seek(prefix)
	if entry == nil || !bytes.HasPrefix(entry, prefix) {
		return "", false
	}
	return storage.RecordID(id), true
}

// Query returns all matching documents.
func (client *Client) Query(ctx context.Context, kind storage.Kind, query storage.Query) (docs []*storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if query.Empty() {
		return nil, nil
	}
	if _, err := client.schema(kind); err != nil {
		return nil, err
	}

	err = client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(docBucketName(kind))
		if bucket == nil {
			return storage.ErrUnregistered.New("%s", kind)
		}
		return bucket.ForEach(func(key, data []byte) error {
			doc, err := storage.DecodeDocument(kind, data)
			if err != nil {
				return err
			}
			if query.Matches(doc) {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return query.Sort(docs), nil
}

// DeletePage deletes up to limit matching documents in one bolt
// transaction and returns how many were deleted.
func (client *Client) DeletePage(ctx context.Context, kind storage.Kind, query storage.Query, limit int) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	if query.Empty() {
		return 0, nil
	}
	schema, err := client.schema(kind)
	if err != nil {
		return 0, err
	}

	err = client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(docBucketName(kind))
		if bucket == nil {
			return storage.ErrUnregistered.New("%s", kind)
		}

		var victims []*storage.Document
		cursor := bucket.Cursor()
		for key, data := cursor.First(); key != nil; key, data = cursor.Next() {
			if limit > 0 && len(victims) >= limit {
				break
			}
			doc, err := storage.DecodeDocument(kind, data)
			if err != nil {
				return err
			}
			if query.Matches(doc) {
				victims = append(victims, doc)
			}
		}

		for _, doc := range victims {
			if err := deleteDocument(tx, schema, doc); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Apply atomically applies a batch of changes inside one bolt update
// transaction. Any failure rolls back the whole batch.
func (client *Client) Apply(ctx context.Context, changes []storage.Change) (err error) {
	defer mon.Task()(&ctx)(&err)

	schemas := make([]storage.Schema, len(changes))
	for i, change := range changes {
		schema, err := client.schema(change.Doc.Kind)
		if err != nil {
			return err
		}
		schemas[i] = schema
	}

	// Caller documents keep their versions until the whole batch
	// commits, so a rolled back attempt can be retried as-is.
	versions := make([]int64, len(changes))
	err = client.db.Update(func(tx *bolt.Tx) error {
		for i, change := range changes {
			doc := change.Doc
			schema := schemas[i]

			switch change.Op {
			case storage.OpAdd:
				if _, err := readDocument(tx, doc.Kind, doc.ID); err == nil {
					return storage.ErrDuplicateKey.New("%s %q", doc.Kind, doc.ID)
				}
				versions[i] = 1
				updated := *doc
				updated.Version = versions[i]
				if err := writeDocument(tx, schema, nil, &updated); err != nil {
					return err
				}
			case storage.OpEdit:
				stored, err := readDocument(tx, doc.Kind, doc.ID)
				if err != nil {
					return err
				}
				if stored.Version != doc.Version {
					return storage.ErrConflict.New("%s %q: stored version %d, changing version %d",
						doc.Kind, doc.ID, stored.Version, doc.Version)
				}
				versions[i] = stored.Version + 1
				updated := *doc
				updated.Version = versions[i]
				if err := writeDocument(tx, schema, stored, &updated); err != nil {
					return err
				}
			case storage.OpDelete:
				stored, err := readDocument(tx, doc.Kind, doc.ID)
				if err != nil {
					return err
				}
				if err := deleteDocument(tx, schema, stored); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, change := range changes {
		if change.Op != storage.OpDelete {
			change.Doc.Version = versions[i]
		}
	}
	return nil
}

func writeDocument(tx *bolt.Tx, schema storage.Schema, old, doc *storage.Document) error {
	if old != nil {
		if err := removeIndexEntries(tx, schema, old); err != nil {
			return err
		}
	}
	if err := addIndexEntries(tx, schema, doc); err != nil {
		return err
	}
	data, err := storage.EncodeDocument(doc)
	if err != nil {
		return err
	}
	return tx.Bucket(docBucketName(doc.Kind)).Put([]byte(doc.ID), data)
}

func deleteDocument(tx *bolt.Tx, schema storage.Schema, doc *storage.Document) error {
	if err := removeIndexEntries(tx, schema, doc); err != nil {
		return err
	}
	return tx.Bucket(docBucketName(doc.Kind)).Delete([]byte(doc.ID))
}

func addIndexEntries(tx *bolt.Tx, schema storage.Schema, doc *storage.Document) error {
	for _, index := range schema.Indices {
		key, indexed := storage.IndexKey(index, doc.Fields)
		if !indexed {
			continue
		}
		bucket := tx.Bucket(indexBucketName(doc.Kind, index.Name))
		if index.Unique {
			if existing := bucket.Get(key); existing != nil && storage.RecordID(existing) != doc.ID {
				return storage.ErrDuplicateKey.New("%s index %s", doc.Kind, index.Name)
			}
			if err := bucket.Put(key, []byte(doc.ID)); err != nil {
				return err
			}
			continue
		}
		entry := append(append(key, 0), []byte(doc.ID)...)
		if err := bucket.Put(entry, []byte(doc.ID)); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(tx *bolt.Tx, schema storage.Schema, doc *storage.Document) error {
	for _, index := range schema.Indices {
		key, indexed := storage.IndexKey(index, doc.Fields)
		if !indexed {
			continue
		}
		bucket := tx.Bucket(indexBucketName(doc.Kind, index.Name))
		if index.Unique {
			// Another document may have overwritten the slot already.
			if existing := bucket.Get(key); existing != nil && storage.RecordID(existing) == doc.ID {
				if err := bucket.Delete(key); err != nil {
					return err
				}
			}
			continue
		}
		entry := append(append(key, 0), []byte(doc.ID)...)
		if err := bucket.Delete(entry); err != nil {
			return err
		}
	}
	return nil
}
