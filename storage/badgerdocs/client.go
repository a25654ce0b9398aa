// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package badgerdocs

import (
	"context"
	"errors"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/depotd/depot/storage"
)

var mon = monkit.Package()

// Error is the default badgerdocs error class.
var Error = errs.Class("badgerdocs error")

const (
	docPrefix   = "d!"
	indexPrefix = "i!"
	keySep      = "!"
)

var _ storage.Documents = (*Client)(nil)

// Client implements storage.Documents on top of a Badger database.
// Documents and index entries share one keyspace under distinct
// prefixes. A batch is applied in one badger transaction; badger's own
// conflict detection additionally aborts overlapping writers, which is
// surfaced as storage.ErrConflict so callers retry the same way as for
// a stale version.
type Client struct {
	db *badger.DB

	mu      sync.RWMutex
	schemas map[storage.Kind]storage.Schema
}

// New opens a badger-backed document store at dir.
func New(dir string) (*Client, error) {
	options := badger.DefaultOptions(dir)
	options.Logger = nil
	db, err := badger.Open(options)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		db:      db,
		schemas: map[storage.Kind]storage.Schema{},
	}, nil
}

// Close closes the badger database.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

func docKey(kind storage.Kind, id storage.RecordID) []byte {
	return []byte(docPrefix + string(kind) + keySep + string(id))
}

func docScanPrefix(kind storage.Kind) []byte {
	return []byte(docPrefix + string(kind) + keySep)
}

func indexKeyPrefix(kind storage.Kind, index string) []byte {
	return []byte(indexPrefix + string(kind) + keySep + index + keySep)
}

// Register idempotently records the kind's schema.
func (client *Client) Register(ctx context.Context, schema storage.Schema) (err error) {
	defer mon.Task()(&ctx)(&err)

	client.mu.Lock()
	defer client.mu.Unlock()
	client.schemas[schema.Kind] = schema
	return nil
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
	err = client.db.View(func(txn *badger.Txn) error {
		doc, err = readDocument(txn, kind, id)
		return err
	})
	return doc, err
}

func readDocument(txn *badger.Txn, kind storage.Kind, id storage.RecordID) (*storage.Document, error) {
	item, err := txn.Get(docKey(kind, id))
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound.New("%s %q", kind, id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var doc *storage.Document
	err = item.Value(func(data []byte) error {
		doc, err = storage.DecodeDocument(kind, data)
		return err
	})
	return doc, err
}

// ReadByIndex returns the document matching the index values.
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

	err = client.db.View(func(txn *badger.Txn) error {
		id, found, err := lookupIndex(txn, kind, index, values)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrNotFound.New("%s by %s", kind, indexName)
		}
		doc, err = readDocument(txn, kind, id)
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

	err = client.db.View(func(txn *badger.Txn) error {
		_, exists, err = lookupIndex(txn, kind, index, values)
		return err
	})
	return exists, err
}

func indexEntryKey(kind storage.Kind, index storage.Index, fields storage.Fields, id storage.RecordID) ([]byte, bool) {
	key, indexed := storage.IndexKey(index, fields)
	if !indexed {
		return nil, false
	}
	full := append(indexKeyPrefix(kind, index.Name), key...)
	if !index.Unique {
		full = append(append(full, 0), []byte(id)...)
	}
	return full, true
}

func lookupIndex(txn *badger.Txn, kind storage.Kind, index storage.Index, values []string) (storage.RecordID, bool, error) {
	key := append(indexKeyPrefix(kind, index.Name), storage.EncodeIndexKey(index, values...)...)
	if index.Unique {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return "", false, nil
		}
		if err != nil {
			return "", false, Error.Wrap(err)
		}
		var id storage.RecordID
		err = item.Value(func(data []byte) error {
			id = storage.RecordID(data)
			return nil
		})
		return id, true, err
	}

	prefix := append(key, 0)
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()

	it.Rewind()
	if !it.ValidForPrefix(prefix) {
		return "", false, nil
	}
	entry := it.Item().Key()
	id := storage.RecordID(entry[len(prefix):])
	return id, true, nil
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

	err = client.db.View(func(txn *badger.Txn) error {
		prefix := docScanPrefix(kind)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				doc, err := storage.DecodeDocument(kind, data)
				if err != nil {
					return err
				}
				if query.Matches(doc) {
					docs = append(docs, doc)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return query.Sort(docs), nil
}

// DeletePage deletes up to limit matching documents in one badger
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

	err = client.db.Update(func(txn *badger.Txn) error {
		prefix := docScanPrefix(kind)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)

		var victims []*storage.Document
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(victims) >= limit {
				break
			}
			err := it.Item().Value(func(data []byte) error {
				doc, err := storage.DecodeDocument(kind, data)
				if err != nil {
					return err
				}
				if query.Matches(doc) {
					victims = append(victims, doc)
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, doc := range victims {
			if err := deleteDocument(txn, schema, doc); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	return deleted, nil
}

// Apply atomically applies a batch of changes in one badger
// transaction.
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
	err = client.db.Update(func(txn *badger.Txn) error {
		for i, change := range changes {
			doc := change.Doc
			schema := schemas[i]

			switch change.Op {
			case storage.OpAdd:
				if _, err := readDocument(txn, doc.Kind, doc.ID); err == nil {
					return storage.ErrDuplicateKey.New("%s %q", doc.Kind, doc.ID)
				}
				versions[i] = 1
				updated := *doc
				updated.Version = versions[i]
				if err := writeDocument(txn, schema, nil, &updated); err != nil {
					return err
				}
			case storage.OpEdit:
				stored, err := readDocument(txn, doc.Kind, doc.ID)
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
				if err := writeDocument(txn, schema, stored, &updated); err != nil {
					return err
				}
			case storage.OpDelete:
				stored, err := readDocument(txn, doc.Kind, doc.ID)
				if err != nil {
					return err
				}
				if err := deleteDocument(txn, schema, stored); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	for i, change := range changes {
		if change.Op != storage.OpDelete {
			change.Doc.Version = versions[i]
		}
	}
	return nil
}

// translate maps badger's own write-conflict abort onto the retryable
// conflict class.
func translate(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return storage.ErrConflict.Wrap(err)
	}
	return err
}

func writeDocument(txn *badger.Txn, schema storage.Schema, old, doc *storage.Document) error {
	if old != nil {
		if err := removeIndexEntries(txn, schema, old); err != nil {
			return err
		}
	}
	if err := addIndexEntries(txn, schema, doc); err != nil {
		return err
	}
	data, err := storage.EncodeDocument(doc)
	if err != nil {
		return err
	}
	return txn.Set(docKey(doc.Kind, doc.ID), data)
}

func deleteDocument(txn *badger.Txn, schema storage.Schema, doc *storage.Document) error {
	if err := removeIndexEntries(txn, schema, doc); err != nil {
		return err
	}
	return txn.Delete(docKey(doc.Kind, doc.ID))
}

func addIndexEntries(txn *badger.Txn, schema storage.Schema, doc *storage.Document) error {
	for _, index := range schema.Indices {
		entry, indexed := indexEntryKey(doc.Kind, index, doc.Fields, doc.ID)
		if !indexed {
			continue
		}
		if index.Unique {
			item, err := txn.Get(entry)
			if err == nil {
				var existing storage.RecordID
				valueErr := item.Value(func(data []byte) error {
					existing = storage.RecordID(data)
					return nil
				})
				if valueErr != nil {
					return Error.Wrap(valueErr)
				}
				if existing != doc.ID {
					return storage.ErrDuplicateKey.New("%s index %s", doc.Kind, index.Name)
				}
			} else if err != badger.ErrKeyNotFound {
				return Error.Wrap(err)
			}
		}
		if err := txn.Set(entry, []byte(doc.ID)); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(txn *badger.Txn, schema storage.Schema, doc *storage.Document) error {
	for _, index := range schema.Indices {
		entry, indexed := indexEntryKey(doc.Kind, index, doc.Fields, doc.ID)
		if !indexed {
			continue
		}
		if index.Unique {
			item, err := txn.Get(entry)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return Error.Wrap(err)
			}
			var existing storage.RecordID
			if err := item.Value(func(data []byte) error {
				existing = storage.RecordID(data)
				return nil
			}); err != nil {
				return Error.Wrap(err)
			}
			// Another document may own the slot already.
			if existing != doc.ID {
				continue
			}
		}
		if err := txn.Delete(entry); err != nil {
			return err
		}
	}
	return nil
}
