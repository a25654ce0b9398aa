// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package testsuite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/storage"
)

const kindWidget = storage.Kind("widget")

var widgetSchema = storage.Schema{
	Kind: kindWidget,
	Indices: []storage.Index{
		{Name: "by_bucket_name", Fields: []string{"bucket", "name"}, Unique: true},
		{Name: "by_name_ci", Fields: []string{"name"}, CaseInsensitive: true},
	},
}

// RunTests runs common storage.Documents tests.
func RunTests(t *testing.T, store storage.Documents) {
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, widgetSchema))
	// registering twice must be harmless
	require.NoError(t, store.Register(ctx, widgetSchema))

	t.Run("CRUD", func(t *testing.T) { testCRUD(ctx, t, store) })
	t.Run("Versioning", func(t *testing.T) { testVersioning(ctx, t, store) })
	t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(ctx, t, store) })
	t.Run("IndexLookup", func(t *testing.T) { testIndexLookup(ctx, t, store) })
	t.Run("BucketScope", func(t *testing.T) { testBucketScope(ctx, t, store) })
	t.Run("AtomicBatch", func(t *testing.T) { testAtomicBatch(ctx, t, store) })
	t.Run("DeletePage", func(t *testing.T) { testDeletePage(ctx, t, store) })
}

func widget(id, bucket, name string) *storage.Document {
	return &storage.Document{
		ID:   storage.RecordID(id),
		Kind: kindWidget,
		Fields: storage.Fields{
			"bucket": bucket,
			"name":   name,
		},
	}
}

func cleanup(ctx context.Context, t *testing.T, store storage.Documents) {
	t.Helper()
	for {
		deleted, err := store.DeletePage(ctx, kindWidget, storage.Query{}, 100)
		require.NoError(t, err)
		if deleted < 100 {
			break
		}
	}
}

func testCRUD(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	doc := widget("w1", "b1", "alpha")
	require.NoError(t, storage.AddDocument(ctx, store, doc))
	require.EqualValues(t, 1, doc.Version)

	read, err := store.Read(ctx, kindWidget, "w1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", read.Fields["name"])
	assert.EqualValues(t, 1, read.Version)

	read.Fields["name"] = "beta"
	require.NoError(t, storage.EditDocument(ctx, store, read))
	require.EqualValues(t, 2, read.Version)

	again, err := store.Read(ctx, kindWidget, "w1")
	require.NoError(t, err)
	assert.Equal(t, "beta", again.Fields["name"])

	require.NoError(t, storage.DeleteDocument(ctx, store, kindWidget, "w1"))

	_, err = store.Read(ctx, kindWidget, "w1")
	assert.True(t, storage.ErrNotFound.Has(err))
}

func testVersioning(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	doc := widget("w1", "b1", "alpha")
	require.NoError(t, storage.AddDocument(ctx, store, doc))

	first, err := store.Read(ctx, kindWidget, "w1")
	require.NoError(t, err)
	second, err := store.Read(ctx, kindWidget, "w1")
	require.NoError(t, err)

	first.Fields["name"] = "from-first"
	require.NoError(t, storage.EditDocument(ctx, store, first))

	// the second reader now carries a stale version
	second.Fields["name"] = "from-second"
	err = storage.EditDocument(ctx, store, second)
	assert.True(t, storage.ErrConflict.Has(err))

	read, err := store.Read(ctx, kindWidget, "w1")
	require.NoError(t, err)
	assert.Equal(t, "from-first", read.Fields["name"])
	assert.EqualValues(t, 2, read.Version)
}

func testUniqueIndex(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	require.NoError(t, storage.AddDocument(ctx, store, widget("w1", "b1", "alpha")))

	err := storage.AddDocument(ctx, store, widget("w2", "b1", "alpha"))
	assert.True(t, storage.ErrDuplicateKey.Has(err))

	// same name in a different bucket is fine
	require.NoError(t, storage.AddDocument(ctx, store, widget("w3", "b2", "alpha")))
}

func testIndexLookup(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	require.NoError(t, storage.AddDocument(ctx, store, widget("w1", "b1", "Alpha")))

	doc, err := store.ReadByIndex(ctx, kindWidget, "by_bucket_name", "b1", "Alpha")
	require.NoError(t, err)
	assert.EqualValues(t, "w1", doc.ID)

	_, err = store.ReadByIndex(ctx, kindWidget, "by_bucket_name", "b1", "missing")
	assert.True(t, storage.ErrNotFound.Has(err))

	// the case-insensitive index matches regardless of casing
	exists, err := store.Exists(ctx, kindWidget, "by_name_ci", "ALPHA")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, kindWidget, "by_name_ci", "alpha")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, kindWidget, "by_name_ci", "beta")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testBucketScope(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	require.NoError(t, storage.AddDocument(ctx, store, widget("w1", "b1", "asset1")))
	require.NoError(t, storage.AddDocument(ctx, store, widget("w2", "b2", "asset1")))
	require.NoError(t, storage.AddDocument(ctx, store, widget("w3", "b2", "asset2")))

	docs, err := store.Query(ctx, kindWidget, storage.Query{
		BucketField: "bucket",
		Buckets:     []storage.RecordID{"b2"},
		OrderBy:     []string{"name"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.EqualValues(t, "w2", docs[0].ID)
	assert.EqualValues(t, "w3", docs[1].ID)

	// an empty bucket set short-circuits without scanning
	docs, err = store.Query(ctx, kindWidget, storage.Query{
		BucketField: "bucket",
	})
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = store.Query(ctx, kindWidget, storage.Query{
		Where: []storage.Clause{{Field: "name", Op: storage.OpContains, Value: "SET1"}},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func testAtomicBatch(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	require.NoError(t, storage.AddDocument(ctx, store, widget("w1", "b1", "alpha")))

	// the second change violates the unique index, so the first one
	// must not stick either
	err := store.Apply(ctx, []storage.Change{
		{Op: storage.OpAdd, Doc: widget("w2", "b1", "beta")},
		{Op: storage.OpAdd, Doc: widget("w3", "b1", "alpha")},
	})
	assert.True(t, storage.ErrDuplicateKey.Has(err))

	_, err = store.Read(ctx, kindWidget, "w2")
	assert.True(t, storage.ErrNotFound.Has(err))
}

func testDeletePage(ctx context.Context, t *testing.T, store storage.Documents) {
	defer cleanup(ctx, t, store)

	const total, page = 23, 5
	for i := 0; i < total; i++ {
		doc := widget(fmt.Sprintf("w%02d", i), "b1", fmt.Sprintf("name%02d", i))
		require.NoError(t, storage.AddDocument(ctx, store, doc))
	}

	deleted, calls := 0, 0
	for {
		count, err := store.DeletePage(ctx, kindWidget, storage.Query{
			Where: []storage.Clause{{Field: "bucket", Op: storage.OpEq, Value: "b1"}},
		}, page)
		require.NoError(t, err)
		deleted += count
		calls++
		if count < page {
			break
		}
	}
	assert.Equal(t, total, deleted)
	assert.Equal(t, total/page+1, calls)
}
