// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"

	"github.com/depotd/depot/storage"
)

// Bucket is the per-repository storage partition. Identity is
// immutable after creation; only the attribute bag mutates.
type Bucket struct {
	Metadata
	RepositoryName string
	Attributes     Attributes

	// PendingDeletion marks the bucket for asynchronous purge. The
	// bucket record stays until the sweeper has drained its contents.
	PendingDeletion bool
}

// Buckets provides typed access to stored buckets.
type Buckets struct {
	store storage.Documents
}

// NewBuckets creates a bucket adapter.
func NewBuckets(store storage.Documents) *Buckets {
	return &Buckets{store: store}
}

// Register ensures the bucket schema exists.
func (buckets *Buckets) Register(ctx context.Context) error {
	return buckets.store.Register(ctx, storage.Schema{
		Kind: KindBucket,
		Indices: []storage.Index{
			{Name: IndexBucketByName, Fields: []string{FieldRepositoryName}, Unique: true},
		},
	})
}

// ToDocument converts a bucket to its stored form.
func (buckets *Buckets) ToDocument(bucket *Bucket) *storage.Document {
	fields := storage.Fields{
		FieldRepositoryName: bucket.RepositoryName,
		FieldAttributes:     map[string]interface{}(bucket.Attributes.Clone()),
	}
	if bucket.PendingDeletion {
		fields[FieldPendingDeletion] = true
	}
	return &storage.Document{
		ID:      bucket.ID,
		Kind:    KindBucket,
		Version: bucket.Version,
		Fields:  fields,
	}
}

// FromDocument converts a stored document back to a bucket.
func (buckets *Buckets) FromDocument(doc *storage.Document) *Bucket {
	name, _ := doc.Fields[FieldRepositoryName].(string)
	attrs, _ := doc.Fields[FieldAttributes].(map[string]interface{})
	pending, _ := doc.Fields[FieldPendingDeletion].(bool)
	return &Bucket{
		Metadata:        Metadata{ID: doc.ID, Version: doc.Version},
		RepositoryName:  name,
		Attributes:      Attributes(attrs).Clone(),
		PendingDeletion: pending,
	}
}

// Add persists a new bucket, minting its id.
func (buckets *Buckets) Add(ctx context.Context, bucket *Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)

	if bucket.ID == "" {
		bucket.ID = NewRecordID()
	}
	if bucket.Attributes == nil {
		bucket.Attributes = Attributes{}
	}
	doc := buckets.ToDocument(bucket)
	if err := storage.AddDocument(ctx, buckets.store, doc); err != nil {
		return err
	}
	bucket.Version = doc.Version
	return nil
}

// Update persists attribute changes to an existing bucket.
func (buckets *Buckets) Update(ctx context.Context, bucket *Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)

	doc := buckets.ToDocument(bucket)
	if err := storage.EditDocument(ctx, buckets.store, doc); err != nil {
		return err
	}
	bucket.Version = doc.Version
	return nil
}

// Read returns the bucket with the given id.
func (buckets *Buckets) Read(ctx context.Context, id storage.RecordID) (_ *Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := buckets.store.Read(ctx, KindBucket, id)
	if err != nil {
		return nil, err
	}
	return buckets.FromDocument(doc), nil
}

// FindByRepositoryName returns the bucket for the repository.
func (buckets *Buckets) FindByRepositoryName(ctx context.Context, repositoryName string) (_ *Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := buckets.store.ReadByIndex(ctx, KindBucket, IndexBucketByName, repositoryName)
	if err != nil {
		return nil, err
	}
	return buckets.FromDocument(doc), nil
}

// ListPendingDeletion returns buckets marked for asynchronous purge.
func (buckets *Buckets) ListPendingDeletion(ctx context.Context) (_ []*Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, err := buckets.store.Query(ctx, KindBucket, storage.Query{
		Where: []storage.Clause{
			{Field: FieldPendingDeletion, Op: storage.OpNotNull},
		},
		OrderBy: []string{FieldRepositoryName},
	})
	if err != nil {
		return nil, err
	}
	result := make([]*Bucket, 0, len(docs))
	for _, doc := range docs {
		result = append(result, buckets.FromDocument(doc))
	}
	return result, nil
}

// Delete removes the bucket record. Callers are responsible for the
// bucket's components and assets.
func (buckets *Buckets) Delete(ctx context.Context, id storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return storage.DeleteDocument(ctx, buckets.store, KindBucket, id)
}
