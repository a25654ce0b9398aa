// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"time"

	"github.com/depotd/depot/storage"
)

// CacheTokenInvalidated is the explicit cache invalidation marker. A
// concurrent writer carrying it always wins the cache-token merge.
const CacheTokenInvalidated = "invalidated"

// Asset is a single path-addressed file within a bucket. ComponentID
// is a weak back-reference: an asset may be loose, and deleting the
// component does not implicitly delete the asset.
type Asset struct {
	Metadata
	BucketID    storage.RecordID
	ComponentID storage.RecordID // empty for loose assets
	Name        string

	Size           int64
	ContentType    string
	BlobRef        storage.BlobRef
	Checksums      map[string]string
	HashesVerified bool
	CacheToken     string

	Created        time.Time
	Updated        time.Time
	BlobCreated    *time.Time
	BlobUpdated    *time.Time
	LastDownloaded *time.Time
	LastVerified   *time.Time

	Attributes Attributes
}

// HasBlob reports whether a blob is attached.
func (asset *Asset) HasBlob() bool { return asset.BlobRef.IsValid() }

// Assets provides typed access to stored assets.
type Assets struct {
	store storage.Documents
}

// NewAssets creates an asset adapter.
func NewAssets(store storage.Documents) *Assets {
	return &Assets{store: store}
}

// Register ensures the asset schema exists.
func (assets *Assets) Register(ctx context.Context) error {
	return assets.store.Register(ctx, storage.Schema{
		Kind: KindAsset,
		Indices: []storage.Index{
			{Name: IndexAssetByName, Fields: []string{FieldBucket, FieldName}, Unique: true},
			{Name: IndexAssetByComponent, Fields: []string{FieldComponent}},
			{Name: IndexAssetByNameCI, Fields: []string{FieldName}, CaseInsensitive: true},
		},
	})
}

// ToDocument converts an asset to its stored form.
func (assets *Assets) ToDocument(asset *Asset) *storage.Document {
	fields := storage.Fields{
		FieldBucket:      string(asset.BucketID),
		FieldName:        asset.Name,
		FieldSize:        float64(asset.Size),
		FieldContentType: asset.ContentType,
		FieldCreated:     EncodeTime(asset.Created),
		FieldUpdated:     EncodeTime(asset.Updated),
		FieldAttributes:  map[string]interface{}(asset.Attributes.Clone()),
	}
	if asset.ComponentID != "" {
		fields[FieldComponent] = string(asset.ComponentID)
	}
	if asset.BlobRef.IsValid() {
		fields[FieldBlobRef] = asset.BlobRef.Key
	}
	if len(asset.Checksums) > 0 {
		checksums := map[string]interface{}{}
		for algorithm, digest := range asset.Checksums {
			checksums[algorithm] = digest
		}
		fields[FieldChecksums] = checksums
	}
	if asset.HashesVerified {
		fields[FieldHashesVerified] = true
	}
	if asset.CacheToken != "" {
		fields[FieldCacheToken] = asset.CacheToken
	}
	for field, stamp := range map[string]*time.Time{
		FieldBlobCreated:    asset.BlobCreated,
		FieldBlobUpdated:    asset.BlobUpdated,
		FieldLastDownloaded: asset.LastDownloaded,
		FieldLastVerified:   asset.LastVerified,
	} {
		if stamp != nil {
			fields[field] = EncodeTime(*stamp)
		}
	}
	return &storage.Document{
		ID:      asset.ID,
		Kind:    KindAsset,
		Version: asset.Version,
		Fields:  fields,
	}
}

// FromDocument converts a stored document back to an asset.
func (assets *Assets) FromDocument(doc *storage.Document) *Asset {
	bucket, _ := doc.Fields[FieldBucket].(string)
	component, _ := doc.Fields[FieldComponent].(string)
	name, _ := doc.Fields[FieldName].(string)
	size, _ := doc.Fields[FieldSize].(float64)
	contentType, _ := doc.Fields[FieldContentType].(string)
	blobRef, _ := doc.Fields[FieldBlobRef].(string)
	verified, _ := doc.Fields[FieldHashesVerified].(bool)
	cacheToken, _ := doc.Fields[FieldCacheToken].(string)
	attrs, _ := doc.Fields[FieldAttributes].(map[string]interface{})
	created, _ := DecodeTime(doc.Fields[FieldCreated])
	updated, _ := DecodeTime(doc.Fields[FieldUpdated])

	asset := &Asset{
		Metadata:       Metadata{ID: doc.ID, Version: doc.Version},
		BucketID:       storage.RecordID(bucket),
		ComponentID:    storage.RecordID(component),
		Name:           name,
		Size:           int64(size),
		ContentType:    contentType,
		BlobRef:        storage.BlobRef{Key: blobRef},
		HashesVerified: verified,
		CacheToken:     cacheToken,
		Created:        created,
		Updated:        updated,
		Attributes:     Attributes(attrs).Clone(),
	}
	if checksums, ok := doc.Fields[FieldChecksums].(map[string]interface{}); ok {
		asset.Checksums = map[string]string{}
		for algorithm, digest := range checksums {
			if text, ok := digest.(string); ok {
				asset.Checksums[algorithm] = text
			}
		}
	}
	for field, target := range map[string]**time.Time{
		FieldBlobCreated:    &asset.BlobCreated,
		FieldBlobUpdated:    &asset.BlobUpdated,
		FieldLastDownloaded: &asset.LastDownloaded,
		FieldLastVerified:   &asset.LastVerified,
	} {
		if stamp, ok := DecodeTime(doc.Fields[field]); ok {
			value := stamp
			*target = &value
		}
	}
	return asset
}

// Add persists a new asset.
func (assets *Assets) Add(ctx context.Context, asset *Asset) (err error) {
	defer mon.Task()(&ctx)(&err)

	if asset.ID == "" {
		asset.ID = NewRecordID()
	}
	if asset.Attributes == nil {
		asset.Attributes = Attributes{}
	}
	now := time.Now()
	if asset.Created.IsZero() {
		asset.Created = now
	}
	asset.Updated = now

	doc := assets.ToDocument(asset)
	if err := storage.AddDocument(ctx, assets.store, doc); err != nil {
		return err
	}
	asset.Version = doc.Version
	return nil
}

// Update persists changes to an existing asset.
func (assets *Assets) Update(ctx context.Context, asset *Asset) (err error) {
	defer mon.Task()(&ctx)(&err)

	asset.Updated = time.Now()
	doc := assets.ToDocument(asset)
	if err := storage.EditDocument(ctx, assets.store, doc); err != nil {
		return err
	}
	asset.Version = doc.Version
	return nil
}

// Read returns the asset with the given id.
func (assets *Assets) Read(ctx context.Context, id storage.RecordID) (_ *Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := assets.store.Read(ctx, KindAsset, id)
	if err != nil {
		return nil, err
	}
	return assets.FromDocument(doc), nil
}

// FindByName returns the asset with the path-like name in the bucket.
func (assets *Assets) FindByName(ctx context.Context, bucketID storage.RecordID, name string) (_ *Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := assets.store.ReadByIndex(ctx, KindAsset, IndexAssetByName, string(bucketID), name)
	if err != nil {
		return nil, err
	}
	return assets.FromDocument(doc), nil
}

// ExistsByName reports whether any asset with the name exists, matched
// case-insensitively via the index.
func (assets *Assets) ExistsByName(ctx context.Context, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return assets.store.Exists(ctx, KindAsset, IndexAssetByNameCI, name)
}

// BrowseByBuckets returns assets scoped to the given buckets. An
// empty bucket set yields an empty result without querying.
func (assets *Assets) BrowseByBuckets(ctx context.Context, bucketIDs []storage.RecordID, limit int) (_ []*Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, err := assets.store.Query(ctx, KindAsset, storage.Query{
		BucketField: FieldBucket,
		Buckets:     bucketIDs,
		OrderBy:     []string{FieldName},
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	result := make([]*Asset, 0, len(docs))
	for _, doc := range docs {
		result = append(result, assets.FromDocument(doc))
	}
	return result, nil
}

// BrowseByComponent returns the assets linked to the component.
func (assets *Assets) BrowseByComponent(ctx context.Context, componentID storage.RecordID) (_ []*Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, err := assets.store.Query(ctx, KindAsset, storage.Query{
		Where:   []storage.Clause{{Field: FieldComponent, Op: storage.OpEq, Value: string(componentID)}},
		OrderBy: []string{FieldName},
	})
	if err != nil {
		return nil, err
	}
	result := make([]*Asset, 0, len(docs))
	for _, doc := range docs {
		result = append(result, assets.FromDocument(doc))
	}
	return result, nil
}

// Delete removes the asset record.
func (assets *Assets) Delete(ctx context.Context, id storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return storage.DeleteDocument(ctx, assets.store, KindAsset, id)
}
