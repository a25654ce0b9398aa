// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"time"

	"github.com/depotd/depot/storage"
)

// Coordinate is the format-defined component key within a bucket.
// Group and Version may be empty depending on the format.
type Coordinate struct {
	Group   string
	Name    string
	Version string
}

// Component is a logical release owned by exactly one bucket.
type Component struct {
	Metadata
	BucketID   storage.RecordID
	Coordinate Coordinate
	Attributes Attributes
	Created    time.Time
	Updated    time.Time
}

// Components provides typed access to stored components.
type Components struct {
	store storage.Documents
}

// NewComponents creates a component adapter.
func NewComponents(store storage.Documents) *Components {
	return &Components{store: store}
}

// Register ensures the component schema exists.
func (components *Components) Register(ctx context.Context) error {
	return components.store.Register(ctx, storage.Schema{
		Kind: KindComponent,
		Indices: []storage.Index{
			{Name: IndexComponentByKey, Fields: []string{FieldBucket, FieldGroup, FieldName, FieldVersion}, Unique: true},
			{Name: IndexComponentByNameCI, Fields: []string{FieldName}, CaseInsensitive: true},
		},
	})
}

// ToDocument converts a component to its stored form.
func (components *Components) ToDocument(component *Component) *storage.Document {
	fields := storage.Fields{
		FieldBucket:     string(component.BucketID),
		FieldGroup:      component.Coordinate.Group,
		FieldName:       component.Coordinate.Name,
		FieldVersion:    component.Coordinate.Version,
		FieldAttributes: map[string]interface{}(component.Attributes.Clone()),
		FieldCreated:    EncodeTime(component.Created),
		FieldUpdated:    EncodeTime(component.Updated),
	}
	return &storage.Document{
		ID:      component.ID,
		Kind:    KindComponent,
		Version: component.Version,
		Fields:  fields,
	}
}

// FromDocument converts a stored document back to a component.
func (components *Components) FromDocument(doc *storage.Document) *Component {
	bucket, _ := doc.Fields[FieldBucket].(string)
	group, _ := doc.Fields[FieldGroup].(string)
	name, _ := doc.Fields[FieldName].(string)
	version, _ := doc.Fields[FieldVersion].(string)
	attrs, _ := doc.Fields[FieldAttributes].(map[string]interface{})
	created, _ := DecodeTime(doc.Fields[FieldCreated])
	updated, _ := DecodeTime(doc.Fields[FieldUpdated])

	return &Component{
		Metadata:   Metadata{ID: doc.ID, Version: doc.Version},
		BucketID:   storage.RecordID(bucket),
		Coordinate: Coordinate{Group: group, Name: name, Version: version},
		Attributes: Attributes(attrs).Clone(),
		Created:    created,
		Updated:    updated,
	}
}

// Add persists a new component.
func (components *Components) Add(ctx context.Context, component *Component) (err error) {
	defer mon.Task()(&ctx)(&err)

	if component.ID == "" {
		component.ID = NewRecordID()
	}
	if component.Attributes == nil {
		component.Attributes = Attributes{}
	}
	now := time.Now()
	if component.Created.IsZero() {
		component.Created = now
	}
	component.Updated = now

	doc := components.ToDocument(component)
	if err := storage.AddDocument(ctx, components.store, doc); err != nil {
		return err
	}
	component.Version = doc.Version
	return nil
}

// Update persists changes to an existing component.
func (components *Components) Update(ctx context.Context, component *Component) (err error) {
	defer mon.Task()(&ctx)(&err)

	component.Updated = time.Now()
	doc := components.ToDocument(component)
	if err := storage.EditDocument(ctx, components.store, doc); err != nil {
		return err
	}
	component.Version = doc.Version
	return nil
}

// Read returns the component with the given id.
func (components *Components) Read(ctx context.Context, id storage.RecordID) (_ *Component, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := components.store.Read(ctx, KindComponent, id)
	if err != nil {
		return nil, err
	}
	return components.FromDocument(doc), nil
}

// FindByCoordinate returns the component with the key in the bucket.
func (components *Components) FindByCoordinate(ctx context.Context, bucketID storage.RecordID, coordinate Coordinate) (_ *Component, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := components.store.ReadByIndex(ctx, KindComponent, IndexComponentByKey,
		string(bucketID), coordinate.Group, coordinate.Name, coordinate.Version)
	if err != nil {
		return nil, err
	}
	return components.FromDocument(doc), nil
}

// ExistsByName reports whether any component with the name exists,
// matched case-insensitively via the index.
func (components *Components) ExistsByName(ctx context.Context, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return components.store.Exists(ctx, KindComponent, IndexComponentByNameCI, name)
}

// BrowseByBuckets returns components scoped to the given buckets. An
// empty bucket set yields an empty result without querying.
func (components *Components) BrowseByBuckets(ctx context.Context, bucketIDs []storage.RecordID, limit int) (_ []*Component, err error) {
	defer mon.Task()(&ctx)(&err)

	docs, err := components.store.Query(ctx, KindComponent, storage.Query{
		BucketField: FieldBucket,
		Buckets:     bucketIDs,
		OrderBy:     []string{FieldGroup, FieldName, FieldVersion},
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	result := make([]*Component, 0, len(docs))
	for _, doc := range docs {
		result = append(result, components.FromDocument(doc))
	}
	return result, nil
}

// Delete removes the component record.
func (components *Components) Delete(ctx context.Context, id storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return storage.DeleteDocument(ctx, components.store, KindComponent, id)
}
