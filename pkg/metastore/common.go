// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

// Package metastore maps buckets, components and assets onto the
// document store.
package metastore

import (
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/depotd/depot/storage"
)

var mon = monkit.Package()

// Error is the default metastore error class.
var Error = errs.Class("metastore error")

// Record kinds persisted by this package.
const (
	KindBucket    = storage.Kind("bucket")
	KindComponent = storage.Kind("component")
	KindAsset     = storage.Kind("asset")
)

// Stored field names shared across record kinds.
const (
	FieldRepositoryName  = "repository_name"
	FieldBucket          = "bucket"
	FieldComponent       = "component"
	FieldGroup           = "group"
	FieldName            = "name"
	FieldVersion         = "version"
	FieldAttributes      = "attributes"
	FieldCreated         = "created"
	FieldUpdated         = "updated"
	FieldSize            = "size"
	FieldContentType     = "content_type"
	FieldBlobRef         = "blob_ref"
	FieldChecksums       = "checksums"
	FieldHashesVerified  = "hashes_verified"
	FieldCacheToken      = "cache_token"
	FieldBlobCreated     = "blob_created"
	FieldBlobUpdated     = "blob_updated"
	FieldLastDownloaded  = "last_downloaded"
	FieldLastVerified    = "last_verified"
	FieldPendingDeletion = "pending_deletion"
)

// Index names.
const (
	IndexBucketByName      = "by_repository_name"
	IndexComponentByKey    = "by_coordinate"
	IndexComponentByNameCI = "by_name_ci"
	IndexAssetByName       = "by_bucket_name"
	IndexAssetByComponent  = "by_component"
	IndexAssetByNameCI     = "by_name_ci"
)

// Metadata is the stored identity every entity carries. Version is
// the optimistic concurrency counter managed by the document store.
type Metadata struct {
	ID      storage.RecordID
	Version int64
}

// IsStored reports whether the entity has been persisted.
func (meta Metadata) IsStored() bool { return meta.ID != "" }

// NewRecordID mints a new sortable unique record id.
func NewRecordID() storage.RecordID {
	return storage.RecordID(ulid.Make().String())
}
