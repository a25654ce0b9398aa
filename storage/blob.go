// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storage

import (
	"context"
	"io"

	"github.com/zeebo/errs"
)

// ErrInvalidBlobRef is returned when a blob reference is invalid.
var ErrInvalidBlobRef = errs.Class("invalid blob ref")

// ErrBlobNotFound is returned when a referenced blob is missing from
// the blob store.
var ErrBlobNotFound = errs.Class("blob not found")

// Well-known blob header names.
const (
	BlobHeaderContentType = "content-type"
	BlobHeaderName        = "name"
	BlobHeaderRepository  = "repository"
)

// BlobRef is an opaque reference to a blob. The metadata layer never
// inspects blob bytes; it only carries references.
type BlobRef struct {
	Key string
}

// IsValid returns whether the reference carries a key.
func (ref BlobRef) IsValid() bool { return ref.Key != "" }

// BlobReader is a readable blob with a known size.
type BlobReader interface {
	io.Reader
	io.Closer
	// Size returns the size of the blob.
	Size() (int64, error)
}

// Blobs is the blob store collaborator. Create consumes the whole
// stream before returning; headers are stored verbatim alongside the
// content and returned by Attributes.
type Blobs interface {
	// Create stores a new blob and returns its reference.
	Create(ctx context.Context, data io.Reader, headers map[string]string) (BlobRef, error)
	// Open opens the blob for reading. Returns ErrBlobNotFound when
	// the reference points at nothing retrievable.
	Open(ctx context.Context, ref BlobRef) (BlobReader, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref BlobRef) error
	// Attributes returns the headers stored with the blob.
	Attributes(ctx context.Context, ref BlobRef) (map[string]string, error)
}
