// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package filestore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/depotd/depot/storage"
)

// Error is the default filestore error class.
var Error = errs.Class("filestore error")

var _ storage.Blobs = (*Store)(nil)

const (
	dirMode  = 0700
	fileMode = 0600

	attributesSuffix = ".attrs"
)

// Store implements a disk blob store. Blobs are written to a
// temporary file first and moved into place on success, so a partially
// written blob is never visible. Attributes are kept in a sidecar
// file next to the content.
type Store struct {
	dir string
}

// NewAt creates a new disk blob store in the specified directory.
func NewAt(path string) (*Store, error) {
	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: path}, nil
}

// blobPath fans blobs out by the first two key characters to keep
// directories small.
func (store *Store) blobPath(ref storage.BlobRef) string {
	return filepath.Join(store.dir, ref.Key[:2], ref.Key)
}

// Create stores a new blob and returns its reference.
func (store *Store) Create(ctx context.Context, data io.Reader, headers map[string]string) (storage.BlobRef, error) {
	ref := storage.BlobRef{Key: uuid.New().String()}

	if err := os.MkdirAll(filepath.Dir(store.blobPath(ref)), dirMode); err != nil {
		return storage.BlobRef{}, Error.Wrap(err)
	}

	temp, err := os.CreateTemp(store.dir, "inflight-*")
	if err != nil {
		return storage.BlobRef{}, Error.Wrap(err)
	}
	tempName := temp.Name()

	_, err = io.Copy(temp, data)
	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempName)
		return storage.BlobRef{}, Error.Wrap(err)
	}

	attrs, err := json.Marshal(headers)
	if err != nil {
		_ = os.Remove(tempName)
		return storage.BlobRef{}, Error.Wrap(err)
	}
	if err := os.WriteFile(store.blobPath(ref)+attributesSuffix, attrs, fileMode); err != nil {
		_ = os.Remove(tempName)
		return storage.BlobRef{}, Error.Wrap(err)
	}
	if err := os.Rename(tempName, store.blobPath(ref)); err != nil {
		_ = os.Remove(tempName)
		_ = os.Remove(store.blobPath(ref) + attributesSuffix)
		return storage.BlobRef{}, Error.Wrap(err)
	}
	return ref, nil
}

// Open opens the blob for reading.
func (store *Store) Open(ctx context.Context, ref storage.BlobRef) (storage.BlobReader, error) {
	if !ref.IsValid() {
		return nil, storage.ErrInvalidBlobRef.New("%+v", ref)
	}
	file, err := os.Open(store.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobNotFound.New("%s", ref.Key)
		}
		return nil, Error.Wrap(err)
	}
	return blobReader{file}, nil
}

// Delete removes the blob and its attributes. Deleting a missing blob
// is not an error.
func (store *Store) Delete(ctx context.Context, ref storage.BlobRef) error {
	if !ref.IsValid() {
		return storage.ErrInvalidBlobRef.New("%+v", ref)
	}
	err := os.Remove(store.blobPath(ref))
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	err = os.Remove(store.blobPath(ref) + attributesSuffix)
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// Attributes returns the headers stored with the blob.
func (store *Store) Attributes(ctx context.Context, ref storage.BlobRef) (map[string]string, error) {
	if !ref.IsValid() {
		return nil, storage.ErrInvalidBlobRef.New("%+v", ref)
	}
	data, err := os.ReadFile(store.blobPath(ref) + attributesSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobNotFound.New("%s", ref.Key)
		}
		return nil, Error.Wrap(err)
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, Error.Wrap(err)
	}
	return headers, nil
}

type blobReader struct {
	*os.File
}

// Size returns the size of the blob.
func (reader blobReader) Size() (int64, error) {
	info, err := reader.Stat()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return info.Size(), nil
}
