// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package testblobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/depotd/depot/storage"
)

var _ storage.Blobs = (*Store)(nil)

// Store implements an in-memory blob store for tests. Blobs can be
// dropped behind the metadata layer's back with Lose to simulate blob
// store drift.
type Store struct {
	mu      sync.Mutex
	next    int
	blobs   map[string][]byte
	headers map[string]map[string]string
}

// New creates a new in-memory blob store.
func New() *Store {
	return &Store{
		blobs:   map[string][]byte{},
		headers: map[string]map[string]string{},
	}
}

// Create stores a new blob.
func (store *Store) Create(ctx context.Context, data io.Reader, headers map[string]string) (storage.BlobRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return storage.BlobRef{}, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.next++
	ref := storage.BlobRef{Key: fmt.Sprintf("blob-%04d", store.next)}
	store.blobs[ref.Key] = content

	copied := map[string]string{}
	for name, value := range headers {
		copied[name] = value
	}
	store.headers[ref.Key] = copied
	return ref, nil
}

// Open opens the blob for reading.
func (store *Store) Open(ctx context.Context, ref storage.BlobRef) (storage.BlobReader, error) {
	if !ref.IsValid() {
		return nil, storage.ErrInvalidBlobRef.New("%+v", ref)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	content, ok := store.blobs[ref.Key]
	if !ok {
		return nil, storage.ErrBlobNotFound.New("%s", ref.Key)
	}
	return reader{bytes.NewReader(content), int64(len(content))}, nil
}

// Delete removes the blob.
func (store *Store) Delete(ctx context.Context, ref storage.BlobRef) error {
	if !ref.IsValid() {
		return storage.ErrInvalidBlobRef.New("%+v", ref)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.blobs, ref.Key)
	delete(store.headers, ref.Key)
	return nil
}

// Attributes returns the headers stored with the blob.
func (store *Store) Attributes(ctx context.Context, ref storage.BlobRef) (map[string]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	headers, ok := store.headers[ref.Key]
	if !ok {
		return nil, storage.ErrBlobNotFound.New("%s", ref.Key)
	}
	return headers, nil
}

// Lose drops blob content without going through Delete, simulating a
// blob store that lost data.
func (store *Store) Lose(ref storage.BlobRef) {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.blobs, ref.Key)
	delete(store.headers, ref.Key)
}

// Count returns how many blobs are currently stored.
func (store *Store) Count() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.blobs)
}

type reader struct {
	*bytes.Reader
	size int64
}

func (r reader) Close() error         { return nil }
func (r reader) Size() (int64, error) { return r.size, nil }
