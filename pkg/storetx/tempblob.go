// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"

	"github.com/depotd/depot/storage"
)

// Hash algorithm names accepted by CreateTempBlob.
const (
	HashSHA1   = "sha1"
	HashSHA256 = "sha256"
	HashSHA512 = "sha512"
	HashMD5    = "md5"
)

// DefaultHashAlgorithms are computed when the caller does not ask for
// specific ones.
var DefaultHashAlgorithms = []string{HashSHA1, HashSHA256}

func newHasher(algorithm string) (hash.Hash, bool) {
	switch algorithm {
	case HashSHA1:
		return sha1.New(), true
	case HashSHA256:
		return sha256.New(), true
	case HashSHA512:
		return sha512.New(), true
	case HashMD5:
		return md5.New(), true
	}
	return nil, false
}

// TempBlob is payload content spooled to the blob store while being
// hashed. It is a scoped resource: unless it is adopted by attaching
// it to an asset, Close hard-deletes the spooled blob, so callers
// defer Close right after creation and need no explicit cleanup on
// the failure path.
type TempBlob struct {
	Ref            storage.BlobRef
	Size           int64
	ContentType    string
	Hashes         map[string]string
	HashesVerified bool

	blobs   storage.Blobs
	adopted bool
}

// TempBlobOptions configure CreateTempBlob.
type TempBlobOptions struct {
	ContentType string
	// HashesVerified declares that the payload's hashes were verified
	// against an external source of truth. Requires ContentType.
	HashesVerified bool
	// Headers are stored verbatim with the blob.
	Headers map[string]string
}

// CreateTempBlob streams data through the requested hash algorithms
// while spooling it to the blob store.
func CreateTempBlob(ctx context.Context, blobs storage.Blobs, data io.Reader, algorithms []string, opts TempBlobOptions) (_ *TempBlob, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.HashesVerified && opts.ContentType == "" {
		return nil, ErrInvalidInput.New("hashes cannot be verified without a declared content type")
	}
	if len(algorithms) == 0 {
		algorithms = DefaultHashAlgorithms
	}

	hashers := make(map[string]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, algorithm := range algorithms {
		hasher, ok := newHasher(algorithm)
		if !ok {
			return nil, ErrInvalidInput.New("unknown hash algorithm %q", algorithm)
		}
		hashers[algorithm] = hasher
		writers = append(writers, hasher)
	}

	counter := &countingReader{reader: io.TeeReader(data, io.MultiWriter(writers...))}

	headers := map[string]string{}
	for name, value := range opts.Headers {
		headers[name] = value
	}
	if opts.ContentType != "" {
		headers[storage.BlobHeaderContentType] = opts.ContentType
	}

	ref, err := blobs.Create(ctx, counter, headers)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	hashes := make(map[string]string, len(hashers))
	for algorithm, hasher := range hashers {
		hashes[algorithm] = hex.EncodeToString(hasher.Sum(nil))
	}

	return &TempBlob{
		Ref:            ref,
		Size:           counter.count,
		ContentType:    opts.ContentType,
		Hashes:         hashes,
		HashesVerified: opts.HashesVerified,
		blobs:          blobs,
	}, nil
}

// Close deletes the spooled blob unless it was adopted by an attach.
func (temp *TempBlob) Close(ctx context.Context) error {
	if temp.adopted || !temp.Ref.IsValid() {
		return nil
	}
	ref := temp.Ref
	temp.Ref = storage.BlobRef{}
	return temp.blobs.Delete(ctx, ref)
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (counter *countingReader) Read(p []byte) (int, error) {
	n, err := counter.reader.Read(p)
	counter.count += int64(n)
	return n, err
}
