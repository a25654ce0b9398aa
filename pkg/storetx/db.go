// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx

import (
	"context"

	"go.uber.org/zap"

	"github.com/depotd/depot/pkg/deconflict"
	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

// DB bundles the document store, the blob store and the entity
// adapters, and opens storage transactions. Transactions opened from
// one DB are isolated from each other only through the document
// store's optimistic versioning; there is no shared lock.
type DB struct {
	log        *zap.Logger
	store      storage.Documents
	blobs      storage.Blobs
	buckets    *metastore.Buckets
	components *metastore.Components
	assets     *metastore.Assets
	deconflict *deconflict.Registry
}

// New creates a DB. The deconfliction registry may be nil, in which
// case every commit conflict surfaces to the caller.
func New(log *zap.Logger, store storage.Documents, blobs storage.Blobs, registry *deconflict.Registry) *DB {
	return &DB{
		log:        log,
		store:      store,
		blobs:      blobs,
		buckets:    metastore.NewBuckets(store),
		components: metastore.NewComponents(store),
		assets:     metastore.NewAssets(store),
		deconflict: registry,
	}
}

// DefaultDeconfliction returns a registry with the built-in merge
// steps in their declared order.
func DefaultDeconfliction() *deconflict.Registry {
	registry := deconflict.NewRegistry()
	registry.Add(metastore.KindAsset,
		deconflict.NewLastUpdated(),
		deconflict.NewLastDownloaded(),
		deconflict.NewContentTimestamps(),
		deconflict.NewCacheToken(),
		deconflict.NewAttributeSections("packaging"),
	)
	registry.Add(metastore.KindComponent,
		deconflict.NewLastUpdated(),
		deconflict.NewAttributeSections("packaging"),
	)
	return registry
}

// RegisterSchemas idempotently ensures all entity schemas exist.
func (db *DB) RegisterSchemas(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.buckets.Register(ctx); err != nil {
		return err
	}
	if err := db.components.Register(ctx); err != nil {
		return err
	}
	return db.assets.Register(ctx)
}

// Buckets exposes the bucket adapter.
func (db *DB) Buckets() *metastore.Buckets { return db.buckets }

// Blobs exposes the blob store collaborator.
func (db *DB) Blobs() storage.Blobs { return db.blobs }

// CreateBucket creates the bucket for a repository. Buckets are
// created once per repository lifecycle.
func (db *DB) CreateBucket(ctx context.Context, repositoryName string) (_ *metastore.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	bucket := &metastore.Bucket{RepositoryName: repositoryName, Attributes: metastore.Attributes{}}
	if err := db.buckets.Add(ctx, bucket); err != nil {
		return nil, err
	}
	db.log.Info("bucket created", zap.String("repository", repositoryName), zap.String("id", string(bucket.ID)))
	return bucket, nil
}

// Config configures a transaction.
type Config struct {
	WritePolicy WritePolicy
	// Selector optionally overrides the write policy per asset.
	Selector WritePolicySelector
	// MaxCommitRetries bounds the conflict-merge retry loop.
	MaxCommitRetries int
}

const defaultMaxCommitRetries = 3

// Begin opens a transaction bound to the repository's bucket. Each
// transaction works against its own view; nothing is shared with
// concurrently open transactions.
func (db *DB) Begin(ctx context.Context, repositoryName string, config Config) (_ *Tx, err error) {
	defer mon.Task()(&ctx)(&err)

	bucket, err := db.buckets.FindByRepositoryName(ctx, repositoryName)
	if err != nil {
		return nil, err
	}
	if config.MaxCommitRetries <= 0 {
		config.MaxCommitRetries = defaultMaxCommitRetries
	}
	return &Tx{
		log:        db.log.With(zap.String("repository", repositoryName)),
		db:         db,
		bucket:     bucket,
		config:     config,
		open:       true,
		components: map[storage.RecordID]*pendingComponent{},
		assets:     map[storage.RecordID]*pendingAsset{},
	}, nil
}

// DeleteBucket marks the repository's bucket for asynchronous purge.
// The bucket and its contents remain until a Sweeper drains them.
func (db *DB) DeleteBucket(ctx context.Context, repositoryName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	bucket, err := db.buckets.FindByRepositoryName(ctx, repositoryName)
	if err != nil {
		return err
	}
	if bucket.PendingDeletion {
		return nil
	}
	bucket.PendingDeletion = true
	return db.buckets.Update(ctx, bucket)
}

// PurgeBucket deletes all assets and components of a bucket in pages,
// checking for cancellation between pages. Already deleted pages stay
// deleted when the context is canceled mid-sweep.
func (db *DB) PurgeBucket(ctx context.Context, bucketID storage.RecordID, pageSize int) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, kind := range []storage.Kind{metastore.KindAsset, metastore.KindComponent} {
		query := storage.Query{
			Where: []storage.Clause{{Field: metastore.FieldBucket, Op: storage.OpEq, Value: string(bucketID)}},
		}
		for {
			if err := ctx.Err(); err != nil {
				return deleted, storage.ErrInterrupted.Wrap(err)
			}
			count, err := db.store.DeletePage(ctx, kind, query, pageSize)
			if err != nil {
				return deleted, err
			}
			deleted += count
			if count < pageSize {
				break
			}
		}
	}
	return deleted, nil
}
