// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/depotd/depot/internal/testcontext"
	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/pkg/storetx"
	"github.com/depotd/depot/storage"
	"github.com/depotd/depot/storage/testblobs"
	"github.com/depotd/depot/storage/teststore"
)

type testDB struct {
	*storetx.DB
	store  *teststore.Client
	blobs  *testblobs.Store
	bucket *metastore.Bucket
}

func newTestDB(t *testing.T, ctx *testcontext.Context) *testDB {
	store := teststore.New()
	blobs := testblobs.New()
	db := storetx.New(zaptest.NewLogger(t), store, blobs, storetx.DefaultDeconfliction())
	require.NoError(t, db.RegisterSchemas(ctx))

	bucket, err := db.CreateBucket(ctx, "test-repo")
	require.NoError(t, err)

	return &testDB{DB: db, store: store, blobs: blobs, bucket: bucket}
}

func (db *testDB) begin(t *testing.T, ctx *testcontext.Context, config storetx.Config) *storetx.Tx {
	tx, err := db.Begin(ctx, "test-repo", config)
	require.NoError(t, err)
	return tx
}

func uploadAsset(t *testing.T, ctx *testcontext.Context, db *testDB, name, content string) *metastore.Asset {
	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()

	asset := tx.CreateAsset(name, nil)
	temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte(content)), nil, storetx.TempBlobOptions{
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err)
	defer func() { _ = temp.Close(ctx) }()

	require.NoError(t, tx.AttachBlob(ctx, asset, temp))
	require.NoError(t, tx.Commit(ctx))
	return asset
}

func TestTxCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()

	component := tx.CreateComponent(metastore.Coordinate{Group: "org.sonatype", Name: "demo", Version: "1.0"})
	require.NoError(t, tx.SaveComponent(component))

	asset := tx.CreateAsset("org/sonatype/demo/1.0/demo-1.0.jar", component)
	require.NoError(t, tx.SaveAsset(asset))

	// the transaction observes its own staged writes
	found, err := tx.FindAsset(ctx, asset.Name)
	require.NoError(t, err)
	require.Equal(t, asset.ID, found.ID)

	// nothing is persisted before commit
	_, err = db.Buckets().FindByRepositoryName(ctx, "test-repo")
	require.NoError(t, err)
	applied := db.store.CallCount.Apply

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, applied+1, db.store.CallCount.Apply)
	require.True(t, component.IsStored())
	require.True(t, asset.IsStored())
	require.Equal(t, int64(1), component.Version)
	require.Equal(t, int64(1), asset.Version)

	// commit closed the transaction
	err = tx.SaveAsset(asset)
	require.True(t, storetx.ErrTxClosed.Has(err))
}

func TestTxTimestamps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	before := time.Now()

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()
	component := tx.CreateComponent(metastore.Coordinate{Name: "demo", Version: "1.0"})
	require.NoError(t, tx.SaveComponent(component))
	asset := tx.CreateAsset("demo-1.0.jar", component)
	require.NoError(t, tx.SaveAsset(asset))
	require.NoError(t, tx.Commit(ctx))

	// commit stamps both entities and the stored records
	require.False(t, asset.Created.IsZero())
	require.False(t, component.Created.IsZero())

	assets := metastore.NewAssets(db.store)
	stored, err := assets.FindByName(ctx, db.bucket.ID, "demo-1.0.jar")
	require.NoError(t, err)
	require.False(t, stored.Created.IsZero())
	require.False(t, stored.Created.Before(before))
	require.True(t, stored.Updated.Equal(stored.Created))

	storedComponent, err := metastore.NewComponents(db.store).FindByCoordinate(ctx, db.bucket.ID, component.Coordinate)
	require.NoError(t, err)
	require.False(t, storedComponent.Created.IsZero())

	// a later save moves updated but keeps created
	created := stored.Created
	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()
	again, err := tx2.FindAsset(ctx, "demo-1.0.jar")
	require.NoError(t, err)
	again.Size = 42
	require.NoError(t, tx2.SaveAsset(again))
	require.NoError(t, tx2.Commit(ctx))

	stored, err = assets.FindByName(ctx, db.bucket.ID, "demo-1.0.jar")
	require.NoError(t, err)
	require.True(t, stored.Created.Equal(created))
	require.True(t, stored.Updated.After(created))
}

func TestTxForgottenCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	tx := db.begin(t, ctx, storetx.Config{})
	asset := tx.CreateAsset("forgotten.jar", nil)
	temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("payload")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AttachBlob(ctx, asset, temp))
	require.Equal(t, 1, db.blobs.Count())

	// Close without Commit rolls everything back, blob included
	require.NoError(t, tx.Close(ctx))
	require.Equal(t, 0, db.blobs.Count())

	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()
	_, err = tx2.FindAsset(ctx, "forgotten.jar")
	require.True(t, storage.ErrNotFound.Has(err))
}

func TestTempBlobScope(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	// hashes cannot be declared verified without a content type
	_, err := storetx.CreateTempBlob(ctx, db.blobs, bytes.NewReader([]byte("x")), nil, storetx.TempBlobOptions{
		HashesVerified: true,
	})
	require.True(t, storetx.ErrInvalidInput.Has(err))

	temp, err := storetx.CreateTempBlob(ctx, db.blobs, bytes.NewReader([]byte("hello")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(5), temp.Size)
	require.Contains(t, temp.Hashes, storetx.HashSHA1)
	require.Contains(t, temp.Hashes, storetx.HashSHA256)
	require.Equal(t, 1, db.blobs.Count())

	// an unattached temp blob is deleted on Close
	require.NoError(t, temp.Close(ctx))
	require.Equal(t, 0, db.blobs.Count())
	require.NoError(t, temp.Close(ctx))
}

func TestAttachBlobTimestamps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "demo.jar", "content-v1")

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()
	asset, err := tx.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)
	require.NotNil(t, asset.BlobCreated)
	require.NotNil(t, asset.BlobUpdated)
	created := *asset.BlobCreated
	updated := *asset.BlobUpdated

	// re-attaching identical content keeps blob-updated
	temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("content-v1")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AttachBlob(ctx, asset, temp))
	require.True(t, asset.BlobCreated.Equal(created))
	require.True(t, asset.BlobUpdated.Equal(updated))
	require.NoError(t, tx.Commit(ctx))
	// the replaced blob is gone, the new one remains
	require.Equal(t, 1, db.blobs.Count())

	// attaching changed content moves blob-updated but not blob-created
	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()
	asset, err = tx2.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)
	temp, err = tx2.CreateTempBlob(ctx, bytes.NewReader([]byte("content-v2")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.NoError(t, tx2.AttachBlob(ctx, asset, temp))
	require.True(t, asset.BlobCreated.Equal(created))
	require.True(t, asset.BlobUpdated.After(updated))
	require.NoError(t, tx2.Commit(ctx))
}

func TestAttachBlobLostPrior(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "demo.jar", "content-v1")

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()
	asset, err := tx.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)
	updated := *asset.BlobUpdated

	// the blob store lost the prior content; re-attaching the same
	// bytes is treated as a change rather than failing
	db.blobs.Lose(asset.BlobRef)

	temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("content-v1")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AttachBlob(ctx, asset, temp))
	require.True(t, asset.BlobUpdated.After(updated) || asset.BlobUpdated.Equal(updated))
	require.NoError(t, tx.Commit(ctx))
}

func TestRequireBlob(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "demo.jar", "payload")

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()
	asset, err := tx.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)

	reader, err := tx.RequireBlob(ctx, asset)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	// a lost blob is a storage fault, not a not-found
	db.blobs.Lose(asset.BlobRef)
	_, err = tx.RequireBlob(ctx, asset)
	require.True(t, storetx.ErrMissingBlob.Has(err))
}

func TestWritePolicy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "existing.jar", "content")

	t.Run("DenyAttach", func(t *testing.T) {
		tx := db.begin(t, ctx, storetx.Config{WritePolicy: storetx.WritePolicyDeny})
		defer func() { _ = tx.Close(ctx) }()

		asset := tx.CreateAsset("new.jar", nil)
		temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("x")), nil, storetx.TempBlobOptions{})
		require.NoError(t, err)
		defer func() { _ = temp.Close(ctx) }()

		err = tx.AttachBlob(ctx, asset, temp)
		require.True(t, storetx.ErrIllegalOperation.Has(err))
	})

	t.Run("DenyDelete", func(t *testing.T) {
		tx := db.begin(t, ctx, storetx.Config{WritePolicy: storetx.WritePolicyDeny})
		defer func() { _ = tx.Close(ctx) }()

		asset, err := tx.FindAsset(ctx, "existing.jar")
		require.NoError(t, err)
		err = tx.DeleteAsset(asset)
		require.True(t, storetx.ErrIllegalOperation.Has(err))

		// deleting metadata-only assets is still permitted
		loose := tx.CreateAsset("metadata.xml", nil)
		require.NoError(t, tx.SaveAsset(loose))
		require.NoError(t, tx.DeleteAsset(loose))
	})

	t.Run("AllowOnceReplace", func(t *testing.T) {
		tx := db.begin(t, ctx, storetx.Config{WritePolicy: storetx.WritePolicyAllowOnce})
		defer func() { _ = tx.Close(ctx) }()

		asset, err := tx.FindAsset(ctx, "existing.jar")
		require.NoError(t, err)
		temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("y")), nil, storetx.TempBlobOptions{})
		require.NoError(t, err)
		defer func() { _ = temp.Close(ctx) }()

		err = tx.AttachBlob(ctx, asset, temp)
		require.True(t, storetx.ErrIllegalOperation.Has(err))

		// first attachment and delete stay permitted
		fresh := tx.CreateAsset("fresh.jar", nil)
		require.NoError(t, tx.AttachBlob(ctx, fresh, temp))
		require.NoError(t, tx.DeleteAsset(asset))
	})

	t.Run("SelectorOverride", func(t *testing.T) {
		selector := storetx.WritePolicySelectorFunc(func(asset *metastore.Asset, policy storetx.WritePolicy) storetx.WritePolicy {
			if asset.Name == "maven-metadata.xml" {
				return storetx.WritePolicyAllow
			}
			return policy
		})
		tx := db.begin(t, ctx, storetx.Config{WritePolicy: storetx.WritePolicyDeny, Selector: selector})
		defer func() { _ = tx.Close(ctx) }()

		temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("<metadata/>")), nil, storetx.TempBlobOptions{})
		require.NoError(t, err)
		defer func() { _ = temp.Close(ctx) }()

		// the index file stays writable in an otherwise frozen repo
		index := tx.CreateAsset("maven-metadata.xml", nil)
		require.NoError(t, tx.AttachBlob(ctx, index, temp))
	})
}

func TestCommitConflictMerge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "demo.jar", "content")

	now := time.Now().UTC().Truncate(time.Microsecond)

	// two transactions race on the same asset
	tx1 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx1.Close(ctx) }()
	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()

	a1, err := tx1.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)
	a2, err := tx2.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)

	later := now
	a1.LastDownloaded = &later
	require.NoError(t, tx1.SaveAsset(a1))
	require.NoError(t, tx1.Commit(ctx))

	// tx2 commits a stale, earlier download timestamp; deconfliction
	// keeps the later one and the commit succeeds
	earlier := now.Add(-time.Hour)
	a2.LastDownloaded = &earlier
	require.NoError(t, tx2.SaveAsset(a2))
	require.NoError(t, tx2.Commit(ctx))
	require.Greater(t, a2.Version, a1.Version)

	// the caller's entity reflects the merged outcome, not the stale
	// value it tried to commit
	require.NotNil(t, a2.LastDownloaded)
	require.True(t, a2.LastDownloaded.Equal(now))

	stored, err := metastore.NewAssets(db.store).FindByName(ctx, db.bucket.ID, "demo.jar")
	require.NoError(t, err)
	require.NotNil(t, stored.LastDownloaded)
	require.True(t, stored.LastDownloaded.Equal(now))
}

func TestCommitConflictUnresolved(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "demo.jar", "content")

	tx1 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx1.Close(ctx) }()
	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()

	a1, err := tx1.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)
	a2, err := tx2.FindAsset(ctx, "demo.jar")
	require.NoError(t, err)

	a1.Size = 111
	require.NoError(t, tx1.SaveAsset(a1))
	require.NoError(t, tx1.Commit(ctx))

	// no step merges a size disagreement
	a2.Size = 222
	require.NoError(t, tx2.SaveAsset(a2))
	err = tx2.Commit(ctx)
	require.True(t, storage.ErrConflict.Has(err))

	stored, err := metastore.NewAssets(db.store).FindByName(ctx, db.bucket.ID, "demo.jar")
	require.NoError(t, err)
	require.Equal(t, int64(111), stored.Size)
}

func TestCommitAtomicity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	uploadAsset(t, ctx, db, "existing.jar", "content")

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()

	good := tx.CreateAsset("good.jar", nil)
	require.NoError(t, tx.SaveAsset(good))
	// duplicates the unique (bucket, name) key of the committed asset
	bad := tx.CreateAsset("existing.jar", nil)
	require.NoError(t, tx.SaveAsset(bad))

	err := tx.Commit(ctx)
	require.Error(t, err)

	// the sibling save must not have leaked through
	check := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = check.Close(ctx) }()
	_, err = check.FindAsset(ctx, "good.jar")
	require.True(t, storage.ErrNotFound.Has(err))
}

func TestDeleteComponentCascade(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	tx := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx.Close(ctx) }()

	component := tx.CreateComponent(metastore.Coordinate{Name: "demo", Version: "1.0"})
	require.NoError(t, tx.SaveComponent(component))
	asset := tx.CreateAsset("demo-1.0.jar", component)
	temp, err := tx.CreateTempBlob(ctx, bytes.NewReader([]byte("bytes")), nil, storetx.TempBlobOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AttachBlob(ctx, asset, temp))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, 1, db.blobs.Count())

	tx2 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx2.Close(ctx) }()
	component, err = tx2.FindComponent(ctx, metastore.Coordinate{Name: "demo", Version: "1.0"})
	require.NoError(t, err)

	// refusing without cascade while assets remain
	err = tx2.DeleteComponent(ctx, component, false)
	require.True(t, storetx.ErrIllegalOperation.Has(err))

	require.NoError(t, tx2.DeleteComponent(ctx, component, true))
	require.NoError(t, tx2.Commit(ctx))
	require.Equal(t, 0, db.blobs.Count())

	tx3 := db.begin(t, ctx, storetx.Config{})
	defer func() { _ = tx3.Close(ctx) }()
	_, err = tx3.FindAsset(ctx, "demo-1.0.jar")
	require.True(t, storage.ErrNotFound.Has(err))
	_, err = tx3.FindComponent(ctx, metastore.Coordinate{Name: "demo", Version: "1.0"})
	require.True(t, storage.ErrNotFound.Has(err))
}

func TestPurgeBucket(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	components := metastore.NewComponents(db.store)
	assets := metastore.NewAssets(db.store)
	for i := 0; i < 23; i++ {
		require.NoError(t, assets.Add(ctx, &metastore.Asset{
			BucketID: db.bucket.ID,
			Name:     "asset-" + string(rune('a'+i)),
		}))
	}
	require.NoError(t, components.Add(ctx, &metastore.Component{
		BucketID:   db.bucket.ID,
		Coordinate: metastore.Coordinate{Name: "demo", Version: "1.0"},
	}))

	deleted, err := db.PurgeBucket(ctx, db.bucket.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 24, deleted)

	remaining, err := assets.BrowseByBuckets(ctx, []storage.RecordID{db.bucket.ID}, 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestPurgeBucketInterrupted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := db.PurgeBucket(canceled, db.bucket.ID, 5)
	require.True(t, storage.ErrInterrupted.Has(err))
}

func TestSweeper(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := newTestDB(t, ctx)

	assets := metastore.NewAssets(db.store)
	for i := 0; i < 7; i++ {
		require.NoError(t, assets.Add(ctx, &metastore.Asset{
			BucketID: db.bucket.ID,
			Name:     "asset-" + string(rune('a'+i)),
		}))
	}

	require.NoError(t, db.DeleteBucket(ctx, "test-repo"))
	// marking twice is a no-op
	require.NoError(t, db.DeleteBucket(ctx, "test-repo"))

	var purged []string
	sweeper := storetx.NewSweeper(zaptest.NewLogger(t), db.DB, storetx.SweeperConfig{PageSize: 3})
	sweeper.OnPurge = func(ctx context.Context, repositoryName string) error {
		purged = append(purged, repositoryName)
		return nil
	}
	require.NoError(t, sweeper.Sweep(ctx))
	require.Equal(t, []string{"test-repo"}, purged)

	_, err := db.Buckets().FindByRepositoryName(ctx, "test-repo")
	require.True(t, storage.ErrNotFound.Has(err))

	remaining, err := assets.BrowseByBuckets(ctx, []storage.RecordID{db.bucket.ID}, 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
