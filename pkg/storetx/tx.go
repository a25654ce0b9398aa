// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

type pendingOp int

const (
	opSave pendingOp = iota
	opDelete
)

type pendingComponent struct {
	op        pendingOp
	component *metastore.Component
}

type pendingAsset struct {
	op    pendingOp
	asset *metastore.Asset
}

// Tx is a storage transaction: a unit of work over one bucket's
// components and assets plus the blob lifecycle tied to them. Writes
// are staged in memory and applied atomically on Commit; reads within
// the transaction observe its own staged writes. A Tx is used from a
// single goroutine.
//
// Forgetting Commit is equivalent to Rollback: Close on a still-open
// transaction discards all staged changes.
type Tx struct {
	log    *zap.Logger
	db     *DB
	bucket *metastore.Bucket
	config Config

	open       bool
	components map[storage.RecordID]*pendingComponent
	assets     map[storage.RecordID]*pendingAsset

	// blobs created within this transaction; deleted on rollback
	createdBlobs []storage.BlobRef
	// blobs replaced within this transaction; deleted after commit
	obsoleteBlobs []storage.BlobRef
}

// Bucket returns the bucket this transaction is bound to.
func (tx *Tx) Bucket() *metastore.Bucket { return tx.bucket }

func (tx *Tx) policyFor(asset *metastore.Asset) WritePolicy {
	policy := tx.config.WritePolicy
	if tx.config.Selector != nil {
		policy = tx.config.Selector.Select(asset, policy)
	}
	return policy
}

// CreateComponent allocates an in-memory component bound to the
// transaction's bucket. It is not persisted until SaveComponent.
func (tx *Tx) CreateComponent(coordinate metastore.Coordinate) *metastore.Component {
	return &metastore.Component{
		BucketID:   tx.bucket.ID,
		Coordinate: coordinate,
		Attributes: metastore.Attributes{},
	}
}

// CreateAsset allocates an in-memory asset bound to the transaction's
// bucket, optionally linked to a component. It is not persisted until
// SaveAsset.
func (tx *Tx) CreateAsset(name string, component *metastore.Component) *metastore.Asset {
	asset := &metastore.Asset{
		BucketID:   tx.bucket.ID,
		Name:       name,
		Attributes: metastore.Attributes{},
	}
	if component != nil {
		asset.ComponentID = component.ID
	}
	return asset
}

// SaveComponent stages the component for commit.
func (tx *Tx) SaveComponent(component *metastore.Component) error {
	if !tx.open {
		return ErrTxClosed.New("save component")
	}
	if component.ID == "" {
		component.ID = metastore.NewRecordID()
	}
	tx.components[component.ID] = &pendingComponent{op: opSave, component: component}
	return nil
}

// SaveAsset stages the asset for commit.
func (tx *Tx) SaveAsset(asset *metastore.Asset) error {
	if !tx.open {
		return ErrTxClosed.New("save asset")
	}
	if asset.ID == "" {
		asset.ID = metastore.NewRecordID()
	}
	tx.assets[asset.ID] = &pendingAsset{op: opSave, asset: asset}
	return nil
}

// DeleteAsset stages the asset's removal, subject to write policy.
// Deleting an asset with an attached blob also deletes the blob once
// the transaction commits.
func (tx *Tx) DeleteAsset(asset *metastore.Asset) error {
	if !tx.open {
		return ErrTxClosed.New("delete asset")
	}
	if err := tx.policyFor(asset).checkDelete(asset); err != nil {
		return err
	}
	if asset.HasBlob() {
		tx.obsoleteBlobs = append(tx.obsoleteBlobs, asset.BlobRef)
	}
	tx.assets[asset.ID] = &pendingAsset{op: opDelete, asset: asset}
	return nil
}

// DeleteComponent stages the component's removal. When cascade is set
// its assets are deleted too, each subject to write policy; otherwise
// the component must have no remaining assets.
func (tx *Tx) DeleteComponent(ctx context.Context, component *metastore.Component, cascade bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !tx.open {
		return ErrTxClosed.New("delete component")
	}
	assets, err := tx.BrowseComponentAssets(ctx, component)
	if err != nil {
		return err
	}
	if len(assets) > 0 && !cascade {
		return ErrIllegalOperation.New("component %q still has %d assets", component.Coordinate.Name, len(assets))
	}
	for _, asset := range assets {
		if err := tx.DeleteAsset(asset); err != nil {
			return err
		}
	}
	tx.components[component.ID] = &pendingComponent{op: opDelete, component: component}
	return nil
}

// FindComponent returns the component with the coordinate, observing
// the transaction's staged writes.
func (tx *Tx) FindComponent(ctx context.Context, coordinate metastore.Coordinate) (_ *metastore.Component, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, pending := range tx.components {
		if pending.component.Coordinate == coordinate {
			if pending.op == opDelete {
				return nil, storage.ErrNotFound.New("component %+v", coordinate)
			}
			return pending.component, nil
		}
	}

	component, err := tx.db.components.FindByCoordinate(ctx, tx.bucket.ID, coordinate)
	if err != nil {
		return nil, err
	}
	if pending, ok := tx.components[component.ID]; ok && pending.op == opDelete {
		return nil, storage.ErrNotFound.New("component %+v", coordinate)
	}
	return component, nil
}

// FindAsset returns the asset with the path-like name, observing the
// transaction's staged writes.
func (tx *Tx) FindAsset(ctx context.Context, name string) (_ *metastore.Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, pending := range tx.assets {
		if pending.asset.Name == name {
			if pending.op == opDelete {
				return nil, storage.ErrNotFound.New("asset %q", name)
			}
			return pending.asset, nil
		}
	}

	asset, err := tx.db.assets.FindByName(ctx, tx.bucket.ID, name)
	if err != nil {
		return nil, err
	}
	if pending, ok := tx.assets[asset.ID]; ok && pending.op == opDelete {
		return nil, storage.ErrNotFound.New("asset %q", name)
	}
	return asset, nil
}

// BrowseComponents returns the bucket's components, overlaying the
// transaction's staged writes.
func (tx *Tx) BrowseComponents(ctx context.Context) (_ []*metastore.Component, err error) {
	defer mon.Task()(&ctx)(&err)

	stored, err := tx.db.components.BrowseByBuckets(ctx, []storage.RecordID{tx.bucket.ID}, 0)
	if err != nil {
		return nil, err
	}

	var result []*metastore.Component
	for _, component := range stored {
		pending, ok := tx.components[component.ID]
		if !ok {
			result = append(result, component)
			continue
		}
		if pending.op == opSave {
			result = append(result, pending.component)
		}
	}
	for _, pending := range tx.components {
		if pending.op == opSave && pending.component.Version == 0 {
			result = append(result, pending.component)
		}
	}
	return result, nil
}

// BrowseAssets returns the bucket's assets, overlaying the
// transaction's staged writes.
func (tx *Tx) BrowseAssets(ctx context.Context) (_ []*metastore.Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	stored, err := tx.db.assets.BrowseByBuckets(ctx, []storage.RecordID{tx.bucket.ID}, 0)
	if err != nil {
		return nil, err
	}
	return tx.overlayAssets(stored), nil
}

// BrowseComponentAssets returns the assets linked to the component,
// overlaying the transaction's staged writes.
func (tx *Tx) BrowseComponentAssets(ctx context.Context, component *metastore.Component) (_ []*metastore.Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	var stored []*metastore.Asset
	if component.IsStored() && component.Version > 0 {
		stored, err = tx.db.assets.BrowseByComponent(ctx, component.ID)
		if err != nil {
			return nil, err
		}
	}

	assets := tx.overlayAssets(stored)
	filtered := assets[:0]
	for _, asset := range assets {
		if asset.ComponentID == component.ID {
			filtered = append(filtered, asset)
		}
	}
	return filtered, nil
}

func (tx *Tx) overlayAssets(stored []*metastore.Asset) []*metastore.Asset {
	var result []*metastore.Asset
	seen := map[storage.RecordID]bool{}
	for _, asset := range stored {
		seen[asset.ID] = true
		pending, ok := tx.assets[asset.ID]
		if !ok {
			result = append(result, asset)
			continue
		}
		if pending.op == opSave {
			result = append(result, pending.asset)
		}
	}
	for _, pending := range tx.assets {
		if pending.op == opSave && !seen[pending.asset.ID] && pending.asset.Version == 0 {
			result = append(result, pending.asset)
		}
	}
	return result
}

// CreateTempBlob streams payload bytes into the blob store while
// computing hashes. See CreateTempBlob at package level; the Tx form
// exists so format plugins need only the transaction handle.
func (tx *Tx) CreateTempBlob(ctx context.Context, data io.Reader, algorithms []string, opts TempBlobOptions) (*TempBlob, error) {
	return CreateTempBlob(ctx, tx.db.blobs, data, algorithms, opts)
}

// AttachBlob binds a temp blob's content to the asset, subject to
// write policy, and stages the asset. The temp blob is adopted: its
// Close becomes a no-op and the content's lifecycle now follows the
// asset's.
func (tx *Tx) AttachBlob(ctx context.Context, asset *metastore.Asset, temp *TempBlob) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !tx.open {
		return ErrTxClosed.New("attach blob")
	}
	if err := tx.policyFor(asset).checkAttach(asset); err != nil {
		return err
	}

	now := time.Now()
	if !asset.HasBlob() {
		asset.BlobCreated = &now
		asset.BlobUpdated = &now
	} else {
		// Replacement: only blob-updated moves, and only when content
		// actually changed. A prior blob missing from the blob store
		// counts as changed rather than failing; blob store drift is
		// not fatal here.
		changed := true
		reader, openErr := tx.db.blobs.Open(ctx, asset.BlobRef)
		if openErr == nil {
			_ = reader.Close()
			changed = contentChanged(asset.Checksums, temp.Hashes)
		} else if !storage.ErrBlobNotFound.Has(openErr) {
			return Error.Wrap(openErr)
		}
		if changed {
			asset.BlobUpdated = &now
		}
		tx.obsoleteBlobs = append(tx.obsoleteBlobs, asset.BlobRef)
	}

	asset.BlobRef = temp.Ref
	asset.Size = temp.Size
	if temp.ContentType != "" {
		asset.ContentType = temp.ContentType
	}
	asset.Checksums = map[string]string{}
	for algorithm, digest := range temp.Hashes {
		asset.Checksums[algorithm] = digest
	}
	asset.HashesVerified = temp.HashesVerified

	temp.adopted = true
	tx.createdBlobs = append(tx.createdBlobs, temp.Ref)
	return tx.SaveAsset(asset)
}

// GetBlob opens the asset's blob content.
func (tx *Tx) GetBlob(ctx context.Context, asset *metastore.Asset) (_ storage.BlobReader, err error) {
	defer mon.Task()(&ctx)(&err)

	if !asset.HasBlob() {
		return nil, storage.ErrNotFound.New("asset %q has no blob", asset.Name)
	}
	return tx.db.blobs.Open(ctx, asset.BlobRef)
}

// RequireBlob opens the asset's blob content, treating absence from
// the blob store as a hard storage fault distinct from not-found.
func (tx *Tx) RequireBlob(ctx context.Context, asset *metastore.Asset) (_ storage.BlobReader, err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := tx.GetBlob(ctx, asset)
	if storage.ErrBlobNotFound.Has(err) {
		return nil, ErrMissingBlob.New("asset %q: blob %s", asset.Name, asset.BlobRef.Key)
	}
	return reader, err
}

func contentChanged(checksums map[string]string, hashes map[string]string) bool {
	matched := false
	for algorithm, digest := range hashes {
		prior, ok := checksums[algorithm]
		if !ok {
			continue
		}
		if prior != digest {
			return true
		}
		matched = true
	}
	// no common algorithm means we cannot prove the content is the same
	return !matched
}

// Commit atomically applies all staged changes. On a version conflict
// it lets the deconfliction steps merge and retries a bounded number
// of times; an unresolved conflict or exhausted retries surface as
// storage.ErrConflict and the transaction rolls back. On success the
// staged entities carry the committed state, including fields a merge
// rewrote.
func (tx *Tx) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !tx.open {
		return ErrTxClosed.New("commit")
	}

	changes, rehydrate := tx.buildChanges()

	for attempt := 0; ; attempt++ {
		err = tx.db.store.Apply(ctx, changes)
		if err == nil {
			break
		}
		if !storage.ErrConflict.Has(err) || attempt+1 >= tx.config.MaxCommitRetries {
			tx.log.Debug("commit failed", zap.Int("attempt", attempt+1), zap.Error(err))
			_ = tx.Rollback(ctx)
			return err
		}
		if !tx.rebaseConflicts(ctx, changes) {
			_ = tx.Rollback(ctx)
			return err
		}
		tx.log.Debug("commit conflict merged, retrying", zap.Int("attempt", attempt+1))
	}

	// fold the committed documents back onto the entities, picking up
	// store-assigned versions and any fields rewritten by a merge
	for i, change := range changes {
		if apply := rehydrate[i]; apply != nil {
			apply(change.Doc)
		}
	}

	tx.open = false
	tx.deleteBlobs(ctx, tx.obsoleteBlobs)
	return nil
}

// rebaseConflicts re-reads every staged edit whose version went stale
// and asks the deconfliction registry to merge it. Reports false when
// any conflict stays unresolved; a conflict with no stale edit (the
// backend aborted overlapping transactions) just retries.
func (tx *Tx) rebaseConflicts(ctx context.Context, changes []storage.Change) bool {
	for _, change := range changes {
		if change.Op != storage.OpEdit {
			continue
		}
		stored, err := tx.db.store.Read(ctx, change.Doc.Kind, change.Doc.ID)
		if err != nil {
			return false
		}
		if stored.Version == change.Doc.Version {
			continue
		}
		if tx.db.deconflict == nil || !tx.db.deconflict.Resolve(stored, change.Doc) {
			return false
		}
	}
	return true
}

func (tx *Tx) buildChanges() ([]storage.Change, []func(*storage.Document)) {
	var changes []storage.Change
	var rehydrate []func(*storage.Document)

	stage := func(op storage.Op, doc *storage.Document, apply func(*storage.Document)) {
		changes = append(changes, storage.Change{Op: op, Doc: doc})
		rehydrate = append(rehydrate, apply)
	}
	stageComponent := func(op storage.Op, component *metastore.Component) {
		stage(op, tx.db.components.ToDocument(component), func(doc *storage.Document) {
			*component = *tx.db.components.FromDocument(doc)
		})
	}
	stageAsset := func(op storage.Op, asset *metastore.Asset) {
		stage(op, tx.db.assets.ToDocument(asset), func(doc *storage.Document) {
			*asset = *tx.db.assets.FromDocument(doc)
		})
	}

	// everything saved in this commit shares one audit clock
	now := time.Now()
	for _, pending := range tx.components {
		if pending.op != opSave {
			continue
		}
		if pending.component.Created.IsZero() {
			pending.component.Created = now
		}
		pending.component.Updated = now
	}
	for _, pending := range tx.assets {
		if pending.op != opSave {
			continue
		}
		if pending.asset.Created.IsZero() {
			pending.asset.Created = now
		}
		pending.asset.Updated = now
	}

	// adds first (components before the assets referencing them),
	// then edits, then deletes (assets before components)
	for _, pending := range tx.components {
		if pending.op == opSave && pending.component.Version == 0 {
			stageComponent(storage.OpAdd, pending.component)
		}
	}
	for _, pending := range tx.assets {
		if pending.op == opSave && pending.asset.Version == 0 {
			stageAsset(storage.OpAdd, pending.asset)
		}
	}
	for _, pending := range tx.components {
		if pending.op == opSave && pending.component.Version > 0 {
			stageComponent(storage.OpEdit, pending.component)
		}
	}
	for _, pending := range tx.assets {
		if pending.op == opSave && pending.asset.Version > 0 {
			stageAsset(storage.OpEdit, pending.asset)
		}
	}
	for _, pending := range tx.assets {
		if pending.op == opDelete {
			stage(storage.OpDelete, tx.db.assets.ToDocument(pending.asset), nil)
		}
	}
	for _, pending := range tx.components {
		if pending.op == opDelete {
			stage(storage.OpDelete, tx.db.components.ToDocument(pending.component), nil)
		}
	}
	return changes, rehydrate
}

// Rollback discards all staged changes and deletes blobs created
// within the transaction.
func (tx *Tx) Rollback(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !tx.open {
		return nil
	}
	tx.open = false
	tx.components = map[storage.RecordID]*pendingComponent{}
	tx.assets = map[storage.RecordID]*pendingAsset{}
	tx.deleteBlobs(ctx, tx.createdBlobs)
	return nil
}

// Close rolls the transaction back when it is still open. Deferring
// Close right after Begin makes a forgotten Commit a rollback instead
// of a partial write.
func (tx *Tx) Close(ctx context.Context) error {
	return tx.Rollback(ctx)
}

func (tx *Tx) deleteBlobs(ctx context.Context, refs []storage.BlobRef) {
	for _, ref := range refs {
		if err := tx.db.blobs.Delete(ctx, ref); err != nil {
			tx.log.Warn("blob cleanup failed", zap.String("blob", ref.Key), zap.Error(err))
		}
	}
}
