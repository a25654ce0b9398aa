// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/depotd/depot/internal/sync2"
	"github.com/depotd/depot/storage"
)

// SweeperConfig configures the purge sweeper.
type SweeperConfig struct {
	Interval time.Duration
	PageSize int
}

// Sweeper periodically drains buckets marked for deletion. Each sweep
// deletes the bucket's assets and components page by page, invokes the
// OnPurge hook, then removes the bucket record itself. Interrupting a
// sweep keeps already-deleted pages deleted; the bucket stays marked
// and the next sweep resumes it.
type Sweeper struct {
	log    *zap.Logger
	db     *DB
	config SweeperConfig

	// OnPurge runs after a bucket's contents are drained and before
	// the bucket record is removed. Wired to browse tree deletion.
	OnPurge func(ctx context.Context, repositoryName string) error

	Loop *sync2.Cycle
}

// NewSweeper creates a purge sweeper.
func NewSweeper(log *zap.Logger, db *DB, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	return &Sweeper{
		log:    log,
		db:     db,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run starts the sweep loop and blocks until the context is canceled
// or the loop is stopped.
func (sweeper *Sweeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return sweeper.Loop.Run(ctx, sweeper.Sweep)
}

// Close stops the sweep loop.
func (sweeper *Sweeper) Close() error {
	sweeper.Loop.Stop()
	return nil
}

// Sweep drains every bucket currently marked for deletion.
func (sweeper *Sweeper) Sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	pending, err := sweeper.db.Buckets().ListPendingDeletion(ctx)
	if err != nil {
		return err
	}
	for _, bucket := range pending {
		if err := ctx.Err(); err != nil {
			return storage.ErrInterrupted.Wrap(err)
		}

		deleted, err := sweeper.db.PurgeBucket(ctx, bucket.ID, sweeper.config.PageSize)
		if err != nil {
			return err
		}
		if sweeper.OnPurge != nil {
			if err := sweeper.OnPurge(ctx, bucket.RepositoryName); err != nil {
				return err
			}
		}
		if err := sweeper.db.Buckets().Delete(ctx, bucket.ID); err != nil && !storage.ErrNotFound.Has(err) {
			return err
		}
		sweeper.log.Info("bucket purged",
			zap.String("repository", bucket.RepositoryName),
			zap.Int("records", deleted))
	}
	return nil
}
