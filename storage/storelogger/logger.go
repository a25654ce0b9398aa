// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/depotd/depot/storage"
)

var mon = monkit.Package()

var id int64

// Logger implements a logging decorator for storage.Documents.
type Logger struct {
	log   *zap.Logger
	store storage.Documents
}

var _ storage.Documents = (*Logger)(nil)

// New creates a new Logger with log and store.
func New(log *zap.Logger, store storage.Documents) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// NewTest creates a new Logger for testing.
func NewTest(t *testing.T, store storage.Documents) *Logger {
	return New(zaptest.NewLogger(t), store)
}

// Register registers a schema.
func (logger *Logger) Register(ctx context.Context, schema storage.Schema) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Register", zap.String("kind", string(schema.Kind)), zap.Int("indices", len(schema.Indices)))
	return logger.store.Register(ctx, schema)
}

// Read reads a document.
func (logger *Logger) Read(ctx context.Context, kind storage.Kind, id storage.RecordID) (_ *storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Read", zap.String("kind", string(kind)), zap.String("id", string(id)))
	return logger.store.Read(ctx, kind, id)
}

// ReadByIndex reads a document by index values.
func (logger *Logger) ReadByIndex(ctx context.Context, kind storage.Kind, index string, values ...string) (_ *storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("ReadByIndex", zap.String("kind", string(kind)), zap.String("index", index), zap.Strings("values", values))
	return logger.store.ReadByIndex(ctx, kind, index, values...)
}

// Exists checks a document by index values.
func (logger *Logger) Exists(ctx context.Context, kind storage.Kind, index string, values ...string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Exists", zap.String("kind", string(kind)), zap.String("index", index), zap.Strings("values", values))
	return logger.store.Exists(ctx, kind, index, values...)
}

// Query runs a query.
func (logger *Logger) Query(ctx context.Context, kind storage.Kind, query storage.Query) (_ []*storage.Document, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Query",
		zap.String("kind", string(kind)),
		zap.Int("where", len(query.Where)),
		zap.Int("buckets", len(query.Buckets)),
		zap.Int("limit", query.Limit))
	return logger.store.Query(ctx, kind, query)
}

// DeletePage deletes a page of matching documents.
func (logger *Logger) DeletePage(ctx context.Context, kind storage.Kind, query storage.Query, limit int) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("DeletePage", zap.String("kind", string(kind)), zap.Int("limit", limit))
	return logger.store.DeletePage(ctx, kind, query, limit)
}

// Apply applies a batch of changes.
func (logger *Logger) Apply(ctx context.Context, changes []storage.Change) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Apply", zap.Int("changes", len(changes)))
	return logger.store.Apply(ctx, changes)
}

// Close closes the store.
func (logger *Logger) Close() error {
	logger.log.Debug("Close")
	return logger.store.Close()
}
