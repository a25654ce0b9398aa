// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

// Package storetx implements the unit-of-work boundary around entity
// mutations and blob lifecycle for one bucket.
package storetx

import (
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

var (
	// Error is the default storetx error class.
	Error = errs.Class("storetx error")
	// ErrIllegalOperation is returned when the write policy rejects a
	// delete or blob replacement. Not retryable.
	ErrIllegalOperation = errs.Class("operation not permitted")
	// ErrMissingBlob is returned when a referenced blob cannot be
	// retrieved at a point where its content is required.
	ErrMissingBlob = errs.Class("missing blob")
	// ErrInvalidInput is returned for requests rejected before any
	// store interaction.
	ErrInvalidInput = errs.Class("invalid input")
	// ErrTxClosed is returned when using a committed or rolled back
	// transaction.
	ErrTxClosed = errs.Class("transaction closed")
)
