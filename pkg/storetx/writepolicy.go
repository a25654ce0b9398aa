// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storetx

import (
	"github.com/depotd/depot/pkg/metastore"
)

// WritePolicy governs whether existing blob content may be replaced
// or deleted within a repository.
type WritePolicy int

const (
	// WritePolicyAllow always permits attach, replace and delete.
	WritePolicyAllow WritePolicy = iota
	// WritePolicyAllowOnce permits the first blob attachment and
	// deletes, but rejects replacing an already-attached blob.
	WritePolicyAllowOnce
	// WritePolicyDeny rejects attach, replace and delete of blob
	// content. Deleting an asset that has no blob is still permitted.
	WritePolicyDeny
)

// String implements fmt.Stringer.
func (policy WritePolicy) String() string {
	switch policy {
	case WritePolicyAllow:
		return "ALLOW"
	case WritePolicyAllowOnce:
		return "ALLOW_ONCE"
	case WritePolicyDeny:
		return "DENY"
	}
	return "UNKNOWN"
}

// checkAttach reports whether the policy permits binding a blob to the
// asset, which may already carry one.
func (policy WritePolicy) checkAttach(asset *metastore.Asset) error {
	switch policy {
	case WritePolicyAllow:
		return nil
	case WritePolicyAllowOnce:
		if asset.HasBlob() {
			return ErrIllegalOperation.New("%s: content already exists and cannot be replaced (%s)", asset.Name, policy)
		}
		return nil
	case WritePolicyDeny:
		return ErrIllegalOperation.New("%s: repository does not allow updating content (%s)", asset.Name, policy)
	}
	return ErrIllegalOperation.New("unknown write policy %d", policy)
}

// checkDelete reports whether the policy permits deleting the asset.
func (policy WritePolicy) checkDelete(asset *metastore.Asset) error {
	if policy == WritePolicyDeny && asset.HasBlob() {
		return ErrIllegalOperation.New("%s: repository does not allow deleting content (%s)", asset.Name, policy)
	}
	return nil
}

// WritePolicySelector optionally overrides the repository's write
// policy for individual assets, e.g. format metadata files that must
// stay writable in an otherwise write-once repository.
type WritePolicySelector interface {
	Select(asset *metastore.Asset, policy WritePolicy) WritePolicy
}

// writePolicySelectorFunc adapts a function to WritePolicySelector.
type writePolicySelectorFunc func(asset *metastore.Asset, policy WritePolicy) WritePolicy

func (fn writePolicySelectorFunc) Select(asset *metastore.Asset, policy WritePolicy) WritePolicy {
	return fn(asset, policy)
}

// WritePolicySelectorFunc adapts a function to WritePolicySelector.
func WritePolicySelectorFunc(fn func(asset *metastore.Asset, policy WritePolicy) WritePolicy) WritePolicySelector {
	return writePolicySelectorFunc(fn)
}
