// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package deconflict

import (
	"reflect"

	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

// LatestWins merges timestamp fields by taking the later of the two
// sides. An absent value loses to any value.
type LatestWins struct {
	fields map[string]bool
}

// NewLastUpdated merges the last-updated timestamp.
func NewLastUpdated() LatestWins {
	return LatestWins{fields: map[string]bool{metastore.FieldUpdated: true}}
}

// NewLastDownloaded merges the last-downloaded timestamp.
func NewLastDownloaded() LatestWins {
	return LatestWins{fields: map[string]bool{metastore.FieldLastDownloaded: true}}
}

// NewContentTimestamps merges the blob-updated and last-verified
// content timestamps.
func NewContentTimestamps() LatestWins {
	return LatestWins{fields: map[string]bool{
		metastore.FieldBlobUpdated:  true,
		metastore.FieldLastVerified: true,
	}}
}

// Deconflict implements Step.
func (step LatestWins) Deconflict(field string, stored, changing *storage.Document) Verdict {
	if !step.fields[field] {
		return Ignore
	}
	storedTime, storedOK := metastore.DecodeTime(stored.Fields[field])
	changingTime, changingOK := metastore.DecodeTime(changing.Fields[field])
	switch {
	case !storedOK && !changingOK:
		return Ignore
	case !storedOK:
		return Allow
	case !changingOK:
		return Merge
	case changingTime.Before(storedTime):
		return Merge
	default:
		return Allow
	}
}

// CacheToken guards the content-validation cache token. A concurrent
// revalidation's token is kept unless the changing side carries the
// explicit invalidation marker, or the stored token is unset.
type CacheToken struct{}

// NewCacheToken creates the cache-token step.
func NewCacheToken() CacheToken { return CacheToken{} }

// Deconflict implements Step.
func (CacheToken) Deconflict(field string, stored, changing *storage.Document) Verdict {
	if field != metastore.FieldCacheToken {
		return Ignore
	}
	storedToken, _ := stored.Fields[field].(string)
	changingToken, _ := changing.Fields[field].(string)
	if changingToken == metastore.CacheTokenInvalidated || storedToken == "" {
		return Allow
	}
	return Merge
}

// AttributeSections merges the nested attribute bag for configured
// lazily-populated sections, where a populated section wins over an
// absent one. A section populated differently on both sides is a real
// conflict and stays unresolved.
type AttributeSections struct {
	sections map[string]bool
}

// NewAttributeSections creates the step for the named sections.
func NewAttributeSections(sections ...string) AttributeSections {
	step := AttributeSections{sections: map[string]bool{}}
	for _, section := range sections {
		step.sections[section] = true
	}
	return step
}

// Deconflict implements Step.
func (step AttributeSections) Deconflict(field string, stored, changing *storage.Document) Verdict {
	if field != metastore.FieldAttributes {
		return Ignore
	}
	storedAttrs, _ := stored.Fields[field].(map[string]interface{})
	changingAttrs, _ := changing.Fields[field].(map[string]interface{})
	if changingAttrs == nil {
		changingAttrs = map[string]interface{}{}
	}

	seen := map[string]bool{}
	for section := range storedAttrs {
		seen[section] = true
	}
	for section := range changingAttrs {
		seen[section] = true
	}

	for section := range seen {
		storedValue, storedHas := storedAttrs[section]
		changingValue, changingHas := changingAttrs[section]
		if reflect.DeepEqual(storedValue, changingValue) {
			continue
		}
		if !step.sections[section] {
			return Ignore
		}
		switch {
		case !changingHas || changingValue == nil:
			changingAttrs[section] = storedValue
		case !storedHas || storedValue == nil:
			// the changing side populated it first
		default:
			return Ignore
		}
	}

	changing.Fields[field] = changingAttrs
	return Allow
}
