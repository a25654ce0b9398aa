// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

// Package deconflict merges concurrently written metadata fields
// instead of failing a commit outright on a version conflict.
package deconflict

import (
	"reflect"

	"github.com/depotd/depot/storage"
)

// Verdict is a step's opinion on one conflicting field.
type Verdict int

const (
	// Ignore defers to later steps or the default conflict handling.
	Ignore Verdict = iota
	// Allow accepts the changing side's value as-is. A step may
	// rewrite the changing value before returning Allow, e.g. to pick
	// the later of two timestamps.
	Allow
	// Merge takes the stored side's value, discarding the local change
	// for that field.
	Merge
)

// Step decides how one conflicting field is merged. It receives the
// stored document (already committed by someone else) and the changing
// document (about to be committed).
type Step interface {
	Deconflict(field string, stored, changing *storage.Document) Verdict
}

// Registry maps record kinds to their deconfliction steps, resolved
// once at startup. Steps are tried in registration order; the first
// non-Ignore verdict per field wins.
type Registry struct {
	steps map[storage.Kind][]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: map[storage.Kind][]Step{}}
}

// Add appends steps for a record kind.
func (registry *Registry) Add(kind storage.Kind, steps ...Step) {
	registry.steps[kind] = append(registry.steps[kind], steps...)
}

// Resolve tries to merge the changing document over the stored one.
// On success the changing document's fields hold the merged state, its
// version is rebased onto the stored version, and Resolve reports
// true. If any differing field gets no verdict the conflict stands and
// the changing document is left untouched.
func (registry *Registry) Resolve(stored, changing *storage.Document) bool {
	if registry == nil {
		return false
	}
	steps := registry.steps[changing.Kind]
	if len(steps) == 0 {
		return false
	}

	merged := storage.CloneDocument(changing)
	for _, field := range differingFields(stored, merged) {
		verdict := Ignore
		for _, step := range steps {
			verdict = step.Deconflict(field, stored, merged)
			if verdict != Ignore {
				break
			}
		}
		switch verdict {
		case Allow:
			// keep the changing side, possibly rewritten by the step
		case Merge:
			takeStored(field, stored, merged)
		default:
			return false
		}
	}

	changing.Fields = merged.Fields
	changing.Version = stored.Version
	return true
}

func takeStored(field string, stored, merged *storage.Document) {
	value, ok := stored.Fields[field]
	if !ok {
		delete(merged.Fields, field)
		return
	}
	merged.Fields[field] = value
}

// differingFields returns the top-level field names whose values
// differ between the two documents. Both sides hold JSON-safe
// primitives, so DeepEqual is reliable.
func differingFields(stored, changing *storage.Document) []string {
	var fields []string
	seen := map[string]bool{}
	for field := range stored.Fields {
		seen[field] = true
	}
	for field := range changing.Fields {
		seen[field] = true
	}
	for field := range seen {
		if !reflect.DeepEqual(stored.Fields[field], changing.Fields[field]) {
			fields = append(fields, field)
		}
	}
	return fields
}
