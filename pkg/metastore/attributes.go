// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package metastore

import (
	"time"
)

// Attributes is a nested, format-namespaced attribute bag. Reads are
// side-effect free: asking for a missing section never creates it.
// Writers that need a section call EnsureSection explicitly.
type Attributes map[string]interface{}

// Section returns the named nested section without creating it.
func (attrs Attributes) Section(name string) (Attributes, bool) {
	if attrs == nil {
		return nil, false
	}
	value, ok := attrs[name]
	if !ok {
		return nil, false
	}
	section, ok := value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return Attributes(section), true
}

// EnsureSection returns the named nested section, creating it when
// absent. Only writers should call this.
func (attrs Attributes) EnsureSection(name string) Attributes {
	if section, ok := attrs.Section(name); ok {
		return section
	}
	section := map[string]interface{}{}
	attrs[name] = section
	return Attributes(section)
}

// GetString returns a string attribute.
func (attrs Attributes) GetString(key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	value, ok := attrs[key].(string)
	return value, ok
}

// Set stores a value. Values must be JSON-safe primitives.
func (attrs Attributes) Set(key string, value interface{}) {
	attrs[key] = value
}

// Clone creates a deep copy of the bag.
func (attrs Attributes) Clone() Attributes {
	if attrs == nil {
		return nil
	}
	clone := make(Attributes, len(attrs))
	for key, value := range attrs {
		if nested, ok := value.(map[string]interface{}); ok {
			clone[key] = map[string]interface{}(Attributes(nested).Clone())
			continue
		}
		clone[key] = value
	}
	return clone
}

// EncodeTime converts a timestamp to its stored field form.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeTime converts a stored field value back to a timestamp. The
// bool result is false when the value is absent or malformed.
func DecodeTime(value interface{}) (time.Time, bool) {
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
