// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storage

import (
	"bytes"
	"encoding/json"
	"strings"
)

// indexSeparator joins composite index values. It cannot occur in
// field values, which are UTF-8 text.
const indexSeparator = "\x00"

type storedDocument struct {
	ID      RecordID `json:"id"`
	Version int64    `json:"version"`
	Fields  Fields   `json:"fields"`
}

// EncodeDocument marshals a document for storage.
func EncodeDocument(doc *Document) ([]byte, error) {
	data, err := json.Marshal(storedDocument{ID: doc.ID, Version: doc.Version, Fields: doc.Fields})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// DecodeDocument unmarshals a stored document.
func DecodeDocument(kind Kind, data []byte) (*Document, error) {
	var stored storedDocument
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, Error.Wrap(err)
	}
	if stored.Fields == nil {
		stored.Fields = Fields{}
	}
	return &Document{ID: stored.ID, Kind: kind, Version: stored.Version, Fields: stored.Fields}, nil
}

// CloneDocument creates a deep copy of doc via a marshal round-trip,
// so that callers cannot alias stored state.
func CloneDocument(doc *Document) *Document {
	data, err := EncodeDocument(doc)
	if err != nil {
		return &Document{ID: doc.ID, Kind: doc.Kind, Version: doc.Version, Fields: Fields{}}
	}
	clone, err := DecodeDocument(doc.Kind, data)
	if err != nil {
		return &Document{ID: doc.ID, Kind: doc.Kind, Version: doc.Version, Fields: Fields{}}
	}
	return clone
}

// IndexKey builds the index entry key for doc under index. The bool
// result is false when any indexed field is absent or not text, in
// which case the document is not indexed.
func IndexKey(index Index, fields Fields) ([]byte, bool) {
	values := make([]string, 0, len(index.Fields))
	for _, field := range index.Fields {
		text, ok := fields[field].(string)
		if !ok {
			return nil, false
		}
		values = append(values, text)
	}
	return EncodeIndexKey(index, values...), true
}

// EncodeIndexKey builds an index entry key from explicit values.
func EncodeIndexKey(index Index, values ...string) []byte {
	var buf bytes.Buffer
	for i, value := range values {
		if i > 0 {
			buf.WriteString(indexSeparator)
		}
		if index.CaseInsensitive {
			value = strings.ToLower(value)
		}
		buf.WriteString(value)
	}
	return buf.Bytes()
}

// FindIndex returns the named index of the schema.
func FindIndex(schema Schema, name string) (Index, bool) {
	for _, index := range schema.Indices {
		if index.Name == name {
			return index, true
		}
	}
	return Index{}, false
}
