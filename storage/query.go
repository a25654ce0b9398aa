// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package storage

import (
	"sort"
	"strings"
)

// CompareOp is a clause comparison operator.
type CompareOp int

// Clause operators.
const (
	OpEq CompareOp = iota
	OpNotEq
	OpContains // case-insensitive substring
	OpPrefix
	OpIsNull
	OpNotNull
)

// Clause is a single field predicate.
type Clause struct {
	Field string
	Op    CompareOp
	Value string
}

// Query selects documents of one kind. All clauses in Where must
// match. If Any or AnyEval is set, at least one Any clause or the
// AnyEval predicate must additionally match. When BucketField is set
// the document's bucket field must be one of Buckets; an empty Buckets
// set short-circuits to an empty result without touching the backend.
type Query struct {
	Where   []Clause
	Any     []Clause
	AnyEval func(*Document) bool

	BucketField string
	Buckets     []RecordID

	OrderBy []string
	Limit   int
}

// Empty reports whether the query can be answered without a scan.
func (q Query) Empty() bool {
	return q.BucketField != "" && len(q.Buckets) == 0
}

// Matches reports whether doc satisfies the query, ignoring OrderBy
// and Limit. Shared by backends so clause semantics cannot drift.
func (q Query) Matches(doc *Document) bool {
	if q.BucketField != "" {
		bucket, _ := doc.Fields[q.BucketField].(string)
		found := false
		for _, id := range q.Buckets {
			if RecordID(bucket) == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, clause := range q.Where {
		if !clause.matches(doc) {
			return false
		}
	}

	if len(q.Any) == 0 && q.AnyEval == nil {
		return true
	}
	for _, clause := range q.Any {
		if clause.matches(doc) {
			return true
		}
	}
	return q.AnyEval != nil && q.AnyEval(doc)
}

func (clause Clause) matches(doc *Document) bool {
	value, ok := doc.Fields[clause.Field]
	text, isText := value.(string)

	switch clause.Op {
	case OpEq:
		return isText && text == clause.Value
	case OpNotEq:
		return !isText || text != clause.Value
	case OpContains:
		return isText && strings.Contains(strings.ToLower(text), strings.ToLower(clause.Value))
	case OpPrefix:
		return isText && strings.HasPrefix(text, clause.Value)
	case OpIsNull:
		return !ok || value == nil
	case OpNotNull:
		return ok && value != nil
	}
	return false
}

// Sort orders docs by the query's OrderBy fields (string comparison,
// missing values first) with ID as the final tie-breaker, then
// truncates to Limit.
func (q Query) Sort(docs []*Document) []*Document {
	sort.Slice(docs, func(i, k int) bool {
		for _, field := range q.OrderBy {
			a, _ := docs[i].Fields[field].(string)
			b, _ := docs[k].Fields[field].(string)
			if a != b {
				return a < b
			}
		}
		return docs[i].ID < docs[k].ID
	})
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}
