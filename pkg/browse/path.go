// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package browse

import (
	"strings"
)

// RootPath is the parent path of top-level nodes. Ancestry is derived
// purely from path strings; nodes carry no parent links.
const RootPath = "/"

// joinPath renders path segments as a parent-path string, always
// slash-wrapped: [] -> "/", ["org","sonatype"] -> "/org/sonatype/".
func joinPath(segments []string) string {
	if len(segments) == 0 {
		return RootPath
	}
	return "/" + strings.Join(segments, "/") + "/"
}

// splitPath is the inverse of joinPath.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// parentOf returns the parent path and the final segment of a
// slash-wrapped path. The root has no parent.
func parentOf(path string) (parent, name string, ok bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", "", false
	}
	return joinPath(segments[:len(segments)-1]), segments[len(segments)-1], true
}
