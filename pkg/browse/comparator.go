// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package browse

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// NodeComparator orders sibling nodes for display. Negative means a
// sorts before b.
type NodeComparator func(a, b *Node) int

// NodeFilter vetoes node visibility after permission checks; false
// drops the node.
type NodeFilter func(node *Node) bool

// DefaultComparator sorts folders before components and assets. Within
// a group, component nodes compare version-aware so that "1.10" sorts
// after "1.9"; everything else compares by plain name.
func DefaultComparator(a, b *Node) int {
	aFolder, bFolder := isFolder(a), isFolder(b)
	if aFolder != bFolder {
		if aFolder {
			return -1
		}
		return 1
	}
	if a.ComponentID != "" && b.ComponentID != "" {
		return compareVersions(a.Name, b.Name)
	}
	return strings.Compare(a.Name, b.Name)
}

func isFolder(node *Node) bool {
	return node.AssetID == "" && node.ComponentID == ""
}

func compareVersions(a, b string) int {
	av, aerr := goversion.NewVersion(a)
	bv, berr := goversion.NewVersion(b)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	return av.Compare(bv)
}
