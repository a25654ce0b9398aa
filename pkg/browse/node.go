// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

// Package browse maintains the materialized path tree over repository
// content and answers path-segment navigation queries.
package browse

import (
	"context"
	"strings"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

var mon = monkit.Package()

// Error is the default browse error class.
var Error = errs.Class("browse error")

// KindNode is the stored record kind of browse nodes.
const KindNode = storage.Kind("browse_node")

// Stored field names.
const (
	FieldRepositoryName     = "repository_name"
	FieldParentPath         = "parent_path"
	FieldName               = "name"
	FieldComponent          = "component"
	FieldAsset              = "asset"
	FieldAssetNameLowercase = "asset_name_lowercase"
)

// Index names.
const (
	IndexNodeByPath      = "by_path"
	IndexNodeByAsset     = "by_asset"
	IndexNodeByComponent = "by_component"
)

// upsertAttempts bounds the optimistic retry loop for concurrent
// writers on the same path.
const upsertAttempts = 10

// Node is one segment of the browse tree, keyed by (repository,
// parentPath, name). It may reference a component, an asset, or both
// when they share the same path extent.
type Node struct {
	ID             storage.RecordID
	RepositoryName string
	ParentPath     string
	Name           string

	ComponentID        storage.RecordID
	AssetID            storage.RecordID
	AssetNameLowercase string

	// Leaf is true only when the node carries an asset and has no
	// component and no children. Computed at query time.
	Leaf bool

	version int64
}

// Path returns the node's own slash-wrapped path, which is the parent
// path of its children.
func (node *Node) Path() string {
	return node.ParentPath + node.Name + "/"
}

// Nodes is the browse node index adapter.
type Nodes struct {
	store storage.Documents
}

// NewNodes creates a browse node adapter.
func NewNodes(store storage.Documents) *Nodes {
	return &Nodes{store: store}
}

// Register ensures the browse node schema exists.
func (nodes *Nodes) Register(ctx context.Context) error {
	return nodes.store.Register(ctx, storage.Schema{
		Kind: KindNode,
		Indices: []storage.Index{
			{Name: IndexNodeByPath, Fields: []string{FieldRepositoryName, FieldParentPath, FieldName}, Unique: true},
			{Name: IndexNodeByAsset, Fields: []string{FieldAsset}},
			{Name: IndexNodeByComponent, Fields: []string{FieldComponent}},
		},
	})
}

func (nodes *Nodes) toDocument(node *Node) *storage.Document {
	fields := storage.Fields{
		FieldRepositoryName: node.RepositoryName,
		FieldParentPath:     node.ParentPath,
		FieldName:           node.Name,
	}
	if node.ComponentID != "" {
		fields[FieldComponent] = string(node.ComponentID)
	}
	if node.AssetID != "" {
		fields[FieldAsset] = string(node.AssetID)
		fields[FieldAssetNameLowercase] = node.AssetNameLowercase
	}
	return &storage.Document{ID: node.ID, Kind: KindNode, Version: node.Version(), Fields: fields}
}

func (nodes *Nodes) fromDocument(doc *storage.Document) *Node {
	repo, _ := doc.Fields[FieldRepositoryName].(string)
	parent, _ := doc.Fields[FieldParentPath].(string)
	name, _ := doc.Fields[FieldName].(string)
	component, _ := doc.Fields[FieldComponent].(string)
	asset, _ := doc.Fields[FieldAsset].(string)
	lowercase, _ := doc.Fields[FieldAssetNameLowercase].(string)
	node := &Node{
		ID:                 doc.ID,
		RepositoryName:     repo,
		ParentPath:         parent,
		Name:               name,
		ComponentID:        storage.RecordID(component),
		AssetID:            storage.RecordID(asset),
		AssetNameLowercase: lowercase,
	}
	node.version = doc.Version
	return node
}

// version is carried for optimistic edits but not part of the node's
// public identity.
func (node *Node) Version() int64 { return node.version }

// CreateComponentNode upserts the node chain for path and sets the
// component reference on the terminal node. Repeating the call, or
// racing a duplicate of it, converges to a single node chain.
func (nodes *Nodes) CreateComponentNode(ctx context.Context, repositoryName string, path []string, componentID storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return nodes.createNodeChain(ctx, repositoryName, path, func(node *Node) bool {
		if node.ComponentID == componentID {
			return false
		}
		node.ComponentID = componentID
		return true
	})
}

// CreateAssetNode upserts the node chain for path and sets the asset
// reference on the terminal node.
func (nodes *Nodes) CreateAssetNode(ctx context.Context, repositoryName string, path []string, asset *metastore.Asset) (err error) {
	defer mon.Task()(&ctx)(&err)

	lowercase := strings.ToLower(asset.Name)
	return nodes.createNodeChain(ctx, repositoryName, path, func(node *Node) bool {
		if node.AssetID == asset.ID && node.AssetNameLowercase == lowercase {
			return false
		}
		node.AssetID = asset.ID
		node.AssetNameLowercase = lowercase
		return true
	})
}

// createNodeChain upserts one node per path segment; setRef is applied
// to the terminal node only and reports whether it changed anything.
func (nodes *Nodes) createNodeChain(ctx context.Context, repositoryName string, path []string, setRef func(*Node) bool) error {
	if len(path) == 0 {
		return Error.New("empty node path")
	}
	for i, name := range path {
		parentPath := joinPath(path[:i])
		terminal := i == len(path)-1

		set := func(*Node) bool { return false }
		if terminal {
			set = setRef
		}
		if err := nodes.upsert(ctx, repositoryName, parentPath, name, set); err != nil {
			return err
		}
	}
	return nil
}

// upsert reads or creates the node at (repository, parentPath, name)
// and applies set to it, retrying on concurrent duplicate inserts and
// stale versions so that duplicate requests merge into one node.
func (nodes *Nodes) upsert(ctx context.Context, repositoryName, parentPath, name string, set func(*Node) bool) error {
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		doc, err := nodes.store.ReadByIndex(ctx, KindNode, IndexNodeByPath, repositoryName, parentPath, name)
		if storage.ErrNotFound.Has(err) {
			node := &Node{
				ID:             metastore.NewRecordID(),
				RepositoryName: repositoryName,
				ParentPath:     parentPath,
				Name:           name,
			}
			set(node)
			err = storage.AddDocument(ctx, nodes.store, nodes.toDocument(node))
			if storage.ErrDuplicateKey.Has(err) || storage.ErrConflict.Has(err) {
				continue // a concurrent writer created it first
			}
			return err
		}
		if err != nil {
			return err
		}

		node := nodes.fromDocument(doc)
		if !set(node) {
			return nil // nothing to change; the repeat call merges away
		}
		err = storage.EditDocument(ctx, nodes.store, nodes.toDocument(node))
		if storage.ErrConflict.Has(err) || storage.ErrNotFound.Has(err) {
			continue // concurrent writer or pruner; re-read and retry
		}
		return err
	}
	return storage.ErrConflict.New("browse node %s%s under contention", parentPath, name)
}

// DeleteComponentNode clears the component reference of the node
// owning componentID, pruning the node and its newly childless
// ancestors when no reference remains.
func (nodes *Nodes) DeleteComponentNode(ctx context.Context, repositoryName string, componentID storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return nodes.clearRef(ctx, repositoryName, IndexNodeByComponent, string(componentID), func(node *Node) {
		node.ComponentID = ""
	})
}

// DeleteAssetNode clears the asset reference of the node owning
// assetID, pruning the node and its newly childless ancestors when no
// reference remains.
func (nodes *Nodes) DeleteAssetNode(ctx context.Context, repositoryName string, assetID storage.RecordID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return nodes.clearRef(ctx, repositoryName, IndexNodeByAsset, string(assetID), func(node *Node) {
		node.AssetID = ""
		node.AssetNameLowercase = ""
	})
}

// clearRef is safe to call in any order relative to the corresponding
// creates: a missing owner node is not an error, and a node holding
// the other reference only loses the cleared field.
func (nodes *Nodes) clearRef(ctx context.Context, repositoryName, index, refID string, clear func(*Node)) error {
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		doc, err := nodes.store.ReadByIndex(ctx, KindNode, index, refID)
		if storage.ErrNotFound.Has(err) {
			return nil
		}
		if err != nil {
			return err
		}
		node := nodes.fromDocument(doc)
		if node.RepositoryName != repositoryName {
			return nil
		}
		clear(node)

		if node.ComponentID == "" && node.AssetID == "" {
			hasChildren, err := nodes.hasChildren(ctx, repositoryName, node.Path())
			if err != nil {
				return err
			}
			if !hasChildren {
				err := storage.DeleteDocument(ctx, nodes.store, KindNode, node.ID)
				if storage.ErrNotFound.Has(err) {
					return nil // someone else pruned it
				}
				if err != nil {
					return err
				}
				return nodes.pruneAncestors(ctx, repositoryName, node.ParentPath)
			}
		}

		err = storage.EditDocument(ctx, nodes.store, nodes.toDocument(node))
		if storage.ErrConflict.Has(err) {
			continue
		}
		return err
	}
	return storage.ErrConflict.New("browse node for %s under contention", refID)
}

// pruneAncestors walks from parentPath toward the root, deleting
// folder nodes that have become empty, and stops at the first node
// still carrying a reference or children.
func (nodes *Nodes) pruneAncestors(ctx context.Context, repositoryName, parentPath string) error {
	for {
		parent, name, ok := parentOf(parentPath)
		if !ok {
			return nil
		}

		doc, err := nodes.store.ReadByIndex(ctx, KindNode, IndexNodeByPath, repositoryName, parent, name)
		if storage.ErrNotFound.Has(err) {
			return nil
		}
		if err != nil {
			return err
		}
		node := nodes.fromDocument(doc)
		if node.ComponentID != "" || node.AssetID != "" {
			return nil
		}
		hasChildren, err := nodes.hasChildren(ctx, repositoryName, node.Path())
		if err != nil {
			return err
		}
		if hasChildren {
			return nil
		}

		err = storage.DeleteDocument(ctx, nodes.store, KindNode, node.ID)
		if err != nil && !storage.ErrNotFound.Has(err) {
			return err
		}
		parentPath = parent
	}
}

func (nodes *Nodes) hasChildren(ctx context.Context, repositoryName, path string) (bool, error) {
	children, err := nodes.store.Query(ctx, KindNode, storage.Query{
		Where: []storage.Clause{
			{Field: FieldRepositoryName, Op: storage.OpEq, Value: repositoryName},
			{Field: FieldParentPath, Op: storage.OpEq, Value: path},
		},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// DeleteByRepository deletes up to pageSize nodes of the repository
// and returns the count actually deleted. Callers loop until the
// returned count is less than pageSize, bounding per-call work.
func (nodes *Nodes) DeleteByRepository(ctx context.Context, repositoryName string, pageSize int) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	return nodes.store.DeletePage(ctx, KindNode, storage.Query{
		Where: []storage.Clause{{Field: FieldRepositoryName, Op: storage.OpEq, Value: repositoryName}},
	}, pageSize)
}

// ListOptions restrict a ListChildren query beyond the path itself.
type ListOptions struct {
	// Keyword filters on the lower-cased asset name, substring match.
	Keyword string
	// Any restricts results to nodes matching at least one clause, OR
	// the Eval predicate. Used for content-selector filtering.
	Any  []storage.Clause
	Eval func(*storage.Document) bool

	Limit int
}

// ListChildren returns the children of the node at path, ordered by
// name and de-duplicated by key, with each node's Leaf flag computed.
func (nodes *Nodes) ListChildren(ctx context.Context, repositoryName string, path []string, opts ListOptions) (_ []*Node, err error) {
	defer mon.Task()(&ctx)(&err)

	where := []storage.Clause{
		{Field: FieldRepositoryName, Op: storage.OpEq, Value: repositoryName},
		{Field: FieldParentPath, Op: storage.OpEq, Value: joinPath(path)},
	}
	if opts.Keyword != "" {
		where = append(where, storage.Clause{Field: FieldAssetNameLowercase, Op: storage.OpContains, Value: opts.Keyword})
	}

	docs, err := nodes.store.Query(ctx, KindNode, storage.Query{
		Where:   where,
		Any:     opts.Any,
		AnyEval: opts.Eval,
		OrderBy: []string{FieldName},
		Limit:   opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	result := make([]*Node, 0, len(docs))
	for _, doc := range docs {
		node := nodes.fromDocument(doc)
		if node.AssetID != "" && node.ComponentID == "" {
			hasChildren, err := nodes.hasChildren(ctx, repositoryName, node.Path())
			if err != nil {
				return nil, err
			}
			node.Leaf = !hasChildren
		}
		result = append(result, node)
	}
	return result, nil
}
