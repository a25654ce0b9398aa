// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package browse

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
)

// RepositoryKind distinguishes repositories that store content from
// repositories that aggregate other repositories.
type RepositoryKind string

const (
	// KindHosted repositories own their content.
	KindHosted = RepositoryKind("hosted")
	// KindGroup repositories aggregate member repositories.
	KindGroup = RepositoryKind("group")
)

// Repository describes one browsable repository.
type Repository struct {
	Name   string
	Format string
	Kind   RepositoryKind

	// MemberNames lists direct members, for group repositories only.
	// Members may themselves be groups.
	MemberNames []string
}

// Repositories resolves repository names to their configuration.
type Repositories interface {
	Get(ctx context.Context, name string) (*Repository, error)
}

// StaticRepositories is a Repositories backed by a fixed map.
type StaticRepositories map[string]*Repository

// Get implements Repositories.
func (repos StaticRepositories) Get(ctx context.Context, name string) (*Repository, error) {
	repo, ok := repos[name]
	if !ok {
		return nil, Error.New("unknown repository %q", name)
	}
	return repo, nil
}

// SecurityHelper answers coarse repository-level permission checks.
type SecurityHelper interface {
	// CanViewRepository reports whether the caller may browse the
	// whole repository without per-node selector filtering.
	CanViewRepository(ctx context.Context, repositoryName, format string) bool
}

// Selector restricts which nodes a caller may see. A selector is
// structured when it translates into index clauses, and free-form
// when it must be evaluated per stored node.
type Selector struct {
	Name string

	// Clauses is the structured form; matching any clause grants
	// visibility.
	Clauses []storage.Clause
	// Evaluate is the free-form form, consulted when Clauses is empty.
	Evaluate func(*storage.Document) bool
}

// SelectorManager supplies the active content selectors for a set of
// repositories and formats.
type SelectorManager interface {
	BrowseActive(ctx context.Context, repositoryNames, formats []string) ([]Selector, error)
}

// deleteByRepositoryPageSize bounds per-call work when wiping a
// repository's tree.
const deleteByRepositoryPageSize = 1000

// Config carries the per-format extension points, resolved once at
// construction.
type Config struct {
	// Filters vetoes node visibility per format.
	Filters map[string]NodeFilter
	// Comparators orders nodes per format; DefaultComparator applies
	// otherwise.
	Comparators map[string]NodeComparator

	DeletePageSize int
}

// Store is the permission- and selector-aware browse façade over the
// node index.
type Store struct {
	log          *zap.Logger
	nodes        *Nodes
	repositories Repositories
	security     SecurityHelper
	selectors    SelectorManager
	config       Config
}

// NewStore creates a browse store.
func NewStore(log *zap.Logger, nodes *Nodes, repositories Repositories, security SecurityHelper, selectors SelectorManager, config Config) *Store {
	if config.DeletePageSize <= 0 {
		config.DeletePageSize = deleteByRepositoryPageSize
	}
	return &Store{
		log:          log,
		nodes:        nodes,
		repositories: repositories,
		security:     security,
		selectors:    selectors,
		config:       config,
	}
}

// GetByPath returns up to maxNodes visible children of path within the
// repository, filtered, de-duplicated and sorted for display. With no
// coarse view permission and no active selector, nothing is visible.
func (store *Store) GetByPath(ctx context.Context, repositoryName string, path []string, maxNodes int, keyword string) (_ []*Node, err error) {
	defer mon.Task()(&ctx)(&err)

	repo, err := store.repositories.Get(ctx, repositoryName)
	if err != nil {
		return nil, err
	}

	opts := ListOptions{
		Keyword: strings.ToLower(keyword),
		Limit:   maxNodes,
	}
	if !store.security.CanViewRepository(ctx, repo.Name, repo.Format) {
		selectors, err := store.selectors.BrowseActive(ctx, []string{repo.Name}, []string{repo.Format})
		if err != nil {
			return nil, err
		}
		if len(selectors) == 0 {
			return nil, nil
		}
		opts.Any, opts.Eval = partitionSelectors(selectors)
	}

	var result []*Node
	if repo.Kind == KindGroup {
		result, err = store.queryGroup(ctx, repo, path, opts)
	} else {
		result, err = store.nodes.ListChildren(ctx, repo.Name, path, opts)
	}
	if err != nil {
		return nil, err
	}

	if filter, ok := store.config.Filters[repo.Format]; ok {
		kept := result[:0]
		for _, node := range result {
			if filter(node) {
				kept = append(kept, node)
			}
		}
		result = kept
	}

	compare := DefaultComparator
	if comparator, ok := store.config.Comparators[repo.Format]; ok {
		compare = comparator
	}
	sort.SliceStable(result, func(i, j int) bool {
		return compare(result[i], result[j]) < 0
	})
	return result, nil
}

// partitionSelectors splits selectors into index clauses, ORed
// together, and a single free-form evaluation covering the rest.
func partitionSelectors(selectors []Selector) (any []storage.Clause, eval func(*storage.Document) bool) {
	var evals []func(*storage.Document) bool
	for _, selector := range selectors {
		if len(selector.Clauses) > 0 {
			any = append(any, selector.Clauses...)
			continue
		}
		if selector.Evaluate != nil {
			evals = append(evals, selector.Evaluate)
		}
	}
	if len(evals) > 0 {
		eval = func(doc *storage.Document) bool {
			for _, fn := range evals {
				if fn(doc) {
					return true
				}
			}
			return false
		}
	}
	return any, eval
}

// queryGroup merges member results with first-one-wins de-duplication
// on (parentPath, name). Members are queried lazily in order; once the
// merged set reaches the limit, remaining members are not consulted.
func (store *Store) queryGroup(ctx context.Context, group *Repository, path []string, opts ListOptions) ([]*Node, error) {
	members, err := store.leafMembers(ctx, group, map[string]bool{group.Name: true})
	if err != nil {
		return nil, err
	}

	var merged []*Node
	seen := make(map[[2]string]bool)
	for _, member := range members {
		if opts.Limit > 0 && len(merged) >= opts.Limit {
			break
		}
		nodes, err := store.nodes.ListChildren(ctx, member.Name, path, opts)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			key := [2]string{node.ParentPath, node.Name}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, node)
			if opts.Limit > 0 && len(merged) >= opts.Limit {
				break
			}
		}
	}
	return merged, nil
}

// leafMembers flattens the group's membership, depth-first in
// configured order, skipping repositories already visited so member
// cycles terminate.
func (store *Store) leafMembers(ctx context.Context, group *Repository, visited map[string]bool) ([]*Repository, error) {
	var leaves []*Repository
	for _, name := range group.MemberNames {
		if visited[name] {
			continue
		}
		visited[name] = true

		member, err := store.repositories.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if member.Kind == KindGroup {
			nested, err := store.leafMembers(ctx, member, visited)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, nested...)
			continue
		}
		leaves = append(leaves, member)
	}
	return leaves, nil
}

// CreateComponentNode delegates to the index.
func (store *Store) CreateComponentNode(ctx context.Context, repositoryName string, path []string, componentID storage.RecordID) error {
	return store.nodes.CreateComponentNode(ctx, repositoryName, path, componentID)
}

// CreateAssetNode delegates to the index.
func (store *Store) CreateAssetNode(ctx context.Context, repositoryName string, path []string, asset *metastore.Asset) error {
	return store.nodes.CreateAssetNode(ctx, repositoryName, path, asset)
}

// DeleteComponentNode delegates to the index.
func (store *Store) DeleteComponentNode(ctx context.Context, repositoryName string, componentID storage.RecordID) error {
	return store.nodes.DeleteComponentNode(ctx, repositoryName, componentID)
}

// DeleteAssetNode delegates to the index.
func (store *Store) DeleteAssetNode(ctx context.Context, repositoryName string, assetID storage.RecordID) error {
	return store.nodes.DeleteAssetNode(ctx, repositoryName, assetID)
}

// DeleteByRepository removes the repository's entire tree page by
// page, checking for cancellation between pages. Pages already deleted
// stay deleted when the operation is interrupted.
func (store *Store) DeleteByRepository(ctx context.Context, repositoryName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		select {
		case <-ctx.Done():
			return storage.ErrInterrupted.Wrap(ctx.Err())
		default:
		}

		deleted, err := store.nodes.DeleteByRepository(ctx, repositoryName, store.config.DeletePageSize)
		if err != nil {
			return err
		}
		store.log.Debug("deleted browse node page",
			zap.String("repository", repositoryName),
			zap.Int("count", deleted))
		if deleted < store.config.DeletePageSize {
			return nil
		}
	}
}
