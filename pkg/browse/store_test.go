// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package browse_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/depotd/depot/internal/testcontext"
	"github.com/depotd/depot/pkg/browse"
	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/storage"
	"github.com/depotd/depot/storage/teststore"
)

type security bool

func (allowed security) CanViewRepository(context.Context, string, string) bool {
	return bool(allowed)
}

type selectors []browse.Selector

func (active selectors) BrowseActive(context.Context, []string, []string) ([]browse.Selector, error) {
	return active, nil
}

func newStore(t *testing.T, ctx *testcontext.Context, repos browse.StaticRepositories, allowed security, active selectors, config browse.Config) (*browse.Store, *browse.Nodes, *teststore.Client) {
	store := teststore.New()
	nodes := browse.NewNodes(store)
	require.NoError(t, nodes.Register(ctx))
	return browse.NewStore(zaptest.NewLogger(t), nodes, repos, allowed, active, config), nodes, store
}

func hosted(name string) *browse.Repository {
	return &browse.Repository{Name: name, Format: "maven2", Kind: browse.KindHosted}
}

func TestGetByPathPermission(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	repos := browse.StaticRepositories{"test-repo": hosted("test-repo")}

	t.Run("NoSelectorsNothingVisible", func(t *testing.T) {
		store, nodes, _ := newStore(t, ctx, repos, false, nil, browse.Config{})
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.jar"}, testAsset("demo.jar")))

		result, err := store.GetByPath(ctx, "test-repo", nil, 100, "")
		require.NoError(t, err)
		require.Empty(t, result)
	})

	t.Run("StructuredSelector", func(t *testing.T) {
		active := selectors{{
			Name: "jars-only",
			Clauses: []storage.Clause{
				{Field: "asset_name_lowercase", Op: storage.OpContains, Value: ".jar"},
			},
		}}
		store, nodes, _ := newStore(t, ctx, repos, false, active, browse.Config{})
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.jar"}, testAsset("demo.jar")))
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.pom"}, testAsset("demo.pom")))

		result, err := store.GetByPath(ctx, "test-repo", nil, 100, "")
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.Equal(t, "demo.jar", result[0].Name)
	})

	t.Run("FreeFormSelector", func(t *testing.T) {
		active := selectors{{
			Name: "poms-only",
			Evaluate: func(doc *storage.Document) bool {
				name, _ := doc.Fields["asset_name_lowercase"].(string)
				return name == "demo.pom"
			},
		}}
		store, nodes, _ := newStore(t, ctx, repos, false, active, browse.Config{})
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.jar"}, testAsset("demo.jar")))
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.pom"}, testAsset("demo.pom")))

		result, err := store.GetByPath(ctx, "test-repo", nil, 100, "")
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.Equal(t, "demo.pom", result[0].Name)
	})

	t.Run("CoarsePermissionBypassesSelectors", func(t *testing.T) {
		store, nodes, _ := newStore(t, ctx, repos, true, nil, browse.Config{})
		require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.jar"}, testAsset("demo.jar")))

		result, err := store.GetByPath(ctx, "test-repo", nil, 100, "")
		require.NoError(t, err)
		require.Len(t, result, 1)
	})
}

func TestGetByPathSorting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	repos := browse.StaticRepositories{"test-repo": hosted("test-repo")}
	store, nodes, _ := newStore(t, ctx, repos, true, nil, browse.Config{})

	// version nodes sort version-aware, folders come first
	require.NoError(t, nodes.CreateComponentNode(ctx, "test-repo", []string{"demo", "1.10"}, metastore.NewRecordID()))
	require.NoError(t, nodes.CreateComponentNode(ctx, "test-repo", []string{"demo", "1.9"}, metastore.NewRecordID()))
	require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo", "docs", "readme.txt"}, testAsset("demo/docs/readme.txt")))

	result, err := store.GetByPath(ctx, "test-repo", []string{"demo"}, 100, "")
	require.NoError(t, err)
	names := make([]string, 0, len(result))
	for _, node := range result {
		names = append(names, node.Name)
	}
	require.Equal(t, []string{"docs", "1.9", "1.10"}, names)
}

func TestGetByPathFilter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	repos := browse.StaticRepositories{"test-repo": hosted("test-repo")}
	config := browse.Config{
		Filters: map[string]browse.NodeFilter{
			"maven2": func(node *browse.Node) bool {
				// the format hides its internal index files
				return node.Name != ".index"
			},
		},
	}
	store, nodes, _ := newStore(t, ctx, repos, true, nil, config)

	require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{".index"}, testAsset(".index")))
	require.NoError(t, nodes.CreateAssetNode(ctx, "test-repo", []string{"demo.jar"}, testAsset("demo.jar")))

	result, err := store.GetByPath(ctx, "test-repo", nil, 100, "")
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, "demo.jar", result[0].Name)
}

func TestGetByPathGroup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	repos := browse.StaticRepositories{
		"group": {Name: "group", Format: "maven2", Kind: browse.KindGroup, MemberNames: []string{"member-1", "member-2"}},
		"member-1": hosted("member-1"),
		"member-2": hosted("member-2"),
	}
	store, nodes, client := newStore(t, ctx, repos, true, nil, browse.Config{})

	require.NoError(t, nodes.CreateComponentNode(ctx, "member-1", []string{"alpha"}, metastore.NewRecordID()))
	require.NoError(t, nodes.CreateComponentNode(ctx, "member-1", []string{"bravo"}, metastore.NewRecordID()))
	require.NoError(t, nodes.CreateComponentNode(ctx, "member-2", []string{"bravo"}, metastore.NewRecordID()))
	require.NoError(t, nodes.CreateComponentNode(ctx, "member-2", []string{"charlie"}, metastore.NewRecordID()))

	// the first member's node wins on a shared path
	result, err := store.GetByPath(ctx, "group", nil, 100, "")
	require.NoError(t, err)
	require.Len(t, result, 3)
	byName := map[string]*browse.Node{}
	for _, node := range result {
		byName[node.Name] = node
	}
	require.Equal(t, "member-1", byName["bravo"].RepositoryName)
	require.Equal(t, "member-2", byName["charlie"].RepositoryName)

	// a satisfied limit stops member querying early
	queries := client.CallCount.Query
	result, err = store.GetByPath(ctx, "group", nil, 2, "")
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, queries+1, client.CallCount.Query)
}

func TestStoreDeleteByRepository(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	repos := browse.StaticRepositories{"doomed": hosted("doomed")}
	store, nodes, client := newStore(t, ctx, repos, true, nil, browse.Config{DeletePageSize: 5})

	for i := 0; i < 12; i++ {
		name := string(rune('a'+i)) + ".jar"
		require.NoError(t, nodes.CreateAssetNode(ctx, "doomed", []string{name}, testAsset(name)))
	}

	pages := client.CallCount.DeletePage
	require.NoError(t, store.DeleteByRepository(ctx, "doomed"))
	require.Equal(t, pages+3, client.CallCount.DeletePage)
	require.Empty(t, listNames(t, ctx, nodes, "doomed"))

	// cancellation interrupts between pages
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := store.DeleteByRepository(canceled, "doomed")
	require.True(t, storage.ErrInterrupted.Has(err))
}
