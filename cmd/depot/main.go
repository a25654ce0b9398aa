// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/depotd/depot/pkg/browse"
	"github.com/depotd/depot/pkg/metastore"
	"github.com/depotd/depot/pkg/storetx"
	"github.com/depotd/depot/storage"
	"github.com/depotd/depot/storage/badgerdocs"
	"github.com/depotd/depot/storage/boltdocs"
	"github.com/depotd/depot/storage/filestore"
	"github.com/depotd/depot/storage/storelogger"
)

// Error is the error class for depot command failures.
var Error = errs.Class("depot error")

var (
	rootCmd = &cobra.Command{
		Use:   "depot",
		Short: "Repository metadata maintenance tool",
	}
	browseCmd = &cobra.Command{
		Use:   "browse <repository> [path]",
		Short: "List browse tree children at a path",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  cmdBrowse,
	}
	purgeCmd = &cobra.Command{
		Use:   "purge <repository>",
		Short: "Delete a repository's metadata and browse tree",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdPurge,
	}
	statCmd = &cobra.Command{
		Use:   "stat <repository>",
		Short: "Print repository metadata counts",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdStat,
	}
)

func init() {
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("backend", "bolt", "document store backend (bolt or badger)")
	flags.String("db", "depot.db", "document store path")
	flags.String("blobs", "blobs", "blob store directory")
	browseCmd.Flags().Int("limit", 100, "maximum nodes to list")
	browseCmd.Flags().String("keyword", "", "filter assets by name substring")
	purgeCmd.Flags().Int("page-size", 500, "records deleted per page")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("depot")
	viper.AutomaticEnv()
}

func openStore(log *zap.Logger) (storage.Documents, error) {
	path := viper.GetString("db")
	switch backend := viper.GetString("backend"); backend {
	case "bolt":
		client, err := boltdocs.New(path)
		if err != nil {
			return nil, err
		}
		return storelogger.New(log.Named("boltdocs"), client), nil
	case "badger":
		client, err := badgerdocs.New(path)
		if err != nil {
			return nil, err
		}
		return storelogger.New(log.Named("badgerdocs"), client), nil
	default:
		return nil, Error.New("unknown backend %q", backend)
	}
}

func openDB(log *zap.Logger) (*storetx.DB, storage.Documents, error) {
	store, err := openStore(log)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := filestore.NewAt(viper.GetString("blobs"))
	if err != nil {
		return nil, nil, errs.Combine(err, store.Close())
	}
	db := storetx.New(log, store, blobs, storetx.DefaultDeconfliction())
	if err := db.RegisterSchemas(context.Background()); err != nil {
		return nil, nil, errs.Combine(err, store.Close())
	}
	return db, store, nil
}

// allowAll grants the coarse view permission; the maintenance tool
// runs with full visibility.
type allowAll struct{}

func (allowAll) CanViewRepository(context.Context, string, string) bool { return true }

// noSelectors is consulted only when the view permission is denied.
type noSelectors struct{}

func (noSelectors) BrowseActive(context.Context, []string, []string) ([]browse.Selector, error) {
	return nil, nil
}

func cmdBrowse(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L()

	_, store, err := openDB(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	nodes := browse.NewNodes(store)
	if err := nodes.Register(ctx); err != nil {
		return err
	}

	repositoryName := args[0]
	var path []string
	if len(args) > 1 {
		path = splitSegments(args[1])
	}

	repos := browse.StaticRepositories{
		repositoryName: {Name: repositoryName, Kind: browse.KindHosted},
	}
	bstore := browse.NewStore(log, nodes, repos, allowAll{}, noSelectors{}, browse.Config{})

	limit, _ := cmd.Flags().GetInt("limit")
	keyword, _ := cmd.Flags().GetString("keyword")
	children, err := bstore.GetByPath(ctx, repositoryName, path, limit, keyword)
	if err != nil {
		return err
	}

	for _, node := range children {
		marker := "/"
		if node.Leaf {
			marker = ""
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", node.Name, marker)
	}
	return nil
}

func cmdPurge(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L()

	db, store, err := openDB(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	nodes := browse.NewNodes(store)
	if err := nodes.Register(ctx); err != nil {
		return err
	}

	repositoryName := args[0]
	if err := db.DeleteBucket(ctx, repositoryName); err != nil {
		return err
	}

	pageSize, _ := cmd.Flags().GetInt("page-size")
	repos := browse.StaticRepositories{
		repositoryName: {Name: repositoryName, Kind: browse.KindHosted},
	}
	bstore := browse.NewStore(log, nodes, repos, allowAll{}, noSelectors{}, browse.Config{DeletePageSize: pageSize})

	sweeper := storetx.NewSweeper(log, db, storetx.SweeperConfig{PageSize: pageSize})
	sweeper.OnPurge = bstore.DeleteByRepository
	if err := sweeper.Sweep(ctx); err != nil {
		return err
	}
	log.Info("repository purged", zap.String("repository", repositoryName))
	return nil
}

func cmdStat(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L()

	db, store, err := openDB(log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	repositoryName := args[0]
	bucket, err := db.Buckets().FindByRepositoryName(ctx, repositoryName)
	if err != nil {
		return err
	}

	components := metastore.NewComponents(store)
	assets := metastore.NewAssets(store)

	componentList, err := components.BrowseByBuckets(ctx, []storage.RecordID{bucket.ID}, 0)
	if err != nil {
		return err
	}
	assetList, err := assets.BrowseByBuckets(ctx, []storage.RecordID{bucket.ID}, 0)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "repository: %s\n", repositoryName)
	fmt.Fprintf(out, "bucket:     %s\n", bucket.ID)
	fmt.Fprintf(out, "components: %d\n", len(componentList))
	fmt.Fprintf(out, "assets:     %d\n", len(assetList))
	return nil
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("depot failed", zap.Error(err))
	}
}
