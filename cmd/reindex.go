package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/chain"
	"github.com/ntic-sm/istabot/pkg/ingest"
	"github.com/ntic-sm/istabot/pkg/logging"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild collections under the active embedding provider",
	Long: `Re-embeds every document of a collection with the currently latched
embedding provider and rebuilds the collection in place.

Collections are bound to the provider they were built under; after
switching providers (say from the hosted API to the local encoder) the
old vectors are unreadable and this command migrates them.

Example:
  istabot reindex
  istabot reindex --collection website_content`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)

	reindexCmd.Flags().StringP("collection", "c", "", "collection to rebuild (default: all)")
	reindexCmd.Flags().IntP("workers", "w", 0, "number of indexing workers (0 = NumCPU)")
	reindexCmd.Flags().IntP("batch-size", "b", 100, "documents per store write")
}

func runReindex(cmd *cobra.Command, args []string) error {
	target, _ := cmd.Flags().GetString("collection")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()

	embedder := embedding.NewCachedProvider(chain.New(ctx, chain.Config{
		Primary:       cfg.Embedding.Primary,
		HFAPIKey:      cfg.Embedding.HFAPIKey,
		OllamaBaseURL: cfg.Embedding.OllamaBaseURL,
		Logger:        logger,
	}), cfg.Embedding.CacheSize)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	opener, ok := store.(vectorstore.Opener)
	if !ok {
		return fmt.Errorf("the %s backend cannot open collections built under another provider", storeLabel(cfg.Store.Backend))
	}

	names := []string{vectorstore.WebsiteCollection, vectorstore.KnowledgeCollection}
	if target != "" {
		names = []string{target}
	}

	pipeline := ingest.NewPipeline(embedder, ingest.Config{
		BatchSize: batchSize,
		Workers:   workers,
		Logger:    logger,
	})

	for _, name := range names {
		if err := reindexCollection(ctx, store, opener, embedder, pipeline, name); err != nil {
			return err
		}
	}
	return nil
}

// reindexCollection reads a collection raw, drops it and rebuilds it
// with fresh embeddings from the active provider.
func reindexCollection(ctx context.Context, store vectorstore.Store, opener vectorstore.Opener, embedder embedding.Provider, pipeline *ingest.Pipeline, name string) error {
	old, err := opener.Open(ctx, name)
	if err != nil {
		if errors.Is(err, vectorstore.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "%s: not found, skipping\n", name)
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}

	docs, err := old.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(docs) == 0 {
		fmt.Fprintf(os.Stderr, "%s: empty, skipping\n", name)
		return nil
	}

	// Old vectors are meaningless under the new provider.
	for i := range docs {
		docs[i].Embedding = nil
	}

	fmt.Fprintf(os.Stderr, "Rebuilding %s (%d documents) under %s...\n", name, len(docs), embedder.Name())

	if err := store.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	coll, err := store.OpenOrCreate(ctx, name, embedder.Dimension(), embedder.Name())
	if err != nil {
		return fmt.Errorf("failed to recreate %s: %w", name, err)
	}

	return runIndexing(ctx, pipeline, coll, docs)
}
