package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ntic-sm/istabot/pkg/dedup"
	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/chain"
	"github.com/ntic-sm/istabot/pkg/ingest"
	"github.com/ntic-sm/istabot/pkg/logging"
	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index knowledge manifests into the vector store",
	Long: `Reads institutional knowledge and scraped-site manifests, flattens
them into retrievable documents, embeds them and writes them to the
configured vector store.

The structured knowledge collection is rebuilt from scratch on every
run so stale entries (old timetables, past exam dates) never linger.
Website pages are upserted in place, optionally deduplicated first.

Example:
  istabot ingest --knowledge ista_knowledge.json
  istabot ingest --pages site_pages.json --dedup
  istabot ingest --knowledge ista_knowledge.json --pages site_pages.json`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringP("knowledge", "k", "", "path to the institutional knowledge manifest (JSON)")
	ingestCmd.Flags().String("pages", "", "path to the scraped-site pages manifest (JSON)")

	ingestCmd.Flags().Bool("dedup", false, "drop near-duplicate page chunks before indexing")
	ingestCmd.Flags().Float64P("threshold", "t", 0.05, "cosine distance threshold for duplicates")

	ingestCmd.Flags().IntP("workers", "w", 0, "number of indexing workers (0 = NumCPU)")
	ingestCmd.Flags().IntP("batch-size", "b", 100, "documents per store write")
}

func runIngest(cmd *cobra.Command, args []string) error {
	knowledgePath, _ := cmd.Flags().GetString("knowledge")
	pagesPath, _ := cmd.Flags().GetString("pages")
	dedupEnabled, _ := cmd.Flags().GetBool("dedup")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	if knowledgePath == "" && pagesPath == "" {
		return fmt.Errorf("nothing to ingest: pass --knowledge and/or --pages")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

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

	pipeline := ingest.NewPipeline(embedder, ingest.Config{
		BatchSize: batchSize,
		Workers:   workers,
		Logger:    logger,
	})

	if knowledgePath != "" {
		if err := ingestKnowledge(ctx, store, embedder, pipeline, knowledgePath); err != nil {
			return err
		}
	}
	if pagesPath != "" {
		if err := ingestPages(ctx, store, embedder, pipeline, pagesPath, dedupEnabled, threshold, workers); err != nil {
			return err
		}
	}
	return nil
}

// ingestKnowledge rebuilds the structured knowledge collection from a
// manifest file. Delete-then-recreate keeps ids dense and drops entries
// removed from the manifest.
func ingestKnowledge(ctx context.Context, store vectorstore.Store, embedder embedding.Provider, pipeline *ingest.Pipeline, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read knowledge manifest: %w", err)
	}
	k, err := ingest.ParseKnowledge(raw)
	if err != nil {
		return err
	}
	docs := ingest.Flatten(k)
	if len(docs) == 0 {
		fmt.Fprintln(os.Stderr, "Knowledge manifest produced no documents, leaving collection untouched.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Rebuilding %s with %d documents...\n", vectorstore.KnowledgeCollection, len(docs))

	if err := store.Delete(ctx, vectorstore.KnowledgeCollection); err != nil && !errors.Is(err, vectorstore.ErrNotFound) {
		return fmt.Errorf("failed to drop old knowledge collection: %w", err)
	}
	coll, err := store.OpenOrCreate(ctx, vectorstore.KnowledgeCollection, embedder.Dimension(), embedder.Name())
	if err != nil {
		return fmt.Errorf("failed to create knowledge collection: %w", err)
	}

	return runIndexing(ctx, pipeline, coll, docs)
}

// ingestPages indexes scraped site pages, optionally dropping
// near-duplicate chunks first.
func ingestPages(ctx context.Context, store vectorstore.Store, embedder embedding.Provider, pipeline *ingest.Pipeline, path string, dedupEnabled bool, threshold float64, workers int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pages manifest: %w", err)
	}
	pages, err := ingest.ParsePages(raw)
	if err != nil {
		return err
	}
	docs := ingest.PageDocuments(pages)
	if len(docs) == 0 {
		fmt.Fprintln(os.Stderr, "Pages manifest produced no documents, nothing to do.")
		return nil
	}

	if dedupEnabled {
		docs, err = dropDuplicates(ctx, embedder, docs, threshold, workers)
		if err != nil {
			return err
		}
	}

	coll, err := store.OpenOrCreate(ctx, vectorstore.WebsiteCollection, embedder.Dimension(), embedder.Name())
	if err != nil {
		return fmt.Errorf("failed to open website collection: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Indexing %d page documents into %s...\n", len(docs), vectorstore.WebsiteCollection)
	return runIndexing(ctx, pipeline, coll, docs)
}

// dropDuplicates embeds the documents and filters near-identical ones.
// The embedding cache makes the later indexing pass free of re-embeds.
func dropDuplicates(ctx context.Context, embedder embedding.Provider, docs []types.Document, threshold float64, workers int) ([]types.Document, error) {
	fmt.Fprintf(os.Stderr, "Deduplicating %d page documents...\n", len(docs))

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding for deduplication failed: %w", err)
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}

	engine := dedup.NewEngine(dedup.Config{
		Threshold: threshold,
		Workers:   workers,
	})
	result, err := engine.Deduplicate(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("deduplication failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Deduplication complete: %d unique documents (removed %d, %.1f%% savings)\n",
		len(result.UniqueDocuments), result.DuplicateCount, result.SavingsPercent())
	return result.UniqueDocuments, nil
}

// runIndexing drives the pipeline with a progress bar and prints the
// final summary.
func runIndexing(ctx context.Context, pipeline *ingest.Pipeline, coll vectorstore.Collection, docs []types.Document) error {
	bar := progressbar.NewOptions64(
		int64(len(docs)),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	var lastDone int64
	progressFn := func(stats ingest.Stats) {
		current := stats.IndexedDocuments + stats.FailedDocuments
		delta := current - lastDone
		if delta > 0 {
			_ = bar.Add64(delta)
			lastDone = current
		}
	}

	stats, err := pipeline.IngestDocuments(ctx, coll, docs, progressFn)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	fmt.Println()
	fmt.Printf("=== %s ===\n", coll.Name())
	fmt.Println()
	fmt.Printf("Documents indexed:   %d\n", stats.IndexedDocuments)
	fmt.Printf("Documents failed:    %d\n", stats.FailedDocuments)
	fmt.Printf("Batches processed:   %d\n", stats.BatchesProcessed)
	fmt.Printf("Duration:            %v\n", stats.Duration().Round(time.Millisecond))
	fmt.Printf("Throughput:          %.0f docs/sec\n", stats.DocumentsPerSecond())
	fmt.Println()

	if stats.FailedDocuments > 0 {
		return fmt.Errorf("%d documents failed to index", stats.FailedDocuments)
	}
	return nil
}
