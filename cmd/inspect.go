package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/chain"
	"github.com/ntic-sm/istabot/pkg/logging"
	"github.com/ntic-sm/istabot/pkg/retriever"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect the indexed knowledge collections",
	Long: `Prints per-collection document counts and, for the structured
knowledge collection, a breakdown by entry type.

Example:
  istabot inspect
  istabot inspect --query "emploi du temps DEV101"`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringP("query", "q", "", "also run a ranked test retrieval for this query")
	inspectCmd.Flags().Int("top", 5, "candidates to show for --query")
}

func runInspect(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	top, _ := cmd.Flags().GetInt("top")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New("warn", cfg.Logging.Encoding)
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

	fmt.Printf("Store:    %s\n", storeLabel(cfg.Store.Backend))
	fmt.Printf("Embedder: %s (dimension %d)\n", embedder.Name(), embedder.Dimension())
	fmt.Println()

	var collections []vectorstore.Collection
	for _, name := range []string{vectorstore.WebsiteCollection, vectorstore.KnowledgeCollection} {
		coll, err := store.OpenOrCreate(ctx, name, embedder.Dimension(), embedder.Name())
		if err != nil {
			fmt.Printf("%-20s unavailable: %v\n", name, err)
			continue
		}
		collections = append(collections, coll)

		n, err := coll.Count(ctx)
		if err != nil {
			fmt.Printf("%-20s count failed: %v\n", name, err)
			continue
		}
		fmt.Printf("%-20s %d documents\n", name, n)

		if name == vectorstore.KnowledgeCollection && n > 0 {
			printTypeBreakdown(ctx, coll)
		}
	}

	if query != "" {
		printTestRetrieval(ctx, embedder, collections, logger, query, top)
	}
	return nil
}

func storeLabel(backend string) string {
	if backend == "" {
		return "local"
	}
	return backend
}

// printTypeBreakdown counts structured entries per type tag.
func printTypeBreakdown(ctx context.Context, coll vectorstore.Collection) {
	docs, err := coll.GetAll(ctx)
	if err != nil {
		fmt.Printf("  (type breakdown unavailable: %v)\n", err)
		return
	}

	counts := map[string]int{}
	for _, doc := range docs {
		t := doc.MetaString("type")
		if t == "" {
			t = "(untyped)"
		}
		counts[t]++
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("  %-18s %d\n", k, counts[k])
	}
}

// printTestRetrieval shows the ranked candidates for one query, the way
// the engine would see them.
func printTestRetrieval(ctx context.Context, embedder embedding.Provider, collections []vectorstore.Collection, logger *zap.Logger, query string, top int) {
	r := retriever.New(embedder, collections, retriever.Config{Logger: logger})

	fmt.Println()
	fmt.Printf("Test retrieval: %q\n", query)

	scored := r.Search(ctx, query, top)
	if len(scored) == 0 {
		fmt.Println("  no candidates")
		return
	}

	for i, s := range scored {
		text := s.Candidate.Document.Text
		if len(text) > 90 {
			text = text[:90] + "..."
		}
		fmt.Printf("  %d. [%.3f] (%s) %s\n", i+1, s.Final, s.Candidate.Collection, text)
	}
}
