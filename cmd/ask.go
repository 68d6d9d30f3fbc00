package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ntic-sm/istabot/pkg/types"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant one question from the command line",
	Long: `Streams an answer to stdout using the same pipeline the server
runs: retrieval over the indexed collections, grounded generation with
provider failover, and source citations.

Example:
  istabot ask "Quel est l'emploi du temps de DEV101 lundi ?"
  istabot ask --json "Horaires du matin ?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().String("user", "student", "user id for conversation history")
	askCmd.Flags().Bool("json", false, "print raw stream events as JSON lines")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("question is empty")
	}

	userID, _ := cmd.Flags().GetString("user")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(os.Stdout)
	var failed error

	for event := range a.engine.AnswerStream(ctx, question, userID) {
		if asJSON {
			if err := enc.Encode(event); err != nil {
				return err
			}
			continue
		}

		switch event.Type {
		case types.EventContent:
			fmt.Print(event.Content)
		case types.EventEnd:
			fmt.Println()
			printSources(event.Data)
		case types.EventError:
			failed = fmt.Errorf("%s", event.Message)
		}
	}

	return failed
}

// printSources lists the pages an answer was grounded on.
func printSources(data *types.EndData) {
	if data == nil || len(data.Sources) == 0 {
		return
	}

	fmt.Println()
	fmt.Println("Sources:")
	for _, src := range data.Sources {
		if src.URL != "" {
			fmt.Printf("  - %s (%s)\n", src.Title, src.URL)
		} else {
			fmt.Printf("  - %s\n", src.Title)
		}
	}
}
