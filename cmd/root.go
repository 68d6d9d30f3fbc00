package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "istabot",
	Short: "Istabot - Retrieval-augmented assistant for the ISTA NTIC Sidi Maarouf knowledge base",
	Long: `Istabot answers student questions about ISTA NTIC Sidi Maarouf by
retrieving passages from the indexed site and institutional knowledge,
then grounding an LLM response on them.

Features:
  - Layered embedding providers with automatic fallback
  - Intent-aware retrieval over persistent vector collections
  - Streaming answers over SSE, CLI and MCP
  - Conversation history and response caching

Environment Variables:
  CHROMA_PATH          Root directory of the vector store
  EMBEDDING_PRIMARY    Preferred embedding provider (local|apiA|apiB)
  HF_API_KEY           Hugging Face inference token (optional)
  GROQ_API_KEY         Groq LLM credentials
  GOOGLE_API_KEY       Gemini LLM credentials
  OPENAI_API_KEY       OpenAI LLM credentials
  LLM_PROVIDER         Pin the first LLM provider to try
  REDIS_URL            Response cache backend
  CONVERSATION_DB_URL  Postgres DSN for conversation history`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.istabot.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".istabot")
	}

	// Read environment variables
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
