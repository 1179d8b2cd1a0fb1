// Package main provides the entry point for the annotator CLI: it wires
// the Scene Batcher, Annotation Context, Compactor, Tool Dispatcher, and
// Runner state machine together against a corpus database and an LLM
// server, and exposes run/status/inspect/export subcommands.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrarium-labs/annotator/pkg/logger"
)

func init() {
	viper.SetDefault("context_budget", 8000)
	viper.SetDefault("relevant_entry_limit", 8)
	viper.SetDefault("neighbor_window", 3)
	viper.SetDefault("checkpoint_every_n", 0)

	viper.SetDefault("llm.base_url", "http://localhost:8080")
	viper.SetDefault("llm.model", "annotator")
	viper.SetDefault("llm.temperature", 0.4)
	viper.SetDefault("llm.max_tokens", 768)
	viper.SetDefault("llm.timeout_seconds", 60)
	viper.SetDefault("llm.retry_attempts", 3)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler", "ratio")
	viper.SetDefault("tracing.ratio", 1)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	viper.SetEnvPrefix("ANNOTATOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.annotator")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		logger.G(context.TODO()).WithField("config_file", viper.ConfigFileUsed()).Debug("using config file")
	}

	// A long unattended run picks up a revised config file (compactor
	// ratios, retry tuning) without needing a restart.
	viper.WatchConfig()
}

var rootCmd = &cobra.Command{
	Use:   "annotator",
	Short: "annotator builds a structured glossary from a forum corpus",
	Long:  `annotator walks a forum-post corpus with an LLM server and a tool dispatcher, accumulating a structured, revision-audited glossary.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(64)
	},
}

func main() {
	ctx := context.Background()

	cobra.OnInitialize(func() {
		if level := viper.GetString("log_level"); level != "" {
			if err := logger.SetLogLevel(level); err != nil {
				logger.G(context.TODO()).WithField("error", err).WithField("log_level", level).Warn("invalid log level, using default")
			}
		}
		if format := viper.GetString("log_format"); format != "" {
			logger.SetLogFormat(format)
		}
	})

	rootCmd.PersistentFlags().String("corpus-db", "", "path to the corpus SQLite database (required)")
	rootCmd.PersistentFlags().String("annotator-db", "", "path to the annotator's own SQLite database (defaults under $HOME/.annotator)")
	rootCmd.PersistentFlags().String("llm-base-url", "http://localhost:8080", "base URL of the LLM server")
	rootCmd.PersistentFlags().String("llm-model", "annotator", "model identifier the LLM server expects")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "log format (json, text, fmt)")

	viper.BindPFlag("corpus_db", rootCmd.PersistentFlags().Lookup("corpus-db"))
	viper.BindPFlag("annotator_db", rootCmd.PersistentFlags().Lookup("annotator-db"))
	viper.BindPFlag("llm.base_url", rootCmd.PersistentFlags().Lookup("llm-base-url"))
	viper.BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("llm-model"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)

	shutdown, err := initTracing(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
	} else {
		defer shutdown(ctx)
	}

	rootCmd = withTracing(rootCmd)
	runCmd = withTracing(runCmd)
	statusCmd = withTracing(statusCmd)
	inspectCmd = withTracing(inspectCmd)
	exportCmd = withTracing(exportCmd)
	versionCmd = withTracing(versionCmd)

	rootCmd.SetContext(ctx)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("command failed")
		os.Exit(64)
	}
}
