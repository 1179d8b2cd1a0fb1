package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrarium-labs/annotator/internal/config"
	"github.com/terrarium-labs/annotator/internal/corpus"
	"github.com/terrarium-labs/annotator/internal/llm"
	"github.com/terrarium-labs/annotator/internal/runner"
	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/internal/summarizer"
	"github.com/terrarium-labs/annotator/internal/tokenizer"
	"github.com/terrarium-labs/annotator/pkg/db"
	"github.com/terrarium-labs/annotator/pkg/db/migrations"
	"github.com/terrarium-labs/annotator/pkg/logger"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

func init() {
	runCmd.Flags().Int("limit", 0, "max scenes to process this run (0 means unlimited)")
	runCmd.Flags().Bool("no-resume", false, "ignore any persisted run state and start from the beginning of the corpus")
	runCmd.Flags().Int("checkpoint-every-n", 0, "checkpoint every N scenes within a thread, in addition to thread boundaries")
	runCmd.Flags().String("http-addr", "", "if set, serve a read-only status/health JSON endpoint at this address while running")

	viper.BindPFlag("limit", runCmd.Flags().Lookup("limit"))
	viper.BindPFlag("checkpoint_every_n", runCmd.Flags().Lookup("checkpoint-every-n"))
	viper.BindPFlag("no-resume", runCmd.Flags().Lookup("no-resume"))
	viper.BindPFlag("http-addr", runCmd.Flags().Lookup("http-addr"))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Walk the corpus and build the glossary",
	Long:  `run drives the Runner state machine: it pulls scenes from the corpus, dispatches them through the LLM and the tool registry, curates tentative entries at thread close, and checkpoints progress so the run can resume after a restart.`,
	Run:   runRun,
}

func runRun(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		presenter.Warning("Cancellation requested, finishing current scene and checkpointing...")
		cancel()
	}()

	corpusDBPath := viper.GetString("corpus_db")
	if corpusDBPath == "" {
		presenter.Error(errors.New("--corpus-db is required"), "missing corpus database")
		os.Exit(64)
	}

	annotatorDBPath := viper.GetString("annotator_db")
	if annotatorDBPath == "" {
		var err error
		annotatorDBPath, err = db.DefaultDBPath()
		if err != nil {
			presenter.Error(err, "failed to resolve annotator database path")
			os.Exit(2)
		}
	}

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		presenter.Error(err, "failed to load structured configuration")
		os.Exit(64)
	}

	sqlDB, err := db.Open(ctx, annotatorDBPath)
	if err != nil {
		presenter.Error(err, "failed to open annotator database")
		os.Exit(2)
	}
	defer sqlDB.Close()
	if err := db.NewMigrationRunner(sqlDB).Run(ctx, migrations.All()); err != nil {
		presenter.Error(err, "failed to run migrations")
		os.Exit(2)
	}
	if err := db.VerifyConfiguration(sqlDB); err != nil {
		presenter.Error(err, "annotator database misconfigured")
		os.Exit(2)
	}
	glossary := store.NewWithDB(sqlDB)

	corpusReader, err := corpus.Open(ctx, corpusDBPath)
	if err != nil {
		presenter.Error(err, "failed to open corpus database")
		os.Exit(2)
	}
	defer corpusReader.Close()

	llmCfg := settings.ApplyLLMOverrides(llm.Config{
		BaseURL: viper.GetString("llm.base_url"),
		Model:   viper.GetString("llm.model"),
		Timeout: time.Duration(viper.GetInt("llm.timeout_seconds")) * time.Second,
	})
	llmClient := llm.New(llmCfg)

	counter := tokenizer.NewCounter(llmClient, settings.TokenizerConfig(), viper.GetInt("context_budget"))
	summ := summarizer.New(llmClient)

	afterThreadID, afterPostID := int64(0), int64(0)
	if !viper.GetBool("no-resume") {
		rs, err := glossary.GetRunState(ctx)
		if err != nil {
			presenter.Error(err, "failed to load persisted run state")
			os.Exit(2)
		}
		afterThreadID, afterPostID = rs.LastThreadID, rs.LastPostID
	}

	cfg := runner.Config{
		ContextBudget:    viper.GetInt("context_budget"),
		Limit:            viper.GetInt("limit"),
		CheckpointEveryN: viper.GetInt("checkpoint_every_n"),
		Compactor:        settings.CompactorConfig(),
	}
	run := runner.New(cfg, glossary, corpusReader, llmClient, counter, summ, afterThreadID, afterPostID)
	if err := run.Resume(ctx); err != nil {
		presenter.Error(err, "failed to resume run state")
		os.Exit(2)
	}

	if addr := viper.GetString("http-addr"); addr != "" {
		srv := newStatusServer(ctx, glossary)
		go func() {
			if err := http.ListenAndServe(addr, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.G(ctx).WithError(err).Warn("status http server stopped")
			}
		}()
	}

	presenter.Section("annotator run")
	result, err := run.Run(ctx)
	presenter.Stats(&result.Stats)

	if err != nil {
		if errors.Is(err, runner.ErrHalted) {
			presenter.Error(err, "run halted on a persistent LLM failure; resume later with `annotator run`")
			os.Exit(1)
		}
		presenter.Error(err, "run failed")
		os.Exit(2)
	}
	presenter.Success("run complete")
}

// newStatusServer exposes the run's live progress as JSON, for an
// operator or a sibling process to poll without touching the database
// directly while the writer holds it.
func newStatusServer(ctx context.Context, glossary *store.Store) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		rs, err := glossary.GetRunState(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rs)
	})
	return r
}
