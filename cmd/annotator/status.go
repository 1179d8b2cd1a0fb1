package main

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrarium-labs/annotator/internal/corpus"
	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/pkg/db"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run progress and process resource usage",
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	annotatorDBPath := viper.GetString("annotator_db")
	if annotatorDBPath == "" {
		var err error
		annotatorDBPath, err = db.DefaultDBPath()
		if err != nil {
			presenter.Error(err, "failed to resolve annotator database path")
			os.Exit(2)
		}
	}

	glossary, err := store.Open(ctx, annotatorDBPath)
	if err != nil {
		presenter.Error(err, "failed to open annotator database")
		os.Exit(2)
	}
	defer glossary.Close()

	rs, err := glossary.GetRunState(ctx)
	if err != nil {
		presenter.Error(err, "failed to load run state")
		os.Exit(2)
	}

	presenter.Section("run state")
	presenter.Stats(&presenter.RunStats{
		PostsProcessed: rs.PostsProcessed,
		EntriesCreated: rs.EntriesCreated,
		EntriesUpdated: rs.EntriesUpdated,
		LastThreadID:   rs.LastThreadID,
		LastPostID:     rs.LastPostID,
	})

	if corpusDBPath := viper.GetString("corpus_db"); corpusDBPath != "" {
		if reader, err := corpus.Open(ctx, corpusDBPath); err == nil {
			defer reader.Close()
			if thread, err := reader.Thread(ctx, rs.LastThreadID); err == nil && thread != nil {
				presenter.Info(fmt.Sprintf("last thread: %s (#%d)", thread.Title, thread.ID))
			}
		}
	}

	printResourceUsage()
}

// printResourceUsage reports this process's own CPU and RSS, the panel a
// long-running unattended annotator invocation needs to sanity-check it
// isn't leaking memory over a multi-day corpus walk.
func printResourceUsage() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		presenter.Warning(fmt.Sprintf("could not read process resource usage: %v", err))
		return
	}

	presenter.Section("process")
	if cpuPct, err := proc.CPUPercent(); err == nil {
		presenter.Info(fmt.Sprintf("cpu: %.1f%%", cpuPct))
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		presenter.Info(fmt.Sprintf("rss: %.1f MiB", float64(memInfo.RSS)/(1024*1024)))
	}
}
