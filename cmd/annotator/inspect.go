package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/pkg/db"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

var inspectInteractive bool

func init() {
	inspectCmd.PersistentFlags().BoolVar(&inspectInteractive, "interactive", false, "browse entries and snapshots in a terminal UI instead of printing")

	inspectCmd.AddCommand(inspectSnapshotsCmd)
	inspectCmd.AddCommand(inspectSnapshotCmd)
	inspectCmd.AddCommand(inspectEntriesCmd)
	inspectCmd.AddCommand(inspectEntryCmd)
	inspectCmd.AddCommand(inspectThreadCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Browse the glossary, its revisions, and saved snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		if inspectInteractive {
			runInspectTUI(cmd.Context(), glossary)
			return
		}
		cmd.Help()
	},
}

func openGlossaryOrExit(cmd *cobra.Command) *store.Store {
	annotatorDBPath := viper.GetString("annotator_db")
	if annotatorDBPath == "" {
		var err error
		annotatorDBPath, err = db.DefaultDBPath()
		if err != nil {
			presenter.Error(err, "failed to resolve annotator database path")
			os.Exit(2)
		}
	}
	glossary, err := store.Open(cmd.Context(), annotatorDBPath)
	if err != nil {
		presenter.Error(err, "failed to open annotator database")
		os.Exit(2)
	}
	return glossary
}

var inspectSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List saved snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		snaps, err := glossary.ListSnapshots(cmd.Context(), nil, "", 50)
		if err != nil {
			presenter.Error(err, "failed to list snapshots")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("snapshots (%d)", len(snaps)))
		for _, s := range snaps {
			fmt.Printf("#%d  %-12s  thread=%d  post=%d  entries=%d  tokens=%d  %s\n",
				s.ID, s.Type, s.LastThreadID, s.LastPostID, s.EntryCount, s.TokenCount, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	},
}

var inspectSnapshotCmd = &cobra.Command{
	Use:   "snapshot <id>",
	Short: "Show a single snapshot's encoded context and entry states",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			presenter.Error(err, "snapshot id must be an integer")
			os.Exit(64)
		}
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		loaded, err := glossary.LoadSnapshot(cmd.Context(), id)
		if err != nil {
			presenter.Error(err, "failed to load snapshot")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("snapshot #%d", id))
		fmt.Printf("system prompt: %s\n", loaded.Context.SystemPrompt)
		fmt.Printf("cumulative summary:\n%s\n", loaded.Context.CumulativeSummary)
		fmt.Printf("turns: %d  chunk summaries: %d  thread summaries: %d\n",
			len(loaded.Context.Turns), len(loaded.Context.ChunkSummaries), len(loaded.Context.ThreadSummaries))
		for _, e := range loaded.Entries {
			fmt.Printf("  entry %d [%s]: %s\n", e.EntryID, e.Status, e.Definition)
		}
	},
}

var inspectEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List every glossary entry",
	Run: func(cmd *cobra.Command, args []string) {
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		if inspectInteractive {
			runInspectTUI(cmd.Context(), glossary)
			return
		}

		entries, err := glossary.AllEntries(cmd.Context())
		if err != nil {
			presenter.Error(err, "failed to list entries")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("entries (%d)", len(entries)))
		for _, e := range entries {
			fmt.Printf("#%-5d [%-9s] %-24s %s\n", e.ID, e.Status, e.Term, e.Definition)
		}
	},
}

var inspectEntryCmd = &cobra.Command{
	Use:   "entry <id>",
	Short: "Show one entry's full definition and revision history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			presenter.Error(err, "entry id must be an integer")
			os.Exit(64)
		}
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		entry, err := glossary.Get(cmd.Context(), id)
		if err != nil {
			presenter.Error(err, "failed to load entry")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("%s (#%d)", entry.Term, entry.ID))
		fmt.Printf("status: %s\ntags: %v\ndefinition: %s\n", entry.Status, entry.Tags, entry.Definition)

		revisions, err := glossary.Revisions(cmd.Context(), id)
		if err != nil {
			presenter.Error(err, "failed to load revision history")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("revisions (%d)", len(revisions)))
		for _, r := range revisions {
			fmt.Printf("  [%s] post=%d field=%s: %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.SourcePostID, r.Field, r.NewValue)
		}
	},
}

var inspectThreadCmd = &cobra.Command{
	Use:   "thread <id>",
	Short: "Show tentative entries still open from a thread",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			presenter.Error(err, "thread id must be an integer")
			os.Exit(64)
		}
		glossary := openGlossaryOrExit(cmd)
		defer glossary.Close()

		entries, err := glossary.TentativeByThread(cmd.Context(), id)
		if err != nil {
			presenter.Error(err, "failed to load tentative entries")
			os.Exit(2)
		}
		presenter.Section(fmt.Sprintf("tentative entries in thread %d (%d)", id, len(entries)))
		for _, e := range entries {
			fmt.Printf("#%-5d %-24s %s\n", e.ID, e.Term, e.Definition)
		}
	},
}
