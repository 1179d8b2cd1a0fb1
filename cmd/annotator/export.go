package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/pkg/db"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

func init() {
	exportCmd.Flags().String("format", "json", "output format: json or yaml")
	exportCmd.Flags().String("status", "", "filter by status (confirmed, tentative)")
	exportCmd.Flags().StringSlice("tags", nil, "filter by tags; glob wildcards such as \"char*\" are accepted")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the glossary as JSON or YAML",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		status, _ := cmd.Flags().GetString("status")
		tags, _ := cmd.Flags().GetStringSlice("tags")

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
		defer glossary.Close()

		var entries []store.GlossaryEntry
		if status == "" && len(tags) == 0 {
			entries, err = glossary.AllEntries(cmd.Context())
		} else {
			entries, err = glossary.Search(cmd.Context(), store.SearchOptions{Status: status, Tags: tags, Limit: 100000})
		}
		if err != nil {
			presenter.Error(err, "failed to load entries for export")
			os.Exit(2)
		}

		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			if err := enc.Encode(entries); err != nil {
				presenter.Error(err, "failed to encode export as yaml")
				os.Exit(2)
			}
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				presenter.Error(err, "failed to encode export as json")
				os.Exit(2)
			}
		default:
			presenter.Error(fmt.Errorf("unknown export format %q", format), "use --format json or --format yaml")
			os.Exit(64)
		}
	},
}
