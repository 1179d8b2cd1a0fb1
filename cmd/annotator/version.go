package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrarium-labs/annotator/pkg/presenter"
	"github.com/terrarium-labs/annotator/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print annotator's version information",
	Run: func(cmd *cobra.Command, args []string) {
		json, err := version.Get().JSON()
		if err != nil {
			presenter.Error(err, "failed to marshal version info")
			return
		}
		fmt.Println(json)
	},
}
