package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(map[string]string{
				"name":   version.AppName,
				"commit": version.GitCommit,
				"go":     runtime.Version(),
			})
		}
		fmt.Printf("%s (%s)\n", version.Full(), runtime.Version())
		return nil
	},
}
