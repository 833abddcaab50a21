package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time via -ldflags
// "-X main.buildVersion=...".
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use: "version",
	Short: "Print the ruleengine build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildVersion)
		return nil
	},
}
