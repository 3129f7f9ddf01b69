package main

import (
	"fmt"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show overlayctl and protocol versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "overlayctl version %s\n", version)
		tag := cfg.ProtocolTag
		if tag == "" {
			tag = overlay.DefaultProtocolTag
		}
		fmt.Fprintf(cmd.OutOrStdout(), "protocol: %s\n", tag)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
