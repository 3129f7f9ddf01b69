package main

import (
	"fmt"
	"os"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	verbose      bool

	// Shared state set during PersistentPreRun
	cfg    overlay.Config
	logger *logrus.Logger
)

// rootCmd is the base command for overlayctl.
var rootCmd = &cobra.Command{
	Use:   "overlayctl",
	Short: "Overlay bridging and relay toolkit",
	Long: `overlayctl drives overlay nodes for local experiments. The demo command builds
an in-memory network and bridges peers through their neighbors; keygen prints
identities for nodes running on libp2p hosts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		logger = logrus.New()
		logger.SetOutput(cmd.ErrOrStderr())
		logger.SetLevel(logrus.WarnLevel)

		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}

		if cfgFile == "" {
			cfg = overlay.DefaultConfig()
			return nil
		}

		var err error
		if cfg, err = overlay.LoadConfig(cfgFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "overlay config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log overlay events to stderr")
}
