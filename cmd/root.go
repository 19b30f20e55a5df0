package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "presenced",
	Short:   "Presence synchronization server",
	Long:    `Tracks who is online, typing and caught up in each channel and pushes full snapshots to WebSocket subscribers.`,
	Version: Version,
}

func init() {
	// Set version template to include build info when available
	rootCmd.SetVersionTemplate("presenced version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
