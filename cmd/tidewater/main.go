package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "tidewater",
		Short: "Tidewater - incremental ingestion from customer-experience providers",
		Long: `Tidewater pulls new and changed records from Toast, Medallia, Qualtrics and
Google Reviews and lands them in the warehouse through the RAW, STAGE and LOAD layers.
Each account keeps a watermark that only moves after a batch is fully loaded.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", envOr("TIDEWATER_CONFIG", "tidewater.yaml"), "Path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Tidewater v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(
		newRunCmd(&configFile),
		newRunAllCmd(&configFile),
		newReplayCmd(&configFile),
		newWatermarkCmd(&configFile),
		newAccountsCmd(&configFile),
		newMigrateCmd(&configFile),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
