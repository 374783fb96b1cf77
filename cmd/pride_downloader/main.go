package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:     "pride_downloader",
	Short:   "Bulk file downloader for the PRIDE proteomics archive",
	Long:    "Downloads project files from the PRIDE archive over FTP, Aspera, S3 or Globus, and private dataset files over authenticated HTTPS.",
	Version: version,
	// Runtime failures are reported through the logger, not with usage text.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with environment overrides, ignored when missing")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
