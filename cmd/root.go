package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"taxdocs/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "taxdocs",
	Short: "taxdocs - invoice ingestion and reconciliation pipeline",
	Long: `taxdocs turns photographed or scanned fiscal documents into trustworthy,
structured records: AI extraction, tax-identifier validation, VAT arithmetic
reconciliation against the legal rate tables, and batch processing with
bounded concurrency.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("taxdocs CLI executed")

		fmt.Println("Welcome to taxdocs!")
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
