// Package cmd defines the CLI commands for the ingestd executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Content ingestion service: crawl, chunk, and store documentation.",
		Long: `ingestd turns submitted URLs into searchable content. It delegates
crawling to an external crawl service, tracks each crawl as a durable job,
splits the returned markdown into bounded chunks, and persists them to the
vector store.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
