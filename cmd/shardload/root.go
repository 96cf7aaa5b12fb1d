package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Coordinator string
	Format      string // "json" | "text"
	Timeout     time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the loader.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "shardload",
		Short: "Bulk load rows into a shardwrite cluster",
		Long: `Bulk load rows into a shardwrite cluster.

Rows are streamed to the coordinator, which batches them per shard and
writes them to the nodes holding those shards.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.Coordinator = strings.TrimRight(opts.Coordinator, "/")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Coordinator, "coordinator", envOr("SHARDLOAD_COORDINATOR", "http://127.0.0.1:8080"), "coordinator URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "request timeout")

	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewDefineCommand(opts))

	return cmd
}

func (o *RootOptions) client() *http.Client {
	return &http.Client{Timeout: o.Timeout}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
