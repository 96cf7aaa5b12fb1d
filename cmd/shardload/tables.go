package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardwrite/internal/metadata"
)

// NewTablesCommand creates the tables command.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tables",
		Short:         "List the tables known to the coordinator",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().Get(rootOpts.Coordinator + "/tables")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("list tables: %s", resp.Status)
			}

			var out struct {
				Tables []*metadata.Table `json:"tables"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("list tables: %w", err)
			}
			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			for _, t := range out.Tables {
				printTable(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

// NewDefineCommand creates the define command.
func NewDefineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "define <tables.yaml>",
		Short: "Register the tables of a YAML file with the coordinator",
		Long: `Register the tables of a YAML file with the coordinator.

Example file:
  tables:
    - name: visits
      columns: [{name: id}, {name: day}, {name: hits}]
      primary_key: [id, day]
      partitioned_by: day
      shards: 4`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := metadata.LoadTables(args[0])
			if err != nil {
				return err
			}
			for _, t := range tables {
				body, err := json.Marshal(t)
				if err != nil {
					return err
				}
				resp, err := rootOpts.client().Post(rootOpts.Coordinator+"/tables", "application/json", bytes.NewReader(body))
				if err != nil {
					return err
				}
				msg, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusNoContent {
					return fmt.Errorf("define %s: %s: %s", t.Name, resp.Status, strings.TrimSpace(string(msg)))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "defined %s\n", t.Name)
			}
			return nil
		},
	}
}

func printTable(w io.Writer, t *metadata.Table) {
	fmt.Fprintf(w, "%s (%d shards", t.Name, t.NumShards)
	if t.PartitionedBy != "" {
		fmt.Fprintf(w, ", partitioned by %s", t.PartitionedBy)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "  columns: %s\n", strings.Join(t.ColumnNames(), ", "))
	if len(t.PrimaryKey) > 0 {
		fmt.Fprintf(w, "  primary key: %s\n", strings.Join(t.PrimaryKey, ", "))
	}
}
