package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Columns          []string
	OnConflict       string
	Returning        string
	IgnoreDuplicates bool
	ContinueOnErrors bool
	JobID            string
	Gzip             bool
}

// loadHeader is the first value of the bulk body.
type loadHeader struct {
	Columns          []string        `json:"columns,omitempty"`
	OnConflict       json.RawMessage `json:"on_conflict,omitempty"`
	Returning        json.RawMessage `json:"returning,omitempty"`
	IgnoreDuplicates *bool           `json:"ignore_duplicates,omitempty"`
	ContinueOnErrors *bool           `json:"continue_on_errors,omitempty"`
	JobID            string          `json:"job_id,omitempty"`
}

// LoadResult is the coordinator's answer to a bulk write.
type LoadResult struct {
	JobID    string          `json:"job_id"`
	Mode     string          `json:"mode"`
	RowCount int64           `json:"row_count"`
	Rows     [][]any         `json:"rows,omitempty"`
	Failures []LoadFailure   `json:"failures,omitempty"`
	Error    string          `json:"error,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

type LoadFailure struct {
	Index   string `json:"index"`
	ShardID int    `json:"shard_id"`
	ItemID  string `json:"item_id"`
	Error   string `json:"error"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <table> [file]",
		Short: "Stream rows from a file or stdin into a table",
		Long: `Stream rows from a file or stdin into a table.

Input holds one JSON array per row with the values of --columns in order
(all table columns when --columns is not given). Use "-" or omit the file
to read stdin.

Example:
  shardload load users users.ndjson --columns id,name
  shardload load users --on-conflict '{"logins":{"kind":"add","args":[{"kind":"column","column":"logins"},{"kind":"literal","value":1}]}}'`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := opts.header(cmd)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			res, err := opts.load(args[0], header, in)
			if err != nil {
				return err
			}
			return printLoadResult(cmd.OutOrStdout(), opts.Format, res)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "target columns, in row order")
	cmd.Flags().StringVar(&opts.OnConflict, "on-conflict", "", "update assignments as a JSON object of column to expression")
	cmd.Flags().StringVar(&opts.Returning, "returning", "", "returning expressions as a JSON array")
	cmd.Flags().BoolVar(&opts.IgnoreDuplicates, "ignore-duplicates", false, "skip rows whose primary key exists")
	cmd.Flags().BoolVar(&opts.ContinueOnErrors, "continue-on-errors", true, "report failed rows instead of stopping")
	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "job id reported in logs and the result")
	cmd.Flags().BoolVar(&opts.Gzip, "gzip", true, "compress the upload")

	return cmd
}

// header builds the bulk header. Policy fields are sent only when set on the
// command line so the coordinator's defaults apply otherwise.
func (o *LoadOptions) header(cmd *cobra.Command) (loadHeader, error) {
	h := loadHeader{Columns: o.Columns, JobID: o.JobID}
	if o.OnConflict != "" {
		if !json.Valid([]byte(o.OnConflict)) {
			return h, errors.New("invalid --on-conflict JSON")
		}
		h.OnConflict = json.RawMessage(o.OnConflict)
	}
	if o.Returning != "" {
		if !json.Valid([]byte(o.Returning)) {
			return h, errors.New("invalid --returning JSON")
		}
		h.Returning = json.RawMessage(o.Returning)
	}
	if cmd.Flags().Changed("ignore-duplicates") {
		h.IgnoreDuplicates = &o.IgnoreDuplicates
	}
	if cmd.Flags().Changed("continue-on-errors") {
		h.ContinueOnErrors = &o.ContinueOnErrors
	}
	return h, nil
}

// load streams header and rows to the coordinator. Rows are checked to be
// JSON arrays while they are sent.
func (o *LoadOptions) load(table string, header loadHeader, in io.Reader) (*LoadResult, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeBody(pw, header, in, o.Gzip))
	}()

	req, err := http.NewRequest(http.MethodPost, o.Coordinator+"/_bulk/"+url.PathEscape(table), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if o.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := o.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var res LoadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("load %s: %s: %s", table, resp.Status, raw)
	}
	res.Raw = raw
	if resp.StatusCode != http.StatusOK {
		return &res, fmt.Errorf("load %s: %s: %s", table, resp.Status, res.Error)
	}
	return &res, nil
}

func writeBody(w io.Writer, header loadHeader, in io.Reader, compress bool) error {
	out := w
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(w)
		out = zw
	}
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(header); err != nil {
		return err
	}

	dec := json.NewDecoder(bufio.NewReader(in))
	for n := 1; ; n++ {
		var values []json.RawMessage
		if err := dec.Decode(&values); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("input row %d: %w", n, err)
		}
		if err := enc.Encode(values); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

func printLoadResult(w io.Writer, format string, res *LoadResult) error {
	if format == "json" {
		_, err := fmt.Fprintln(w, string(res.Raw))
		return err
	}
	if len(res.Rows) > 0 || res.Mode == "upsert-with-return" {
		fmt.Fprintf(w, "job %s: %d rows returned (%s)\n", res.JobID, len(res.Rows), res.Mode)
		for _, r := range res.Rows {
			line, _ := json.Marshal(r)
			fmt.Fprintf(w, "  %s\n", line)
		}
	} else {
		fmt.Fprintf(w, "job %s: %d rows written (%s)\n", res.JobID, res.RowCount, res.Mode)
	}
	if len(res.Failures) > 0 {
		fmt.Fprintf(w, "%d failures:\n", len(res.Failures))
		for _, f := range res.Failures {
			if f.ItemID != "" {
				fmt.Fprintf(w, "  %s[%d] %s: %s\n", f.Index, f.ShardID, f.ItemID, f.Error)
			} else {
				fmt.Fprintf(w, "  %s\n", f.Error)
			}
		}
	}
	return nil
}
