package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/indexing"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
	"github.com/dreamware/shardwrite/internal/transport"
)

// bulkHeader is the first JSON value of a bulk body. Every following value
// is one row: a JSON array holding the values of Columns in order.
type bulkHeader struct {
	Columns          []string               `json:"columns"`
	OnConflict       map[string]expr.Symbol `json:"on_conflict,omitempty"`
	Returning        []expr.Symbol          `json:"returning,omitempty"`
	IgnoreDuplicates *bool                  `json:"ignore_duplicates,omitempty"`
	ContinueOnErrors *bool                  `json:"continue_on_errors,omitempty"`
	JobID            string                 `json:"job_id,omitempty"`
}

type bulkFailure struct {
	Index   string `json:"index,omitempty"`
	ShardID int    `json:"shard_id"`
	ItemID  string `json:"item_id,omitempty"`
	Error   string `json:"error"`
}

type bulkResponse struct {
	JobID    string        `json:"job_id"`
	Mode     string        `json:"mode"`
	RowCount int64         `json:"row_count"`
	Rows     []row.Row     `json:"rows,omitempty"`
	Failures []bulkFailure `json:"failures,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// inputError is a malformed row in the bulk body.
type inputError struct {
	Row int64
	Err error
}

func (e *inputError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }
func (e *inputError) Unwrap() error { return e.Err }

// handleBulk streams rows from the request body through a ColumnIndexWriter.
// Rows are written while the body is still being read.
func (s *server) handleBulk(w http.ResponseWriter, r *http.Request) {
	table, err := s.catalog.Get(r.PathValue("table"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	body, err := transport.BodyReader(r.Header, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.UseNumber()
	var header bulkHeader
	if err := dec.Decode(&header); err != nil {
		http.Error(w, fmt.Sprintf("bad header: %v", err), http.StatusBadRequest)
		return
	}
	if len(header.Columns) == 0 {
		header.Columns = table.ColumnNames()
	}

	cfg := s.cfg.write
	if header.IgnoreDuplicates != nil {
		cfg.IgnoreDuplicateKeys = *header.IgnoreDuplicates
	}
	if header.ContinueOnErrors != nil {
		cfg.ContinueOnErrors = *header.ContinueOnErrors
	}

	writer, err := indexing.NewColumnIndexWriter(cfg, indexing.Params{
		Table:            table,
		Columns:          header.Columns,
		Assignments:      header.OnConflict,
		Returning:        header.Returning,
		MinNodeVersion:   s.minNodeVersion(),
		InsertFormatGate: s.insertGate,
		JobID:            header.JobID,
	}, indexing.Deps{
		Router:    s.registry,
		Transport: s.transport,
		Indices:   s.creator,
		Jobs:      s.jobs,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		status := http.StatusBadRequest
		var are *metadata.AssignmentResolutionError
		if errors.As(err, &are) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	src := streamRows(dec)
	out := writer.Apply(src)
	rows, err := row.Collect(r.Context(), out)

	resp := bulkResponse{JobID: writer.JobID(), Mode: writer.Mode().String()}
	if res := out.(*indexing.ResultIterator).Result(); res != nil {
		resp.RowCount = res.RowCount
		if res.ReturnsRows() {
			resp.Rows = rows
		}
		for _, f := range res.Failures {
			resp.Failures = append(resp.Failures, bulkFailure{Index: f.Index, ShardID: f.ShardID, ItemID: f.ItemID, Error: f.Err.Error()})
		}
	}
	if resp.Rows == nil && writer.Mode().ReturnsRows() {
		resp.Rows = []row.Row{}
	}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Warn("bulk write failed", "table", table.Name, "job_id", resp.JobID, "error", err)
	}
	writeJSON(w, bulkStatus(err), resp)
}

// streamRows decodes rows from dec on a separate goroutine so reading the
// body overlaps with sending batches.
func streamRows(dec *json.Decoder) *row.ChanIterator {
	rows := make(chan row.Row, 256)
	errc := make(chan error, 1)
	src := row.NewChanIterator(rows, errc)
	go func() {
		var n int64
		for {
			var values []any
			if err := dec.Decode(&values); err != nil {
				if errors.Is(err, io.EOF) {
					close(rows)
				} else {
					errc <- &inputError{Row: n, Err: err}
				}
				return
			}
			select {
			case rows <- row.Row(values):
				n++
			case <-src.Done():
				return
			}
		}
	}()
	return src
}

func bulkStatus(err error) int {
	var (
		input *inputError
		tf    *indexing.TransportFailure
		ire   *indexing.InvalidRowError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &input), errors.As(err, &ire):
		return http.StatusBadRequest
	case errors.As(err, &tf):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
