package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, w *Writer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestWriterRecords(t *testing.T) {
	w, err := NewWriter()
	require.NoError(t, err)

	w.RowsWritten(3)
	w.RowsWritten(0)
	w.ItemFailures("duplicate_key", 2)
	w.RequestStarted("n1")
	w.RequestStarted("n1")
	w.RequestFinished("n1", StatusOK, 10*time.Millisecond)

	out := scrape(t, w)
	assert.Contains(t, out, "shardwrite_rows_written_total 3")
	assert.Contains(t, out, `shardwrite_item_failures_total{kind="duplicate_key"} 2`)
	assert.Contains(t, out, `shardwrite_inflight_requests{node="n1"} 1`)
	assert.Contains(t, out, `shardwrite_shard_requests_total{node="n1",status="ok"} 1`)
	assert.Contains(t, out, `shardwrite_shard_request_duration_seconds_count{status="ok"} 1`)
}

func TestNilWriter(t *testing.T) {
	var w *Writer
	assert.NotPanics(t, func() {
		w.RowsWritten(1)
		w.ItemFailures("invalid", 1)
		w.RequestStarted("n1")
		w.RequestFinished("n1", StatusError, time.Second)
	})
	assert.Nil(t, w.Registry())

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
