package indexing

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/dml"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection error", errors.New("connection refused"), true},
		{"attempt timeout", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"service unavailable", &cluster.StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"bad gateway", &cluster.StatusError{StatusCode: http.StatusBadGateway}, true},
		{"bad request", &cluster.StatusError{StatusCode: http.StatusBadRequest}, false},
		{"internal error", &cluster.StatusError{StatusCode: http.StatusInternalServerError}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestRetryTransport(t *testing.T) {
	req := &dml.ShardRequest{Index: "t", ShardID: 0}

	t.Run("retries until success", func(t *testing.T) {
		var calls atomic.Int32
		next := TransportFunc(func(ctx context.Context, nodeID string, r *dml.ShardRequest) (*dml.ShardResponse, error) {
			if calls.Add(1) < 3 {
				return nil, &cluster.StatusError{StatusCode: http.StatusServiceUnavailable}
			}
			return &dml.ShardResponse{Written: 1}, nil
		})
		rt := &RetryTransport{Next: next, Attempts: 3, Backoff: time.Millisecond, Limiter: rate.NewLimiter(rate.Inf, 1)}

		resp, err := rt.Send(context.Background(), "n1", req)
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Written)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		var calls atomic.Int32
		boom := errors.New("connection reset")
		next := TransportFunc(func(context.Context, string, *dml.ShardRequest) (*dml.ShardResponse, error) {
			calls.Add(1)
			return nil, boom
		})
		rt := &RetryTransport{Next: next, Attempts: 2}

		_, err := rt.Send(context.Background(), "n1", req)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("does not retry rejected requests", func(t *testing.T) {
		var calls atomic.Int32
		next := TransportFunc(func(context.Context, string, *dml.ShardRequest) (*dml.ShardResponse, error) {
			calls.Add(1)
			return nil, &cluster.StatusError{StatusCode: http.StatusBadRequest}
		})
		rt := &RetryTransport{Next: next, Attempts: 5}

		_, err := rt.Send(context.Background(), "n1", req)
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stops when the context is done", func(t *testing.T) {
		var calls atomic.Int32
		ctx, cancel := context.WithCancel(context.Background())
		next := TransportFunc(func(context.Context, string, *dml.ShardRequest) (*dml.ShardResponse, error) {
			calls.Add(1)
			cancel()
			return nil, errors.New("connection reset")
		})
		rt := &RetryTransport{Next: next, Attempts: 5, Backoff: time.Second}

		_, err := rt.Send(ctx, "n1", req)
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestTimeoutTransport(t *testing.T) {
	next := TransportFunc(func(ctx context.Context, _ string, _ *dml.ShardRequest) (*dml.ShardResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	req := &dml.ShardRequest{Policy: dml.Policy{Timeout: 10 * time.Millisecond}}

	start := time.Now()
	_, err := timeoutTransport{next: next}.Send(context.Background(), "n1", req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	c := newFakeCluster(1)
	var failures atomic.Int32
	c.fail = func(*dml.ShardRequest) error {
		if failures.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	cfg := testConfig(10)
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryPerSecond = 1000

	w := newWriter(t, cfg, Params{Table: usersTable(t, 1)}, c)
	res, err := w.Execute(context.Background(), sliceOf("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)
	assert.Len(t, c.requests(), 2, "one failed attempt and one retry")
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{BulkActions: -1, RetryBackoff: -time.Second, RetryPerSecond: -1}
	cfg.validate()

	d := DefaultConfig()
	assert.Equal(t, d.BulkActions, cfg.BulkActions)
	assert.Equal(t, d.Timeout, cfg.Timeout)
	assert.Equal(t, d.MaxConcurrentRequestsPerNode, cfg.MaxConcurrentRequestsPerNode)
	assert.Equal(t, 1, cfg.RetryAttempts)
	assert.Equal(t, time.Duration(0), cfg.RetryBackoff)
	assert.Equal(t, float64(0), cfg.RetryPerSecond)
	assert.Equal(t, d.IndexCreateTimeout, cfg.IndexCreateTimeout)

	assert.Equal(t, 10000, d.BulkActions)
	assert.Equal(t, 60*time.Second, d.Timeout)
	assert.True(t, d.ContinueOnErrors)
	assert.Equal(t, 5, d.MaxConcurrentRequestsPerNode)
}
