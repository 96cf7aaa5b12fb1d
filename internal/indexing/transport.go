package indexing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/dml"
)

// Transport delivers a shard request to a node and returns its response.
type Transport interface {
	Send(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error)

func (f TransportFunc) Send(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error) {
	return f(ctx, nodeID, req)
}

// Router returns the node holding a shard.
type Router interface {
	NodeForShard(index string, shardID int) (string, error)
}

// timeoutTransport bounds every Send by the request's policy timeout.
type timeoutTransport struct {
	next Transport
}

func (t timeoutTransport) Send(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error) {
	if req.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Policy.Timeout)
		defer cancel()
	}
	return t.next.Send(ctx, nodeID, req)
}

// RetryTransport resends requests that failed without reaching a shard.
//
// Only connection errors, attempt timeouts and 502/503/504 responses are
// retried. A request the node rejected or partially applied is never resent.
type RetryTransport struct {
	Next     Transport
	Attempts int
	Backoff  time.Duration
	// Limiter, when set, is shared by all requests and paces retries only.
	Limiter *rate.Limiter
}

func (t *RetryTransport) Send(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error) {
	attempts := t.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := t.wait(ctx, attempt); werr != nil {
				return nil, err
			}
		}
		var resp *dml.ShardResponse
		resp, err = t.Next.Send(ctx, nodeID, req)
		if err == nil {
			return resp, nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

func (t *RetryTransport) wait(ctx context.Context, attempt int) error {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if t.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(attempt) * t.Backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retryable reports whether a failed Send may be attempted again.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *cluster.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}
