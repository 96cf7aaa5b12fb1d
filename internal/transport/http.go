// Package transport carries shard requests between the coordinator and the
// storage nodes over HTTP. Request and response bodies are JSON, gzip
// compressed when they are large enough to benefit.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/dml"
)

const (
	// DefaultMinCompressSize is the smallest body worth compressing.
	DefaultMinCompressSize = 1024

	// MaxBodySize bounds decoded request bodies on the node.
	MaxBodySize = 256 << 20

	encodingGzip = "gzip"
	contentJSON  = "application/json"
)

// ErrUnknownNode is returned by Send when the node has no known address.
var ErrUnknownNode = errors.New("unknown node")

// AddrFunc resolves a node ID to the base address the node registered with.
type AddrFunc func(nodeID string) (addr string, ok bool)

// HTTP sends shard requests to the bulk endpoint of the owning node.
// It is safe for concurrent use.
type HTTP struct {
	client          *http.Client
	addr            AddrFunc
	minCompressSize int
	level           int
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithClient replaces the default HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *HTTP) { t.client = c }
}

// WithCompression sets the gzip level and the smallest body compressed.
// A negative minSize disables compression.
func WithCompression(level, minSize int) Option {
	return func(t *HTTP) {
		t.level = level
		t.minCompressSize = minSize
	}
}

// NewHTTP creates a transport resolving node addresses through addr.
// Request deadlines come from the context; the client itself has no timeout.
func NewHTTP(addr AddrFunc, opts ...Option) *HTTP {
	t := &HTTP{
		client:          &http.Client{Transport: http.DefaultTransport},
		addr:            addr,
		minCompressSize: DefaultMinCompressSize,
		level:           gzip.DefaultCompression,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BulkPath is the node endpoint applying requests to one shard.
func BulkPath(index string, shardID int) string {
	return "/shard/" + url.PathEscape(index) + "/" + strconv.Itoa(shardID) + "/_bulk"
}

// Send posts req to the node and decodes its response. Non-2xx answers are
// returned as *cluster.StatusError so callers can tell rejected requests
// from unreachable nodes.
func (t *HTTP) Send(ctx context.Context, nodeID string, req *dml.ShardRequest) (*dml.ShardResponse, error) {
	addr, ok := t.addr(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	target := strings.TrimRight(addr, "/") + BulkPath(req.Index, req.ShardID)

	body, compressed, err := t.encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentJSON)
	httpReq.Header.Set("Accept-Encoding", encodingGzip)
	if compressed {
		httpReq.Header.Set("Content-Encoding", encodingGzip)
	}
	if req.Policy.Timeout > 0 {
		httpReq.Header.Set("X-Request-Timeout", req.Policy.Timeout.String())
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := BodyReader(resp.Header, resp.Body)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(reader, 512))
		return nil, &cluster.StatusError{URL: target, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var out dml.ShardResponse
	dec := json.NewDecoder(reader)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response of %s: %w", req, err)
	}
	return &out, nil
}

func (t *HTTP) encode(v any) ([]byte, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	if t.minCompressSize < 0 || len(raw) < t.minCompressSize {
		return raw, false, nil
	}
	packed, err := compress(raw, t.level)
	if err != nil {
		return nil, false, err
	}
	return packed, true, nil
}

func compress(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BodyReader unwraps a gzip body according to the Content-Encoding header.
func BodyReader(h http.Header, body io.Reader) (io.ReadCloser, error) {
	if !strings.EqualFold(h.Get("Content-Encoding"), encodingGzip) {
		return io.NopCloser(body), nil
	}
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return zr, nil
}

// DecodeRequest reads a shard request from a node-side HTTP request.
// Numbers are kept as json.Number so integer values survive unchanged.
func DecodeRequest(r *http.Request) (*dml.ShardRequest, error) {
	reader, err := BodyReader(r.Header, r.Body)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var req dml.ShardRequest
	dec := json.NewDecoder(io.LimitReader(reader, MaxBodySize))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode shard request: %w", err)
	}
	return &req, nil
}

// RequestTimeout returns the timeout the sender asked for, or zero.
func RequestTimeout(r *http.Request) time.Duration {
	d, err := time.ParseDuration(r.Header.Get("X-Request-Timeout"))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// WriteResponse encodes resp as JSON, compressed when the client accepts
// gzip and the body is large enough.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *dml.ShardResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentJSON)
	if len(raw) >= DefaultMinCompressSize && strings.Contains(r.Header.Get("Accept-Encoding"), encodingGzip) {
		packed, err := compress(raw, gzip.DefaultCompression)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Encoding", encodingGzip)
		raw = packed
	}
	_, err = w.Write(raw)
	return err
}
