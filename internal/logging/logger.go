// Package logging wraps slog.Logger with the field names used across the
// write path.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dreamware/shardwrite/internal/dml"
)

// Logger wraps slog.Logger with shardwrite-specific context.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to w. format is "text" or "json"; anything
// else falls back to text. A nil writer means stderr.
func New(w io.Writer, level slog.Level, format string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel parses debug, info, warn or error (case-insensitive).
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// WithJob adds the write job id.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{Logger: l.Logger.With("job_id", jobID)}
}

// WithNode adds a node id.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{Logger: l.Logger.With("node_id", nodeID)}
}

// LogShardRequest logs the outcome of one shard request.
func (l *Logger) LogShardRequest(ctx context.Context, nodeID string, req *dml.ShardRequest, resp *dml.ShardResponse, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shard request failed",
			"node_id", nodeID,
			"index", req.Index,
			"shard_id", req.ShardID,
			"items", req.Len(),
			"error", err,
		)
		return
	}
	if resp.HasFailures() {
		l.WarnContext(ctx, "shard request completed with failures",
			"node_id", nodeID,
			"index", req.Index,
			"shard_id", req.ShardID,
			"written", resp.Written,
			"failed", len(resp.Failures),
		)
		return
	}
	l.DebugContext(ctx, "shard request completed",
		"node_id", nodeID,
		"index", req.Index,
		"shard_id", req.ShardID,
		"written", resp.Written,
		"ignored", resp.Ignored,
	)
}

// LogWrite logs the end of a bulk write.
func (l *Logger) LogWrite(ctx context.Context, rowCount int64, failures int, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "write failed",
			"row_count", rowCount,
			"failures", failures,
			"error", err,
		)
	case failures > 0:
		l.WarnContext(ctx, "write completed with failures",
			"row_count", rowCount,
			"failures", failures,
		)
	default:
		l.InfoContext(ctx, "write completed",
			"row_count", rowCount,
		)
	}
}
