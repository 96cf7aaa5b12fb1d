// Package main implements the shardwrite storage node. A node holds shards of
// any number of indices and applies the bulk shard requests the coordinator
// routes to it.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                   Node                      │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health                       liveness   │
//	│    /control                      broadcasts │
//	│    /shard/{index}/{id}/_bulk     writes     │
//	│    /shard/{index}/{id}/docs/...  reads      │
//	│    /shard/{index}/{id}/stats     counters   │
//	│    /info                         shards     │
//	├─────────────────────────────────────────────┤
//	│  shards: (index, id) → shard.Shard          │
//	│  storage: memory or SQLite per shard        │
//	└─────────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - NODE_VERSION: Release reported to the coordinator (default: "4.2.0")
//   - NODE_DATA_DIR: Directory for SQLite shard files; memory storage when empty
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - LOG_LEVEL, LOG_FORMAT: debug|info|warn|error, text|json
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/logging"
	"github.com/dreamware/shardwrite/internal/shard"
	"github.com/dreamware/shardwrite/internal/storage"
)

// DefaultVersion is the release a node reports when NODE_VERSION is unset.
const DefaultVersion = "4.2.0"

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

type shardKey struct {
	index string
	id    int
}

// Node holds the shards of this process. Shards are created on the first
// request that addresses them.
type Node struct {
	// ID uniquely identifies this node in the cluster.
	ID string
	// Version is the release reported on /health.
	Version string

	// dataDir holds one SQLite file per shard; empty means memory storage.
	dataDir string
	logger  *logging.Logger

	mu     sync.RWMutex
	shards map[shardKey]*shard.Shard
}

// NewNode creates a node. dataDir selects SQLite storage when not empty.
func NewNode(id, version, dataDir string, logger *logging.Logger) *Node {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Node{
		ID:      id,
		Version: version,
		dataDir: dataDir,
		logger:  logger.WithNode(id),
		shards:  make(map[shardKey]*shard.Shard),
	}
}

// GetShard returns the shard, or nil if this node does not hold it.
func (n *Node) GetShard(index string, id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[shardKey{index, id}]
}

// AddShard makes s available, replacing a shard with the same address.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[shardKey{s.Index, s.ID}] = s
}

// GetOrCreateShard returns the shard, opening its storage if needed.
func (n *Node) GetOrCreateShard(index string, id int) (*shard.Shard, error) {
	if s := n.GetShard(index, id); s != nil {
		return s, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	key := shardKey{index, id}
	if s := n.shards[key]; s != nil {
		return s, nil
	}
	store, err := n.openStore(index, id)
	if err != nil {
		return nil, err
	}
	s := shard.NewShardWithStore(index, id, store)
	n.shards[key] = s
	n.logger.Info("shard created", "index", index, "shard_id", id, "persistent", n.dataDir != "")
	return s, nil
}

func (n *Node) openStore(index string, id int) (storage.Store, error) {
	if n.dataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	dir := filepath.Join(n.dataDir, url.PathEscape(index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}
	return storage.OpenSQLite(filepath.Join(dir, fmt.Sprintf("%d.db", id)))
}

// Shards returns the shards of this node ordered by index and shard.
func (n *Node) Shards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()
	slices.SortFunc(out, func(a, b *shard.Shard) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Close closes every shard.
func (n *Node) Close() error {
	var errs []error
	for _, s := range n.Shards() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s[%d]: %w", s.Index, s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// main reads the configuration, serves the node API and registers with the
// coordinator.
//
// Required environment:
//   - NODE_ID, COORDINATOR_ADDR
func main() {
	level, err := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logFatal("%v", err)
	}
	logger := logging.New(os.Stderr, level, os.Getenv("LOG_FORMAT"))

	nodeID := mustGetenv("NODE_ID")
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	version := getenv("NODE_VERSION", DefaultVersion)
	coord := mustGetenv("COORDINATOR_ADDR")

	if _, err := cluster.ParseVersion(version); err != nil {
		logFatal("NODE_VERSION: %v", err)
	}

	node := NewNode(nodeID, version, os.Getenv("NODE_DATA_DIR"), logger)
	node.logger.Info("node initialized", "version", version, "data_dir", node.dataDir)

	s := &http.Server{
		Addr:              listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		node.logger.Info("node listening", "listen", listen, "public", public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), node.logger, coord, cluster.NodeInfo{ID: nodeID, Addr: public, Version: version})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		node.logger.Error("server shutdown failed", "error", err)
	}
	if err := node.Close(); err != nil {
		node.logger.Error("closing shards failed", "error", err)
	}
	node.logger.Info("node stopped")
}

// register announces the node to the coordinator, retrying while the
// coordinator starts up.
func register(ctx context.Context, logger *logging.Logger, coord string, info cluster.NodeInfo) {
	body := cluster.RegisterRequest{Node: info}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", "coordinator", coord)
			return
		}
		logger.Warn("register retry", "attempt", i+1, "error", lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
