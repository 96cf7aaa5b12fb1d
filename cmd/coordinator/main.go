package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/coordinator"
	"github.com/dreamware/shardwrite/internal/indexing"
	"github.com/dreamware/shardwrite/internal/jobs"
	"github.com/dreamware/shardwrite/internal/logging"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/metrics"
	"github.com/dreamware/shardwrite/internal/transport"
)

func main() {
	level, err := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level, os.Getenv("LOG_FORMAT"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	m, err := metrics.NewWriter()
	if err != nil {
		logger.Error("metrics setup failed", "error", err)
		os.Exit(1)
	}

	srv := newServer(cfg, logger, m)
	if cfg.tablesFile != "" {
		tables, err := metadata.LoadTables(cfg.tablesFile)
		if err != nil {
			logger.Error("loading tables failed", "path", cfg.tablesFile, "error", err)
			os.Exit(1)
		}
		for _, t := range tables {
			if err := srv.catalog.Put(t); err != nil {
				logger.Error("invalid table", "table", t.Name, "error", err)
				os.Exit(1)
			}
		}
		logger.Info("tables loaded", "count", len(tables), "path", cfg.tablesFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.health.Start(ctx, srv.snapshotNodes)

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", "addr", cfg.addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.health.Stop()
	logger.Info("coordinator stopped")
}

// config is the coordinator configuration read from the environment.
type config struct {
	addr              string
	tablesFile        string
	healthInterval    time.Duration
	insertFormatSince cluster.Version
	write             indexing.Config
}

func loadConfig() (config, error) {
	cfg := config{
		addr:       getenv("COORDINATOR_ADDR", ":8080"),
		tablesFile: os.Getenv("COORDINATOR_TABLES"),
		write:      indexing.DefaultConfig(),
	}
	var err error
	if cfg.healthInterval, err = getenvDuration("HEALTH_INTERVAL", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.insertFormatSince, err = cluster.ParseVersion(getenv("INSERT_FORMAT_SINCE", "4.2.0")); err != nil {
		return cfg, fmt.Errorf("INSERT_FORMAT_SINCE: %w", err)
	}

	w := &cfg.write
	if w.BulkActions, err = getenvInt("BULK_ACTIONS", w.BulkActions); err != nil {
		return cfg, err
	}
	if w.MaxConcurrentRequestsPerNode, err = getenvInt("MAX_REQUESTS_PER_NODE", w.MaxConcurrentRequestsPerNode); err != nil {
		return cfg, err
	}
	if w.Timeout, err = getenvDuration("WRITE_TIMEOUT", w.Timeout); err != nil {
		return cfg, err
	}
	if w.RetryAttempts, err = getenvInt("RETRY_ATTEMPTS", w.RetryAttempts); err != nil {
		return cfg, err
	}
	if w.RetryBackoff, err = getenvDuration("RETRY_BACKOFF", w.RetryBackoff); err != nil {
		return cfg, err
	}
	if w.AutoCreateIndices, err = getenvBool("AUTO_CREATE_INDICES", w.AutoCreateIndices); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type server struct {
	mu    sync.RWMutex
	nodes []cluster.NodeInfo

	cfg        config
	catalog    *metadata.Catalog
	registry   *coordinator.ShardRegistry
	indices    *coordinator.IndexService
	creator    *indexing.IndexCreator
	health     *coordinator.HealthMonitor
	jobs       *jobs.NodeJobsCounter
	transport  indexing.Transport
	insertGate cluster.VersionGate
	metrics    *metrics.Writer
	logger     *logging.Logger
}

func newServer(cfg config, logger *logging.Logger, m *metrics.Writer) *server {
	s := &server{
		cfg:        cfg,
		catalog:    metadata.NewCatalog(),
		registry:   coordinator.NewShardRegistry(),
		health:     coordinator.NewHealthMonitor(cfg.healthInterval, logger),
		jobs:       jobs.NewNodeJobsCounter(cfg.write.MaxConcurrentRequestsPerNode),
		insertGate: cluster.SinceVersion(cfg.insertFormatSince),
		metrics:    m,
		logger:     logger,
	}
	s.indices = coordinator.NewIndexService(s.registry, s.liveNodeIDs, logger)
	s.creator = indexing.NewIndexCreator(s.indices, s.catalog, cfg.write.AutoCreateIndices, cfg.write.IndexCreateTimeout, logger)
	s.transport = transport.NewHTTP(s.nodeAddr)
	s.health.SetOnUnhealthy(s.moveShardsFrom)
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /tables", s.handleListTables)
	mux.HandleFunc("POST /tables", s.handlePutTable)
	mux.HandleFunc("POST /_bulk/{table}", s.handleBulk)
	mux.HandleFunc("GET /docs/{index}/{id}", s.handleGetDoc)
	mux.HandleFunc("GET /shards", s.handleShards)
	mux.HandleFunc("POST /shards/assign", s.handleShardAssign)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// snapshotNodes returns a copy of the registered nodes.
func (s *server) snapshotNodes() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), s.nodes...)
}

func (s *server) nodeAddr(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return "", false
	}
	return s.nodes[idx].Addr, true
}

// liveNodeIDs returns registered nodes that are not known to be unhealthy,
// sorted. Nodes registered since the last health round count as live.
func (s *server) liveNodeIDs() []string {
	var ids []string
	for _, n := range s.snapshotNodes() {
		if h := s.health.GetNodeHealth(n.ID); h != nil && h.Status == coordinator.StatusUnhealthy {
			continue
		}
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// minNodeVersion is the oldest version among live registered nodes, taking
// versions confirmed by health checks over registered ones.
func (s *server) minNodeVersion() cluster.Version {
	v, _ := s.health.MinNodeVersion(s.snapshotNodes())
	return v
}

// moveShardsFrom reassigns the shards of an unhealthy node to live nodes.
func (s *server) moveShardsFrom(nodeID string) {
	live := s.liveNodeIDs()
	if len(live) == 0 {
		s.logger.Warn("no live nodes to take over shards", "node_id", nodeID)
		return
	}
	for i, a := range s.registry.GetNodeShards(nodeID) {
		target := live[i%len(live)]
		if err := s.registry.AssignShard(a.Index, a.ShardID, target, true); err != nil {
			s.logger.Error("shard reassignment failed", "index", a.Index, "shard_id", a.ShardID, "error", err)
			continue
		}
		s.logger.Info("shard reassigned", "index", a.Index, "shard_id", a.ShardID, "from", nodeID, "to", target)
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
	}
	s.mu.Unlock()
	if idx >= 0 {
		s.health.Forget(req.Node.ID)
	}
	s.logger.Info("node registered", "node_id", req.Node.ID, "addr", req.Node.Addr, "version", req.Node.Version)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	type nodeStatus struct {
		cluster.NodeInfo
		Health *coordinator.NodeHealth `json:"health,omitempty"`
	}
	nodes := s.snapshotNodes()
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus{NodeInfo: n, Health: s.health.GetNodeHealth(n.ID)})
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes          []nodeStatus `json:"nodes"`
		MinNodeVersion string       `json:"min_node_version"`
	}{Nodes: out, MinNodeVersion: s.minNodeVersion().String()})
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	targets := s.snapshotNodes()
	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(8)
	for i, n := range targets {
		g.Go(func() error {
			out[i] = result{NodeID: n.ID}
			if err := cluster.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil); err != nil {
				out[i].Err = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, struct {
		SentTo  int      `json:"sent_to"`
		Results []result `json:"results"`
	}{SentTo: len(targets), Results: out})
}

func (s *server) handleListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Tables []*metadata.Table `json:"tables"`
	}{Tables: s.catalog.List()})
}

// handlePutTable registers or replaces a table definition. The index of a
// non-partitioned table is created right away when nodes are available.
func (s *server) handlePutTable(w http.ResponseWriter, r *http.Request) {
	var t metadata.Table
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.catalog.Put(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !t.IsPartitioned() && len(s.liveNodeIDs()) > 0 {
		if err := s.creator.EnsureExists(r.Context(), t.Name); err != nil {
			s.logger.Warn("index not created with its table", "table", t.Name, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetDoc proxies a document read to the node holding its shard. The
// routing query parameter is needed for tables clustered by a column other
// than the primary key.
func (s *server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	index, id := r.PathValue("index"), r.PathValue("id")
	routing := r.URL.Query().Get("routing")
	if routing == "" {
		routing = id
	}

	shardID, err := s.registry.GetShardForKey(index, routing)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	nodeID, err := s.registry.NodeForShard(index, shardID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	addr, ok := s.nodeAddr(nodeID)
	if !ok {
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	var doc json.RawMessage
	target := fmt.Sprintf("%s/shard/%s/%d/docs/%s", strings.TrimRight(addr, "/"), url.PathEscape(index), shardID, url.PathEscape(id))
	if err := cluster.GetJSON(ctx, target, &doc); err != nil {
		var se *cluster.StatusError
		if errors.As(err, &se) {
			http.Error(w, se.Body, se.StatusCode)
			return
		}
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleShards returns current shard assignments, optionally for one index.
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	assignments := s.registry.GetAllAssignments()
	if index := r.URL.Query().Get("index"); index != "" {
		assignments = slices.DeleteFunc(assignments, func(a *coordinator.ShardAssignment) bool {
			return a.Index != index
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Shards  []*coordinator.ShardAssignment `json:"shards"`
		Indices []string                       `json:"indices"`
	}{Shards: assignments, Indices: s.registry.Indices()})
}

// handleShardAssign manually assigns a shard to a node (admin operation)
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index     string `json:"index"`
		ShardID   int    `json:"shard_id"`
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if _, ok := s.nodeAddr(req.NodeID); !ok {
		http.Error(w, fmt.Sprintf("node %s not registered", req.NodeID), http.StatusBadRequest)
		return
	}
	if err := s.registry.AssignShard(req.Index, req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}
