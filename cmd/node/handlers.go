package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/shard"
	"github.com/dreamware/shardwrite/internal/storage"
	"github.com/dreamware/shardwrite/internal/transport"
)

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", n.handleHealth)
	mux.HandleFunc("POST /control", n.handleControl)
	mux.HandleFunc("POST /shard/{index}/{id}/_bulk", n.handleBulk)
	mux.HandleFunc("GET /shard/{index}/{id}/docs", n.withShard(handleListKeys))
	mux.HandleFunc("GET /shard/{index}/{id}/docs/{key}", n.withShard(handleGet))
	mux.HandleFunc("GET /shard/{index}/{id}/stats", n.withShard(handleShardStats))
	mux.HandleFunc("GET /info", n.handleNodeInfo)
	return mux
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cluster.HealthResponse{NodeID: n.ID, Version: n.Version})
}

// handleControl acknowledges coordinator broadcasts.
func (n *Node) handleControl(w http.ResponseWriter, r *http.Request) {
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r.Body); err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	n.logger.Info("control payload", "payload", raw.String())
	w.WriteHeader(http.StatusNoContent)
}

// handleBulk applies one shard request, creating the shard on first use.
func (n *Node) handleBulk(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index")
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}

	req, err := transport.DecodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Index != index || req.ShardID != id {
		http.Error(w, "request does not match shard path", http.StatusBadRequest)
		return
	}

	s, err := n.GetOrCreateShard(index, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	start := time.Now()
	resp, err := s.Apply(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, shard.ErrShardNotActive) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	elapsed := time.Since(start)
	if timeout := transport.RequestTimeout(r); timeout > 0 && elapsed > timeout {
		n.logger.Warn("shard request exceeded sender timeout",
			"job_id", req.JobID, "index", index, "shard_id", id, "elapsed", elapsed, "timeout", timeout)
	}
	n.logger.Debug("shard request applied",
		"job_id", req.JobID, "index", index, "shard_id", id,
		"items", req.Len(), "written", resp.Written, "failures", len(resp.Failures))

	if err := transport.WriteResponse(w, r, resp); err != nil {
		n.logger.Error("writing response failed", "error", err)
	}
}

// withShard resolves the shard of the request path; shards this node never
// received writes for are not found.
func (n *Node) withShard(h func(*shard.Shard, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid shard ID", http.StatusBadRequest)
			return
		}
		s := n.GetShard(r.PathValue("index"), id)
		if s == nil {
			http.Error(w, "shard not found", http.StatusNotFound)
			return
		}
		h(s, w, r)
	}
}

func handleGet(s *shard.Shard, w http.ResponseWriter, r *http.Request) {
	doc, err := s.Get(r.PathValue("key"))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func handleListKeys(s *shard.Shard, w http.ResponseWriter, _ *http.Request) {
	keys := s.ListKeys()
	writeJSON(w, http.StatusOK, struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{Keys: keys, Count: len(keys)})
}

func handleShardStats(s *shard.Shard, w http.ResponseWriter, _ *http.Request) {
	stats := s.GetStats()
	writeJSON(w, http.StatusOK, struct {
		Index   string               `json:"index"`
		ShardID int                  `json:"shard_id"`
		Ops     shard.OperationStats `json:"operations"`
		Storage storage.StoreStats   `json:"storage"`
	}{Index: s.Index, ShardID: s.ID, Ops: stats.Ops, Storage: stats.Storage})
}

func (n *Node) handleNodeInfo(w http.ResponseWriter, _ *http.Request) {
	shards := n.Shards()
	infos := make([]shard.ShardInfo, 0, len(shards))
	for _, s := range shards {
		infos = append(infos, s.Info())
	}
	writeJSON(w, http.StatusOK, struct {
		NodeID  string            `json:"node_id"`
		Version string            `json:"version"`
		Shards  []shard.ShardInfo `json:"shards"`
		Count   int               `json:"shard_count"`
	}{NodeID: n.ID, Version: n.Version, Shards: infos, Count: len(infos)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
