package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/logging"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster,
// together with the release version it last reported.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful health check
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`            // StatusHealthy, StatusUnhealthy or StatusUnknown
	Version          string    `json:"version,omitempty"` // Version from the last successful check
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// CheckFunc probes a node address and returns the version the node reports.
type CheckFunc func(ctx context.Context, addr string) (version string, err error)

// HealthMonitor performs periodic health checks on all registered nodes in
// the cluster. Besides liveness it tracks the version each node runs, which
// the write path uses to pick a wire format every node understands.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth // Current health status per node
	checkFunc   CheckFunc              // Function to perform health check
	onUnhealthy func(nodeID string)    // Callback when node becomes unhealthy
	logger      *logging.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Timeout for a single check
	mu          sync.RWMutex       // Protects nodes map and callbacks
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// The monitor will check each node's /health endpoint every interval.
// Nodes are marked unhealthy after 3 consecutive failures.
//
// Parameters:
//   - interval: How often to perform health checks (recommended: 5s)
//   - logger: Destination for state changes; nil discards them
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	go monitor.Start(ctx, nodeProvider)
func NewHealthMonitor(interval time.Duration, logger *logging.Logger) *HealthMonitor {
	if logger == nil {
		logger = logging.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    logger.Warn("moving shards away", "node_id", nodeID)
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the default HTTP health check. Tests use it to
// simulate failing nodes and version upgrades.
func (h *HealthMonitor) SetCheckFunction(checkFunc CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start begins the health monitoring process in the current goroutine.
// It checks all nodes returned by nodeProvider immediately, then every
// interval, until ctx or the monitor is stopped.
//
// Example:
//
//	go monitor.Start(ctx, func() []cluster.NodeInfo {
//	    return srv.nodes()
//	})
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)

	h.CheckNow(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.CheckNow(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", "reason", ctx.Err())
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to complete.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckNow performs one round of health checks over nodes and forgets nodes
// that are no longer listed. Checks run concurrently; CheckNow returns when
// all of them completed.
func (h *HealthMonitor) CheckNow(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, node)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Info("removed node from health monitoring", "node_id", nodeID)
		}
	}
	h.mu.Unlock()
}

// checkNode performs a health check on a single node and updates its record.
//
// Implementation:
//  1. Get or create health record for the node
//  2. Probe the node, bounded by the check timeout
//  3. On success record the reported version and reset the failure count
//  4. On failure count it, and mark the node unhealthy at the threshold
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			Version:     node.Version,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	if check == nil {
		check = h.defaultHealthCheck
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	version, err := check(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			"node_id", node.ID,
			"attempt", health.ConsecutiveFails,
			"max_failures", h.maxFailures,
			"error", err,
		)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Error("node marked unhealthy", "node_id", node.ID, "failures", health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info("node recovered", "node_id", node.ID)
	}
	if version != "" && version != health.Version {
		if health.Version != "" {
			h.logger.Info("node version changed", "node_id", node.ID, "from", health.Version, "to", version)
		}
		health.Version = version
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck GETs the node's /health endpoint and decodes the
// reported version.
//
// Parameters:
//   - addr: Node address, either "host:port" or a full URL
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) (string, error) {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	var resp cluster.HealthResponse
	if err := cluster.GetJSON(ctx, url, &resp); err != nil {
		return "", fmt.Errorf("health check request failed: %w", err)
	}
	return resp.Version, nil
}

// GetNodeHealth returns a copy of the health record of a node, or nil if
// the node is not being monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	copied := *health
	return &copied
}

// GetAllNodeHealth returns copies of all health records keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		copied := *health
		result[id] = &copied
	}
	return result
}

// IsHealthy reports whether a node is currently healthy. Nodes that are not
// monitored are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// HealthyNodes returns the IDs of healthy nodes, sorted.
func (h *HealthMonitor) HealthyNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, health := range h.nodes {
		if health.Status == StatusHealthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MinNodeVersion returns the oldest version among the given registered nodes
// that are not unhealthy. A node's last checked version wins over the one it
// registered with; nodes not yet checked count with their registered version.
// ok is false when nodes holds no live node.
//
// Unhealthy nodes are skipped: they receive no writes, and an old node that
// went away must not hold back the wire format of the others.
func (h *HealthMonitor) MinNodeVersion(nodes []cluster.NodeInfo) (cluster.Version, bool) {
	h.mu.RLock()
	live := make([]cluster.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if health, ok := h.nodes[n.ID]; ok {
			if health.Status == StatusUnhealthy {
				continue
			}
			if health.Version != "" {
				n.Version = health.Version
			}
		}
		live = append(live, n)
	}
	h.mu.RUnlock()
	return cluster.MinNodeVersion(live)
}

// Forget drops the health record of a node. A node that registers again
// starts over as unchecked.
func (h *HealthMonitor) Forget(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, nodeID)
}
