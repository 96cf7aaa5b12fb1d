package coordinator

import (
	"context"

	"github.com/dreamware/shardwrite/internal/logging"
)

// IndexService creates indices on the live part of the cluster. It backs
// automatic index creation on the write path.
//
// Placement uses the nodes returned by the nodes function at creation time;
// shards are created lazily on their node by the first write.
type IndexService struct {
	registry *ShardRegistry
	nodes    func() []string
	logger   *logging.Logger
}

// NewIndexService creates an IndexService placing shards on the node IDs
// returned by nodes.
func NewIndexService(registry *ShardRegistry, nodes func() []string, logger *logging.Logger) *IndexService {
	if logger == nil {
		logger = logging.Noop()
	}
	return &IndexService{registry: registry, nodes: nodes, logger: logger}
}

// IndexExists reports whether an index was created.
func (s *IndexService) IndexExists(name string) bool {
	return s.registry.HasIndex(name)
}

// CreateIndex creates name with the given number of shards. It returns
// metadata.ErrIndexAlreadyExists when the index exists.
func (s *IndexService) CreateIndex(ctx context.Context, name string, shards, replicas int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.CreateIndex(name, shards, replicas, s.nodes()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "index created", "index", name, "shards", shards, "replicas", replicas)
	return nil
}

// NodeForShard resolves the node holding a shard.
func (s *IndexService) NodeForShard(index string, shardID int) (string, error) {
	return s.registry.NodeForShard(index, shardID)
}
