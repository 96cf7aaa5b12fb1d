package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/shardwrite/internal/logging"
	"github.com/dreamware/shardwrite/internal/metadata"
)

// IndexLifecycle creates indices and reports which exist.
type IndexLifecycle interface {
	IndexExists(name string) bool
	// CreateIndex returns metadata.ErrIndexAlreadyExists when name exists.
	CreateIndex(ctx context.Context, name string, shards, replicas int) error
}

// Tables looks up table definitions by name.
type Tables interface {
	Get(name string) (*metadata.Table, error)
}

// IndexCreator makes sure indices exist before rows are sent to them.
// Concurrent callers for the same index share one creation attempt, and
// indices seen once are not checked again.
type IndexCreator struct {
	lifecycle  IndexLifecycle
	tables     Tables
	autoCreate bool
	timeout    time.Duration
	logger     *logging.Logger

	group singleflight.Group
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewIndexCreator creates an IndexCreator. With autoCreate off, a missing
// index fails with metadata.ErrIndexNotFound. timeout bounds each creation
// attempt independently of the callers' contexts.
func NewIndexCreator(lifecycle IndexLifecycle, tables Tables, autoCreate bool, timeout time.Duration, logger *logging.Logger) *IndexCreator {
	if logger == nil {
		logger = logging.Noop()
	}
	if timeout <= 0 {
		timeout = DefaultConfig().IndexCreateTimeout
	}
	return &IndexCreator{
		lifecycle:  lifecycle,
		tables:     tables,
		autoCreate: autoCreate,
		timeout:    timeout,
		logger:     logger,
		known:      make(map[string]struct{}),
	}
}

// EnsureExists returns nil once index exists. Failures are returned as
// *IndexCreationError. A canceled ctx stops the wait, not a creation already
// in progress.
func (c *IndexCreator) EnsureExists(ctx context.Context, index string) error {
	if c.isKnown(index) {
		return nil
	}
	if c.lifecycle.IndexExists(index) {
		c.markKnown(index)
		return nil
	}
	if !c.autoCreate {
		return &IndexCreationError{Index: index, Err: metadata.ErrIndexNotFound}
	}

	ch := c.group.DoChan(index, func() (any, error) {
		return nil, c.create(context.WithoutCancel(ctx), index)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *IndexCreator) create(ctx context.Context, index string) error {
	if c.isKnown(index) {
		return nil
	}
	t, err := c.tables.Get(metadata.TableOfIndex(index))
	if err != nil {
		return &IndexCreationError{Index: index, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.lifecycle.CreateIndex(ctx, index, t.NumShards, t.NumReplicas)
	switch {
	case err == nil:
		c.logger.Info("index created", "index", index, "shards", t.NumShards, "replicas", t.NumReplicas)
	case errors.Is(err, metadata.ErrIndexAlreadyExists):
		c.logger.Debug("index already exists", "index", index)
	default:
		return &IndexCreationError{Index: index, Err: fmt.Errorf("create: %w", err)}
	}
	c.markKnown(index)
	return nil
}

func (c *IndexCreator) isKnown(index string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[index]
	return ok
}

func (c *IndexCreator) markKnown(index string) {
	c.mu.Lock()
	c.known[index] = struct{}{}
	c.mu.Unlock()
}
