package indexing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/dreamware/shardwrite/internal/dml"
	"github.com/dreamware/shardwrite/internal/jobs"
	"github.com/dreamware/shardwrite/internal/logging"
	"github.com/dreamware/shardwrite/internal/metrics"
	"github.com/dreamware/shardwrite/internal/row"
)

// State is the phase of a running write.
type State int

const (
	StateAccumulating State = iota
	StateDispatching
	StateAwaiting
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateDispatching:
		return "dispatching"
	case StateAwaiting:
		return "awaiting"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deps are the collaborators of an executor. Router and Transport are
// required; the rest are optional.
type Deps struct {
	Router    Router
	Transport Transport
	// Indices ensures indices exist before their shards are written. Without
	// it every index is assumed to exist.
	Indices *IndexCreator
	// Jobs is shared by all writes of a coordinator so the per-node ceiling
	// holds across them. Nil means a private counter per executor.
	Jobs    *jobs.NodeJobsCounter
	Metrics *metrics.Writer
	Logger  *logging.Logger
	// OnState observes state transitions.
	OnState func(State)
}

// ShardingUpsertExecutor groups input rows into per-shard requests, sends
// them with a bounded number of requests in flight per node and merges the
// responses into an UpsertResult.
type ShardingUpsertExecutor struct {
	cfg         Config
	resolver    *RowShardResolver
	newRequest  dml.RequestFactory
	newItem     dml.ItemFactory
	returnsRows bool

	router    Router
	transport Transport
	indices   *IndexCreator
	jobs      *jobs.NodeJobsCounter
	metrics   *metrics.Writer
	logger    *logging.Logger
	onState   func(State)
}

// NewShardingUpsertExecutor creates an executor. The transport is wrapped so
// each attempt is bounded by cfg.Timeout and, with cfg.RetryAttempts above 1,
// retried.
func NewShardingUpsertExecutor(
	cfg Config,
	resolver *RowShardResolver,
	requests dml.RequestFactory,
	items dml.ItemFactory,
	returnsRows bool,
	deps Deps,
) *ShardingUpsertExecutor {
	cfg.validate()

	var t Transport = timeoutTransport{next: deps.Transport}
	if cfg.RetryAttempts > 1 {
		rt := &RetryTransport{Next: t, Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}
		if cfg.RetryPerSecond > 0 {
			rt.Limiter = rate.NewLimiter(rate.Limit(cfg.RetryPerSecond), 1)
		}
		t = rt
	}
	counter := deps.Jobs
	if counter == nil {
		counter = jobs.NewNodeJobsCounter(cfg.MaxConcurrentRequestsPerNode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Noop()
	}

	return &ShardingUpsertExecutor{
		cfg:         cfg,
		resolver:    resolver,
		newRequest:  requests,
		newItem:     items,
		returnsRows: returnsRows,
		router:      deps.Router,
		transport:   t,
		indices:     deps.Indices,
		jobs:        counter,
		metrics:     deps.Metrics,
		logger:      logger,
		onState:     deps.OnState,
	}
}

// Execute reads src to the end and writes every row. It returns when all
// sent requests have completed.
//
// A canceled ctx or a closed source discards unsent batches, waits for the
// requests in flight and returns the cancellation error together with the
// partial result. A transport failure, and without ContinueOnErrors any row
// or item failure, ends the write the same way.
func (e *ShardingUpsertExecutor) Execute(ctx context.Context, src row.Iterator) (*UpsertResult, error) {
	r := newWriteRun(ctx, e)
	defer r.cancelDispatch()

	if err := r.read(ctx, src); err != nil {
		r.stop(err)
	} else {
		r.sealAll()
	}

	for _, d := range r.dispatchers {
		d.close()
	}
	if len(r.dispatchers) > 0 {
		r.setState(StateAwaiting)
	}
	r.dispatchWG.Wait()
	r.sendWG.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		r.setStateLocked(StateFailed)
	} else {
		r.setStateLocked(StateDone)
	}
	e.logger.LogWrite(ctx, r.result.RowCount, len(r.result.Failures), r.err)
	return r.result, r.err
}

type shardKey struct {
	index   string
	shardID int
}

// indexFuture is the outcome of making sure one index exists.
type indexFuture struct {
	done chan struct{}
	err  error
}

type batch struct {
	req   *dml.ShardRequest
	index *indexFuture
}

// writeRun is the state of one Execute call.
type writeRun struct {
	e   *ShardingUpsertExecutor
	ctx context.Context

	// dispatchCtx is canceled when the write stops; it bounds waiting for
	// indices and job slots, never a request in flight.
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	stopped        chan struct{}
	stopOnce       sync.Once

	// Owned by the reading goroutine.
	pending     map[shardKey]*dml.ShardRequest
	dispatchers map[shardKey]*dispatcher
	indexes     map[string]*indexFuture

	dispatchWG sync.WaitGroup
	sendWG     sync.WaitGroup

	mu     sync.Mutex
	state  State
	result *UpsertResult
	err    error
}

func newWriteRun(ctx context.Context, e *ShardingUpsertExecutor) *writeRun {
	dctx, cancel := context.WithCancel(ctx)
	return &writeRun{
		e:              e,
		ctx:            ctx,
		dispatchCtx:    dctx,
		cancelDispatch: cancel,
		stopped:        make(chan struct{}),
		pending:        make(map[shardKey]*dml.ShardRequest),
		dispatchers:    make(map[shardKey]*dispatcher),
		indexes:        make(map[string]*indexFuture),
		state:          StateAccumulating,
		result:         newUpsertResult(e.returnsRows),
	}
}

func (r *writeRun) read(ctx context.Context, src row.Iterator) error {
	var pos int64
	for !r.isStopped() {
		rw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		pos++
		if err := r.add(rw, pos); err != nil {
			return err
		}
	}
	return nil
}

// add appends the item for rw to its shard's pending batch and seals the
// batch once it holds BulkActions items.
func (r *writeRun) add(rw row.Row, pos int64) error {
	index, shardID, item, err := r.itemFor(rw)
	if err != nil {
		inv := &InvalidRowError{Position: pos, Err: err}
		if !r.e.cfg.ContinueOnErrors {
			return inv
		}
		r.e.metrics.ItemFailures(string(dml.FailureInvalid), 1)
		r.mu.Lock()
		r.result.Failures = append(r.result.Failures, Failure{Index: index, ShardID: shardID, Err: inv})
		r.mu.Unlock()
		return nil
	}

	key := shardKey{index: index, shardID: shardID}
	req, ok := r.pending[key]
	if !ok {
		req = r.e.newRequest(index, shardID)
		r.pending[key] = req
		r.prefetchIndex(index)
	}
	req.Add(item)
	if req.Len() >= r.e.cfg.BulkActions {
		delete(r.pending, key)
		r.seal(key, req)
	}
	return nil
}

func (r *writeRun) itemFor(rw row.Row) (string, int, dml.Item, error) {
	index, err := r.e.resolver.Index(rw)
	if err != nil {
		return "", 0, dml.Item{}, err
	}
	routing, id, err := r.e.resolver.Resolve(rw)
	if err != nil {
		return index, 0, dml.Item{}, err
	}
	shardID := r.e.resolver.ShardID(routing)
	item, err := r.e.newItem(id, rw)
	if err != nil {
		return index, shardID, dml.Item{}, err
	}
	return index, shardID, item, nil
}

// prefetchIndex starts making sure index exists as soon as its first row is
// seen, so creation overlaps with filling the batch.
func (r *writeRun) prefetchIndex(index string) {
	if _, ok := r.indexes[index]; ok {
		return
	}
	f := &indexFuture{done: make(chan struct{})}
	r.indexes[index] = f
	if r.e.indices == nil {
		close(f.done)
		return
	}
	r.dispatchWG.Add(1)
	go func() {
		defer r.dispatchWG.Done()
		defer close(f.done)
		f.err = r.e.indices.EnsureExists(r.dispatchCtx, index)
	}()
}

func (r *writeRun) seal(key shardKey, req *dml.ShardRequest) {
	d, ok := r.dispatchers[key]
	if !ok {
		d = newDispatcher()
		r.dispatchers[key] = d
		r.dispatchWG.Add(1)
		go func() {
			defer r.dispatchWG.Done()
			r.runDispatcher(d)
		}()
	}
	d.push(batch{req: req, index: r.indexes[key.index]})
}

// sealAll seals every non-empty pending batch at the end of the input.
func (r *writeRun) sealAll() {
	if r.isStopped() {
		return
	}
	keys := make([]shardKey, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b shardKey) int {
		if c := cmp.Compare(a.index, b.index); c != 0 {
			return c
		}
		return cmp.Compare(a.shardID, b.shardID)
	})
	for _, k := range keys {
		r.seal(k, r.pending[k])
		delete(r.pending, k)
	}
}

func (r *writeRun) runDispatcher(d *dispatcher) {
	for {
		b, ok := d.next(r.stopped)
		if !ok {
			return
		}
		r.dispatch(b)
	}
}

// dispatch waits for the batch's index and a job slot on the shard's node,
// then sends the batch without waiting for the response.
func (r *writeRun) dispatch(b batch) {
	req := b.req
	select {
	case <-b.index.done:
	case <-r.stopped:
		return
	}
	if err := r.dispatchCtx.Err(); err != nil {
		r.stop(err)
		return
	}
	if err := b.index.err; err != nil {
		r.failRequest(req, err)
		return
	}

	node, err := r.e.router.NodeForShard(req.Index, req.ShardID)
	if err != nil {
		r.stop(&TransportFailure{Index: req.Index, ShardID: req.ShardID, Err: err})
		return
	}
	slot, err := r.e.jobs.Acquire(r.dispatchCtx, node)
	if err != nil {
		r.stop(err)
		return
	}
	if r.isStopped() {
		slot.Release()
		return
	}

	r.setState(StateDispatching)
	r.sendWG.Add(1)
	go func() {
		defer r.sendWG.Done()
		defer slot.Release()
		r.send(node, req)
	}()
}

func (r *writeRun) send(node string, req *dml.ShardRequest) {
	// Requests in flight complete even when the caller gives up.
	ctx := context.WithoutCancel(r.ctx)

	r.e.metrics.RequestStarted(node)
	start := time.Now()
	resp, err := r.e.transport.Send(ctx, node, req)
	if err == nil && resp == nil {
		err = ErrNoResponse
	}

	status := metrics.StatusOK
	switch {
	case err != nil:
		status = metrics.StatusError
	case resp.HasFailures():
		status = metrics.StatusPartial
	}
	r.e.metrics.RequestFinished(node, status, time.Since(start))
	r.e.logger.LogShardRequest(ctx, node, req, resp, err)

	if err != nil {
		r.stop(&TransportFailure{NodeID: node, Index: req.Index, ShardID: req.ShardID, Err: err})
		return
	}
	r.merge(req, resp)
}

func (r *writeRun) merge(req *dml.ShardRequest, resp *dml.ShardResponse) {
	r.e.metrics.RowsWritten(resp.Written)
	for _, f := range resp.Failures {
		r.e.metrics.ItemFailures(string(f.Kind), 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(StateMerging)

	r.result.RowCount += int64(resp.Written)
	if r.result.returnsRows {
		for _, values := range resp.ResultRows {
			r.result.Rows = append(r.result.Rows, row.Row(values))
		}
	}
	for _, f := range resp.Failures {
		r.result.Failures = append(r.result.Failures, Failure{
			Index:   req.Index,
			ShardID: req.ShardID,
			ItemID:  f.ID,
			Err:     f,
		})
	}
	if resp.HasFailures() && !r.e.cfg.ContinueOnErrors {
		r.stopLocked(fmt.Errorf("%s: %w", req, resp.Failures[0]))
	}
}

// failRequest records every item of req as failed because its index is
// unavailable. Shards of other indices are unaffected.
func (r *writeRun) failRequest(req *dml.ShardRequest, err error) {
	var ice *IndexCreationError
	if !errors.As(err, &ice) {
		err = &IndexCreationError{Index: req.Index, Err: err}
	}
	r.e.metrics.ItemFailures("index", req.Len())

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range req.Items {
		r.result.Failures = append(r.result.Failures, Failure{
			Index:   req.Index,
			ShardID: req.ShardID,
			ItemID:  item.ID,
			Err:     err,
		})
	}
}

func (r *writeRun) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// stop ends the write with err. The first error wins.
func (r *writeRun) stop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(err)
}

func (r *writeRun) stopLocked(err error) {
	if r.err == nil {
		r.err = err
	}
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.cancelDispatch()
	})
}

func (r *writeRun) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(s)
}

func (r *writeRun) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.e.logger.Debug("write state", "from", r.state.String(), "to", s.String())
	r.state = s
	if r.e.onState != nil {
		r.e.onState(s)
	}
}

// dispatcher is an unbounded FIFO of sealed batches for one shard. The
// reading goroutine pushes; a single goroutine pops, so a shard's batches are
// sent in the order they were filled.
type dispatcher struct {
	mu     sync.Mutex
	queue  []batch
	closed bool
	notify chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{notify: make(chan struct{}, 1)}
}

func (d *dispatcher) push(b batch) {
	d.mu.Lock()
	d.queue = append(d.queue, b)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// next returns the oldest batch, blocking until one is pushed. ok is false
// once the queue is closed and drained, or when stopped is closed.
func (d *dispatcher) next(stopped <-chan struct{}) (batch, bool) {
	for {
		select {
		case <-stopped:
			return batch{}, false
		default:
		}
		d.mu.Lock()
		if len(d.queue) > 0 {
			b := d.queue[0]
			d.queue[0] = batch{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return b, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return batch{}, false
		}
		select {
		case <-d.notify:
		case <-stopped:
			return batch{}, false
		}
	}
}
