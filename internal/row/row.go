// Package row defines the row values flowing through the write pipeline and
// the pull-based iterator the pipeline stages exchange.
package row

import (
	"context"
	"errors"
	"io"
)

// Row is an ordered sequence of column values. A row is owned by whoever
// produced it for the duration of one write and must be copied if retained.
type Row []any

// Copy returns a shallow copy of r.
func (r Row) Copy() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// ErrSourceClosed is returned by an Iterator whose producer stopped before the
// input was exhausted. Consumers treat it as a cancellation, not as end of input.
var ErrSourceClosed = errors.New("row source closed")

// Iterator yields rows one at a time. Next returns io.EOF once the input is
// exhausted. Close releases the source; calling Next after Close returns
// ErrSourceClosed.
type Iterator interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Projector is a pipeline stage that consumes one iterator and produces
// another. ProvidesIndependentScroll reports whether the output can be
// iterated independently of the input, which write stages never allow.
type Projector interface {
	Apply(src Iterator) Iterator
	ProvidesIndependentScroll() bool
}

// SliceIterator iterates over an in-memory slice of rows.
type SliceIterator struct {
	rows   []Row
	pos    int
	closed bool
}

func NewSliceIterator(rows []Row) *SliceIterator {
	return &SliceIterator{rows: rows}
}

func (s *SliceIterator) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

func (s *SliceIterator) Close() error {
	s.closed = true
	return nil
}

// ChanIterator adapts a channel of rows. The producer closes the channel at
// end of input; an error sent on errc ends iteration with that error.
type ChanIterator struct {
	rows <-chan Row
	errc <-chan error
	done chan struct{}
	err  error
}

func NewChanIterator(rows <-chan Row, errc <-chan error) *ChanIterator {
	return &ChanIterator{rows: rows, errc: errc, done: make(chan struct{})}
}

func (c *ChanIterator) Next(ctx context.Context) (Row, error) {
	if c.err != nil {
		return nil, c.err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrSourceClosed
	case err, ok := <-c.errc:
		if ok && err != nil {
			c.err = err
			return nil, err
		}
		c.errc = nil
		return c.Next(ctx)
	case r, ok := <-c.rows:
		if !ok {
			c.err = io.EOF
			return nil, io.EOF
		}
		return r, nil
	}
}

// Close signals the iterator to stop; the producer should watch Done.
func (c *ChanIterator) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

// Done is closed once Close has been called.
func (c *ChanIterator) Done() <-chan struct{} { return c.done }

// Collect drains it into a slice and closes it.
func Collect(ctx context.Context, it Iterator) ([]Row, error) {
	defer it.Close()
	var out []Row
	for {
		r, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}
