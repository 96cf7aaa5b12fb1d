package indexing

import (
	"errors"
	"fmt"
)

// ErrNoResponse is the cause of a TransportFailure for a transport that
// returned neither a response nor an error.
var ErrNoResponse = errors.New("no response")

// InvalidRowError reports an input row that could not be turned into an item.
// Position is the 1-based position of the row in the input.
type InvalidRowError struct {
	Position int64
	Err      error
}

func (e *InvalidRowError) Error() string {
	return fmt.Sprintf("invalid row %d: %v", e.Position, e.Err)
}

func (e *InvalidRowError) Unwrap() error { return e.Err }

// IndexCreationError reports that an index could not be created or does not
// exist. It fails only the shard requests of that index.
type IndexCreationError struct {
	Index string
	Err   error
}

func (e *IndexCreationError) Error() string {
	return fmt.Sprintf("index %q: %v", e.Index, e.Err)
}

func (e *IndexCreationError) Unwrap() error { return e.Err }

// TransportFailure reports a shard request that got no response.
type TransportFailure struct {
	NodeID  string
	Index   string
	ShardID int
	Err     error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("send %s[%d] to node %s: %v", e.Index, e.ShardID, e.NodeID, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }
