package task

import (
	"context"
	"sync"
)

// Dispatcher launches a pipeline run for a group of items. The orchestrator
// satisfies this; tests substitute a recorder.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []Item)
}

// BatchCoordinator accumulates upload requests that arrive tagged with the
// same batch ID and releases them as a single group once the final member of
// the batch has been received. Requests without a batch ID dispatch
// immediately as a group of one.
type BatchCoordinator struct {
	mu         sync.Mutex
	pending    map[string][]Item
	dispatcher Dispatcher
}

// NewBatchCoordinator returns a coordinator that hands completed groups to
// dispatcher.
func NewBatchCoordinator(dispatcher Dispatcher) *BatchCoordinator {
	return &BatchCoordinator{
		pending:    make(map[string][]Item),
		dispatcher: dispatcher,
	}
}

// Submit registers item under batchID. batchIndex is the zero-based position
// of this request within the batch and batchSize its total member count; the
// group is dispatched when the last member (batchIndex == batchSize-1)
// arrives. An empty batchID bypasses accumulation entirely.
func (c *BatchCoordinator) Submit(ctx context.Context, batchID string, item Item, batchIndex, batchSize int) {
	if batchID == "" || batchSize <= 1 {
		c.dispatcher.Dispatch(ctx, []Item{item})
		return
	}

	c.mu.Lock()
	c.pending[batchID] = append(c.pending[batchID], item)
	last := batchIndex == batchSize-1
	var group []Item
	if last {
		group = c.pending[batchID]
		delete(c.pending, batchID)
	}
	c.mu.Unlock()

	if last {
		c.dispatcher.Dispatch(ctx, group)
	}
}
