package orchestrator

import (
	"context"
	"sync"

	"github.com/livechat/pkg/models"
)

// Turn is one in-flight submission
type Turn struct {
	ThreadID string
	ItemID   string

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	item models.ThreadItem
	err  error
}

// Cancel aborts the request. The item ends ABORTED unless it already
// reached a terminal status.
func (t *Turn) Cancel() {
	t.cancel()
}

// Done is closed once the turn has settled
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn settles and returns the final item
func (t *Turn) Wait() models.ThreadItem {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.item
}

// Err returns why the stream ended early, if it did. Cancellation and
// HTTP failures are reported here; the item carries the user-facing message.
func (t *Turn) Err() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) finish(item models.ThreadItem, err error) {
	t.mu.Lock()
	t.item = item
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
