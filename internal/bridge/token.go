package bridge

import "sync"

// CancellationToken is shared by the queue, the bridge and schema
// enforcement. IsCancelled is polled between batches; Done supports
// select-based waiting.
type CancellationToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancellationToken creates an uncancelled token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{ch: make(chan struct{})}
}

// Cancel trips the token. Idempotent.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// IsCancelled reports whether Cancel was called.
func (t *CancellationToken) IsCancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.ch
}
