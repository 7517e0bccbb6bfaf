package tunnel

import "sync"

// cancelToken is a one-shot cooperative stop signal. A worker checks it at
// every suspension point, so the owner can force a stuck session down in
// bounded time without tearing through unrelated state.
type cancelToken struct {
	once sync.Once
	done chan struct{}
}

func newCancelToken() *cancelToken {
	return &cancelToken{done: make(chan struct{})}
}

// Cancel requests the worker to stop. Safe to call more than once.
func (t *cancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Canceled reports whether Cancel has been called.
func (t *cancelToken) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
