package strategy

import (
	"context"
	"fmt"
	"sync"
)

// Tasks tracks background work started while serving requests,
// so that it can be awaited before shutdown.
type Tasks struct {
	wg sync.WaitGroup
}

// Go runs f in a new goroutine tracked by t.
func (t *Tasks) Go(f func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		f()
	}()
}

// Wait blocks until all tracked work is done.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// WaitContext is Wait bounded by a context.
func (t *Tasks) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StoreWriteError reports a failed background store write.
// The response it belonged to has already been delivered.
type StoreWriteError struct {
	Namespace string
	Key       string
	Cause     error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s in %s: %v", e.Key, e.Namespace, e.Cause)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Cause
}
