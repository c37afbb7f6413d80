package registry

import (
	"context"
	"sync"
)

// Flag is a set-once cancellation signal. Reads need no lock.
type Flag struct {
	once sync.Once
	done chan struct{}
}

func newFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// set reports whether this call was the one that set the flag.
func (f *Flag) set() bool {
	set := false
	f.once.Do(func() {
		close(f.done)
		set = true
	})
	return set
}

// Cancelled reports whether the flag has been set. A nil flag is never cancelled.
func (f *Flag) Cancelled() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set.
func (f *Flag) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done
}

// Bind returns a context that is cancelled when either parent ends or the
// flag is set. The returned CancelFunc releases the watcher.
func (f *Flag) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if f == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
