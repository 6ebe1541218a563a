package stream

import (
	"context"
	"sync"
	"time"
)

// IdleWatchdog cancels a context if no byte is observed for a configured
// timeout. Each call to Reset pushes the deadline back out.
type IdleWatchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
}

// WatchContext derives a cancelable context from parent and arms a watchdog
// that cancels it after idleTimeout of inactivity. Call Reset on every byte
// observed from the stream; call Stop once the stream ends normally.
func WatchContext(parent context.Context, idleTimeout time.Duration) (context.Context, *IdleWatchdog) {
	ctx, cancel := context.WithCancel(parent)
	w := &IdleWatchdog{cancel: cancel}
	w.timer = time.AfterFunc(idleTimeout, cancel)
	return ctx, w
}

// Reset pushes the idle deadline back out by idleTimeout.
func (w *IdleWatchdog) Reset(idleTimeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(idleTimeout)
	}
}

// Stop disarms the watchdog without cancelling the context. Call this once
// the stream completes normally so a late idle timeout doesn't fire.
func (w *IdleWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
