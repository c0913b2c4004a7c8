package orchestrator

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// QueueWatcher wakes idle workers when the pending queue changes. With
// the filesystem store it watches the pending directory with fsnotify;
// stores without a watchable directory fall back to a coarse ticker.
type QueueWatcher struct {
	dir      string
	interval time.Duration
	wakeup   chan struct{}
}

// NewQueueWatcher creates a watcher. dir may be empty, in which case
// only the ticker fires.
func NewQueueWatcher(dir string, interval time.Duration) *QueueWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &QueueWatcher{
		dir:      dir,
		interval: interval,
		wakeup:   make(chan struct{}, 1),
	}
}

// Wakeup returns the channel workers wait on. Notifications coalesce:
// the channel has capacity 1 and sends never block.
func (qw *QueueWatcher) Wakeup() <-chan struct{} {
	return qw.wakeup
}

// Run watches until ctx is cancelled.
func (qw *QueueWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(qw.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if qw.dir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			debugLog("[watcher] fsnotify unavailable, ticker only: %v", err)
		} else if err := watcher.Add(qw.dir); err != nil {
			debugLog("[watcher] watch %s failed, ticker only: %v", qw.dir, err)
			watcher.Close()
		} else {
			defer watcher.Close()
			events = watcher.Events
			go func() {
				for range watcher.Errors {
				}
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Only arrivals matter; a task leaving pending gives idle
			// workers nothing new to claim.
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				qw.notify()
			}
		case <-ticker.C:
			qw.notify()
		}
	}
}

// notify delivers a coalesced wakeup.
func (qw *QueueWatcher) notify() {
	select {
	case qw.wakeup <- struct{}{}:
	default:
	}
}
