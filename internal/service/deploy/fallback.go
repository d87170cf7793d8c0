package deploy

import (
	"sync"
	"time"
)

// DefaultEstimatedDeployTime is how long a deployment may stay pending before
// it is assumed to have succeeded.
const DefaultEstimatedDeployTime = 120 * time.Second

type afterFunc func(d time.Duration, fn func()) (stop func() bool)

func realAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type armedTimer struct {
	gen  uint64
	stop func() bool
}

// fallbackTimer arms one-shot timers that force a pending deployment to a
// terminal state when no definitive signal arrived in time.
type fallbackTimer struct {
	after  afterFunc
	expire func(deploymentID string)

	mu      sync.Mutex
	gen     uint64
	pending map[string]armedTimer
}

func newFallbackTimer(after afterFunc, expire func(deploymentID string)) *fallbackTimer {
	if after == nil {
		after = realAfterFunc
	}
	return &fallbackTimer{after: after, expire: expire, pending: make(map[string]armedTimer)}
}

// schedule arms the timer for id, replacing any earlier one. The returned stop
// reports whether it prevented the expiry from running.
func (f *fallbackTimer) schedule(deploymentID string, after time.Duration) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.pending[deploymentID]; ok {
		prev.stop()
	}
	f.gen++
	gen := f.gen
	stop := f.after(after, func() {
		if !f.release(deploymentID, gen) {
			return
		}
		f.expire(deploymentID)
	})
	f.pending[deploymentID] = armedTimer{gen: gen, stop: stop}
	return func() bool {
		if !f.release(deploymentID, gen) {
			return false
		}
		return stop()
	}
}

// release forgets the timer if it is still the armed generation for id.
func (f *fallbackTimer) release(deploymentID string, gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.pending[deploymentID]
	if !ok || current.gen != gen {
		return false
	}
	delete(f.pending, deploymentID)
	return true
}

// stopAll disarms every pending timer.
func (f *fallbackTimer) stopAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	stopped := 0
	for id, armed := range f.pending {
		if armed.stop() {
			stopped++
		}
		delete(f.pending, id)
	}
	return stopped
}

func (f *fallbackTimer) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
