package worker

import (
	"sync"
	"time"
)

// budget is a wall-clock allowance that can be paused. fire runs once when
// the unpaused time used reaches the allowance.
type budget struct {
	mu        sync.Mutex
	remaining time.Duration
	started   time.Time
	timer     *time.Timer
	fire      func()
	done      bool
}

func newBudget(d time.Duration, fire func()) *budget {
	b := &budget{remaining: d, fire: fire}
	b.resume()
	return b
}

func (b *budget) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer == nil || b.done {
		return
	}
	if b.timer.Stop() {
		b.remaining -= time.Since(b.started)
	}
	b.timer = nil
}

func (b *budget) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil || b.done {
		return
	}
	if b.remaining <= 0 {
		b.remaining = 0
	}
	b.started = time.Now()
	b.timer = time.AfterFunc(b.remaining, b.fire)
}

func (b *budget) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// left reports the unused allowance.
func (b *budget) left() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer == nil {
		return b.remaining
	}
	return max(b.remaining-time.Since(b.started), 0)
}
