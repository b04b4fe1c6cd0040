package ratelimiter

import (
	"sync"
	"time"
)

type Limiter interface {
	// Allow reports whether key may proceed and, if not, how long until the
	// current window resets.
	Allow(key string) (bool, time.Duration)
}

// FixedWindow counts requests per key in fixed windows aligned to the
// window length.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	done    chan struct{}
	once    sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(limit int, length time.Duration) *FixedWindow {
	if length <= 0 {
		length = time.Minute
	}
	rl := &FixedWindow{
		limit:   limit,
		window:  length,
		now:     time.Now,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *FixedWindow) Allow(key string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Truncate(rl.window).Add(rl.window)}
		rl.windows[key] = w
	}
	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

func (rl *FixedWindow) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

func (rl *FixedWindow) cleanup() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

func (rl *FixedWindow) Close() {
	rl.once.Do(func() { close(rl.done) })
}
