package speech

import (
	"context"
	"sync"
	"time"
)

// MockPlayer simulates audio playback with a fixed duration and tracks how
// many handles are live, so tests can assert the single-resource invariant.
type MockPlayer struct {
	duration time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	plays     int
}

func NewMockPlayer(duration time.Duration) *MockPlayer {
	return &MockPlayer{duration: duration}
}

func (p *MockPlayer) Play(_ context.Context, _ string) (Handle, error) {
	p.mu.Lock()
	p.active++
	p.plays++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	h := &mockHandle{
		done:    make(chan struct{}),
		release: p.release,
	}
	h.timer = time.AfterFunc(p.duration, func() { h.finish(nil) })
	return h, nil
}

func (p *MockPlayer) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// Active returns the number of handles currently held.
func (p *MockPlayer) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxActive returns the high-water mark of simultaneously held handles.
func (p *MockPlayer) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// Plays returns how many playbacks were started.
func (p *MockPlayer) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

type mockHandle struct {
	done    chan struct{}
	timer   *time.Timer
	release func()

	mu       sync.Mutex
	finished bool
	err      error
}

func (h *mockHandle) finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.mu.Unlock()

	h.release()
	close(h.done)
}

func (h *mockHandle) Done() <-chan struct{} { return h.done }

func (h *mockHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *mockHandle) Stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.finish(nil)
}
