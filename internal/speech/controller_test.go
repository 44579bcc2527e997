package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/audiocache"
	"github.com/fintalk-labs/fintalk-client/internal/config"
)

type countingSynth struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (s *countingSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []byte("audio for " + text), nil
}

func (s *countingSynth) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingPlayer struct{}

func (failingPlayer) Play(context.Context, string) (Handle, error) {
	return nil, errors.New("decoder unavailable")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(subject string, _ any) error {
	p.mu.Lock()
	p.events = append(p.events, subject)
	p.mu.Unlock()
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestController(t *testing.T, cfg config.SpeechConfig, synth Synthesizer, player Player) *Controller {
	t.Helper()
	cache, err := audiocache.New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Clear)
	return NewController(cfg, synth, player, cache, nil, newLogger())
}

func quickConfig() config.SpeechConfig {
	return config.SpeechConfig{DebounceMS: 0, QuietPeriodMS: 0}
}

func TestToggleStartsPlayback(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	state, id := c.State()
	if state != StatePlaying || id != "m1" {
		t.Fatalf("expected playing m1, got %v %q", state, id)
	}
	if player.Active() != 1 {
		t.Fatalf("expected one active handle, got %d", player.Active())
	}
}

func TestToggleTwiceStopsPlayback(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	state, id := c.State()
	if state != StateIdle || id != "" {
		t.Fatalf("expected idle after toggle-off, got %v %q", state, id)
	}
	if player.Active() != 0 {
		t.Fatalf("expected handle released, got %d active", player.Active())
	}
}

func TestDebounceAbsorbsDuplicatePress(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, config.SpeechConfig{DebounceMS: 350, QuietPeriodMS: 0}, synth, player)

	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	// Duplicate fire inside the window must not toggle playback off.
	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("duplicate toggle: %v", err)
	}
	state, _ := c.State()
	if state != StatePlaying {
		t.Fatalf("expected still playing after absorbed press, got %v", state)
	}
	if player.Plays() != 1 {
		t.Fatalf("expected one playback start, got %d", player.Plays())
	}
}

func TestCachedMessageSkipsSecondFetch(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	ctx := context.Background()
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle again: %v", err)
	}
	if synth.Calls() != 1 {
		t.Fatalf("expected single synthesis fetch, got %d", synth.Calls())
	}
	state, id := c.State()
	if state != StatePlaying || id != "m1" {
		t.Fatalf("expected playing m1, got %v %q", state, id)
	}
}

func TestSupersedingRequestWins(t *testing.T) {
	synth := &countingSynth{delay: 100 * time.Millisecond}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	done := make(chan error, 1)
	go func() {
		done <- c.Toggle(context.Background(), "m1", "hello")
	}()

	// Wait for m1 to be in flight.
	deadline := time.Now().Add(time.Second)
	for {
		state, id := c.State()
		if state == StateStarting && id == "m1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("m1 never entered starting, state=%v id=%q", state, id)
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Toggle(context.Background(), "m2", "world"); err != nil {
		t.Fatalf("superseding toggle: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("superseded toggle: %v", err)
	}

	state, id := c.State()
	if state != StatePlaying || id != "m2" {
		t.Fatalf("expected playing m2, got %v %q", state, id)
	}
	if player.Active() != 1 {
		t.Fatalf("expected exactly one active handle, got %d", player.Active())
	}
	if player.MaxActive() > 1 {
		t.Fatalf("two handles were held simultaneously: max %d", player.MaxActive())
	}
}

func TestSupersedeWhilePlayingReleasesFirst(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	ctx := context.Background()
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle m1: %v", err)
	}
	if err := c.Toggle(ctx, "m2", "world"); err != nil {
		t.Fatalf("toggle m2: %v", err)
	}

	state, id := c.State()
	if state != StatePlaying || id != "m2" {
		t.Fatalf("expected playing m2, got %v %q", state, id)
	}
	if player.MaxActive() > 1 {
		t.Fatalf("release must complete before acquire: max active %d", player.MaxActive())
	}
}

func TestSynthesisFailureReturnsToIdle(t *testing.T) {
	synth := &countingSynth{err: errors.New("backend unreachable")}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, quickConfig(), synth, player)

	if err := c.Toggle(context.Background(), "m1", "hello"); err == nil {
		t.Fatal("expected synthesis error")
	}
	state, id := c.State()
	if state != StateIdle || id != "" {
		t.Fatalf("expected idle with no dangling id, got %v %q", state, id)
	}
	if player.Active() != 0 {
		t.Fatalf("no handle must be held after failure, got %d", player.Active())
	}
}

func TestPlaybackStartFailureReturnsToIdle(t *testing.T) {
	synth := &countingSynth{}
	c := newTestController(t, quickConfig(), synth, failingPlayer{})

	if err := c.Toggle(context.Background(), "m1", "hello"); err == nil {
		t.Fatal("expected playback start error")
	}
	state, id := c.State()
	if state != StateIdle || id != "" {
		t.Fatalf("expected idle after playback failure, got %v %q", state, id)
	}
}

func TestNaturalCompletionReturnsToIdle(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(20 * time.Millisecond)
	c := newTestController(t, quickConfig(), synth, player)

	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		state, _ := c.State()
		if state == StateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("controller never returned to idle, state=%v", state)
		}
		time.Sleep(time.Millisecond)
	}
	if player.Active() != 0 {
		t.Fatalf("expected handle released on completion, got %d", player.Active())
	}
}

func TestQuietPeriodDelaysRestart(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	c := newTestController(t, config.SpeechConfig{DebounceMS: 0, QuietPeriodMS: 80}, synth, player)

	ctx := context.Background()
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := c.Toggle(ctx, "m1", "hello"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}

	started := time.Now()
	if err := c.Toggle(ctx, "m2", "world"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 60*time.Millisecond {
		t.Fatalf("restart did not honor quiet period, took %v", elapsed)
	}
	state, id := c.State()
	if state != StatePlaying || id != "m2" {
		t.Fatalf("expected playing m2, got %v %q", state, id)
	}
}

func TestPublishesStateTransitions(t *testing.T) {
	synth := &countingSynth{}
	player := NewMockPlayer(time.Hour)
	cache, err := audiocache.New(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Clear)
	pub := &recordingPublisher{}
	c := NewController(quickConfig(), synth, player, cache, pub, newLogger())

	if err := c.Toggle(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) < 2 {
		t.Fatalf("expected starting and playing events, got %d", len(pub.events))
	}
}
