package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/audiocache"
	"github.com/fintalk-labs/fintalk-client/internal/bus"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
)

// State is the playback controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePlaying
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Synthesizer fetches audio bytes for a text. Satisfied by the backend client.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Controller owns the single active speech playback session. At most one
// audio handle is held at any instant; a previous session is fully stopped
// and released before the next one acquires. Pressing the active message
// stops it (toggle-off). Async results are checked against a generation
// counter and discarded when a newer request superseded them.
type Controller struct {
	synth  Synthesizer
	player Player
	cache  *audiocache.Cache
	pub    bus.Publisher
	log    *slog.Logger

	debounce time.Duration
	quiet    time.Duration
	clock    func() time.Time

	// startMu serializes start sequences (quiet wait, fetch, acquire), so a
	// superseding request can never hold a second handle while the previous
	// sequence is still in flight.
	startMu sync.Mutex

	mu         sync.Mutex
	state      State
	currentID  string
	generation uint64
	handle     Handle
	lastPress  map[string]time.Time
	quietUntil time.Time
}

func NewController(cfg config.SpeechConfig, synth Synthesizer, player Player, cache *audiocache.Cache, pub bus.Publisher, log *slog.Logger) *Controller {
	return &Controller{
		synth:     synth,
		player:    player,
		cache:     cache,
		pub:       pub,
		log:       log.With(slog.String("component", "speech-controller")),
		debounce:  time.Duration(cfg.DebounceMS) * time.Millisecond,
		quiet:     time.Duration(cfg.QuietPeriodMS) * time.Millisecond,
		clock:     time.Now,
		lastPress: make(map[string]time.Time),
	}
}

// State returns the current lifecycle state and the active message id.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.currentID
}

// Toggle requests speech for a message. If that message is already active it
// is stopped instead. A duplicate press inside the debounce window is
// absorbed silently.
func (c *Controller) Toggle(ctx context.Context, messageID, text string) error {
	if messageID == "" || strings.TrimSpace(text) == "" {
		return errors.New("message id and text are required")
	}

	c.mu.Lock()
	now := c.clock()
	if last, ok := c.lastPress[messageID]; ok && now.Sub(last) < c.debounce {
		c.mu.Unlock()
		return nil
	}
	c.lastPress[messageID] = now
	c.prunePressesLocked(now)

	if c.currentID == messageID {
		switch c.state {
		case StatePlaying:
			c.stopLocked()
			c.mu.Unlock()
			return nil
		case StateStarting:
			// Toggle-off while the fetch is still in flight: supersede it so
			// its completion is discarded, nothing was acquired yet.
			c.generation++
			c.transitionLocked(StateIdle, "")
			c.mu.Unlock()
			return nil
		}
	}

	// Release-before-acquire: a different active session stops first.
	if c.state == StatePlaying {
		c.stopLocked()
	}

	c.generation++
	gen := c.generation
	c.transitionLocked(StateStarting, messageID)
	c.mu.Unlock()

	return c.start(ctx, gen, messageID, text)
}

// Stop halts whatever is active and returns the controller to idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePlaying:
		c.stopLocked()
	case StateStarting:
		c.generation++
		c.transitionLocked(StateIdle, "")
	}
}

func (c *Controller) start(ctx context.Context, gen uint64, messageID, text string) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.stale(gen) {
		return nil
	}

	if err := c.waitQuiet(ctx); err != nil {
		c.abort(gen)
		return err
	}

	path, cached := c.cache.Get(messageID)
	if !cached {
		audio, err := c.synth.Synthesize(ctx, text)
		if err != nil {
			c.abort(gen)
			return fmt.Errorf("synthesize message %s: %w", messageID, err)
		}
		if path, err = c.cache.Put(messageID, audio); err != nil {
			c.abort(gen)
			return err
		}
	}

	// Staleness check at resolution time: a superseded fetch result must
	// never acquire the audio resource.
	if c.stale(gen) {
		return nil
	}

	handle, err := c.player.Play(ctx, path)
	if err != nil {
		c.abort(gen)
		return fmt.Errorf("start playback for %s: %w", messageID, err)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		handle.Stop()
		return nil
	}
	c.handle = handle
	c.transitionLocked(StatePlaying, messageID)
	c.mu.Unlock()

	go c.watch(gen, handle)
	return nil
}

// watch resolves the completion future: when playback finishes naturally the
// controller transitions back to idle, unless a newer request already owns it.
func (c *Controller) watch(gen uint64, handle Handle) {
	<-handle.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.state != StatePlaying {
		return
	}
	if err := handle.Err(); err != nil {
		c.log.Warn("playback ended with error",
			slog.String("message_id", c.currentID),
			slog.String("error", err.Error()))
	}
	c.transitionLocked(StateStopping, c.currentID)
	c.handle = nil
	c.generation++
	c.quietUntil = c.clock().Add(c.quiet)
	c.transitionLocked(StateIdle, "")
}

// stopLocked releases the held handle and walks Playing -> Stopping -> Idle.
// Callers hold c.mu. The handle is fully released before this returns, so a
// following acquire can never overlap with it.
func (c *Controller) stopLocked() {
	handle := c.handle
	c.handle = nil
	c.generation++
	c.transitionLocked(StateStopping, c.currentID)
	if handle != nil {
		handle.Stop()
	}
	c.quietUntil = c.clock().Add(c.quiet)
	c.transitionLocked(StateIdle, "")
}

func (c *Controller) abort(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.transitionLocked(StateIdle, "")
}

func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != gen
}

// waitQuiet blocks until the post-stop quiet period has elapsed, giving the
// platform audio teardown time to settle before the next acquire.
func (c *Controller) waitQuiet(ctx context.Context) error {
	c.mu.Lock()
	wait := c.quietUntil.Sub(c.clock())
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Controller) transitionLocked(state State, messageID string) {
	c.state = state
	c.currentID = messageID
	if c.pub != nil {
		event := protocol.SpeechState{
			MessageID: messageID,
			State:     state.String(),
			Timestamp: c.clock().UTC(),
		}
		if err := c.pub.Publish(protocol.SubjectSpeechState, event); err != nil {
			c.log.Warn("failed to publish speech state", slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) prunePressesLocked(now time.Time) {
	if len(c.lastPress) < 512 {
		return
	}
	for id, at := range c.lastPress {
		if now.Sub(at) >= c.debounce {
			delete(c.lastPress, id)
		}
	}
}
