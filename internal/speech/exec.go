package speech

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execPlayer shells out to an external audio player (afplay, ffplay, mpv)
// with the audio file path appended as the last argument.
type execPlayer struct {
	cmd []string
}

func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, path string) (Handle, error) {
	// Playback outlives the caller's context; teardown is owned by Stop.
	procCtx, cancel := context.WithCancel(context.Background())

	base := p.cmd[0]
	args := append([]string{}, p.cmd[1:]...)
	args = append(args, path)
	cmd := exec.CommandContext(procCtx, base, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start player: %w", err)
	}

	h := &execHandle{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		if !h.stopped && err != nil {
			h.err = fmt.Errorf("player exited: %w", err)
		}
		h.mu.Unlock()
		cancel()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	err     error
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *execHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
	<-h.done
}
