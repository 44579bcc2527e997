package speech

import "context"

// Handle is an acquired platform audio resource. Done is resolved exactly
// once, whether playback finishes naturally or Stop tears it down early.
type Handle interface {
	// Done is closed when playback has ended and the resource is released.
	Done() <-chan struct{}
	// Err reports how playback ended. Valid once Done is closed.
	Err() error
	// Stop halts playback and releases the resource. Blocks until released.
	Stop()
}

// Player abstracts the platform audio subsystem.
type Player interface {
	Play(ctx context.Context, path string) (Handle, error)
}
