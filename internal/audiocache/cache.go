package audiocache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Cache maps message ids to synthesized audio files on disk. The mapping is
// monotonic: a message id is written at most once per run and never
// invalidated, so repeated playback of the same message reuses the first
// fetch.
type Cache struct {
	dir   string
	mu    sync.RWMutex
	paths map[string]string
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &Cache{
		dir:   dir,
		paths: make(map[string]string),
	}, nil
}

// Get returns the cached file path for a message id.
func (c *Cache) Get(messageID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.paths[messageID]
	return path, ok
}

// Put writes audio bytes for a message id and returns the file path. If the
// id is already cached the existing file is returned untouched.
func (c *Cache) Put(messageID string, audio []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path, ok := c.paths[messageID]; ok {
		return path, nil
	}

	path := filepath.Join(c.dir, fmt.Sprintf("tts_%s.mp3", uuid.NewString()))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write cached audio: %w", err)
	}
	c.paths[messageID] = path
	return path, nil
}

// Len reports how many message ids have cached audio.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.paths)
}

// Clear removes all cached files. Called on shutdown; cached audio is not
// reused across runs.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, path := range c.paths {
		_ = os.Remove(path)
		delete(c.paths, id)
	}
}
