package task

import "sync"

// DedupEntry holds the describe/refine output computed once per distinct
// image within a batch run.
type DedupEntry struct {
	Description string
	Prompt      string
}

// ImageDedupCache memoizes prompt computation per image path so that a batch
// containing the same image several times only pays for one describe and one
// refine round trip. The cache is scoped to a single run; a new run builds a
// fresh cache and recomputes.
type ImageDedupCache struct {
	mu      sync.Mutex
	entries map[string]DedupEntry
}

// NewImageDedupCache returns an empty cache.
func NewImageDedupCache() *ImageDedupCache {
	return &ImageDedupCache{entries: make(map[string]DedupEntry)}
}

// GetOrCompute returns the cached entry for imagePath, or invokes compute and
// stores its result. Failed computations are not cached, so a later group may
// retry the same image. The lock guards only the map; compute runs unlocked.
func (c *ImageDedupCache) GetOrCompute(imagePath string, compute func() (DedupEntry, error)) (DedupEntry, error) {
	c.mu.Lock()
	entry, ok := c.entries[imagePath]
	c.mu.Unlock()
	if ok {
		return entry, nil
	}

	entry, err := compute()
	if err != nil {
		return DedupEntry{}, err
	}

	c.mu.Lock()
	c.entries[imagePath] = entry
	c.mu.Unlock()
	return entry, nil
}
