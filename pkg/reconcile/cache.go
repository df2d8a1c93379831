// Package reconcile keeps a peer's view of file authorization consistent
// with the registry. The registry is canonical: every path through this
// package ends in either overwriting local state with a registry snapshot
// or discarding the input.
package reconcile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"swarmshare/pkg/types"
)

// FileAuth is the cached authorization state for one file. SharedWith
// mirrors the registry's insertion-ordered authorized list at LastSync.
// Revoked marks files whose access was withdrawn; the entry is kept so a
// later re-grant can be recognized.
type FileAuth struct {
	SharedWith []types.UserID `json:"shared_with"`
	LastSync   time.Time      `json:"last_sync"`
	Revoked    bool           `json:"revoked"`
}

// AuthCache holds per-file authorization snapshots between registry
// contacts. Safe for concurrent use.
type AuthCache struct {
	mu    sync.RWMutex
	path  string
	files map[types.FileID]*FileAuth
}

// NewAuthCache returns an empty cache. With a non-empty path, Save writes
// snapshots there.
func NewAuthCache(path string) *AuthCache {
	return &AuthCache{
		path:  path,
		files: make(map[types.FileID]*FileAuth),
	}
}

// LoadAuthCache reads a cache previously written by Save. A missing file
// yields an empty cache, not an error.
func LoadAuthCache(path string) (*AuthCache, error) {
	c := NewAuthCache(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	for fileID, fa := range snap.Files {
		c.files[fileID] = fa
	}
	return c, nil
}

type cacheSnapshot struct {
	Files map[types.FileID]*FileAuth `json:"files"`
}

// Get returns a copy of the entry for fileID.
func (c *AuthCache) Get(fileID types.FileID) (FileAuth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fa, ok := c.files[fileID]
	if !ok {
		return FileAuth{}, false
	}
	out := *fa
	out.SharedWith = append([]types.UserID(nil), fa.SharedWith...)
	return out, true
}

// Files lists tracked file IDs in sorted order.
func (c *AuthCache) Files() []types.FileID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]types.FileID, 0, len(c.files))
	for fileID := range c.files {
		ids = append(ids, fileID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Apply overwrites the entry for fileID with a registry snapshot and
// clears any revocation mark.
func (c *AuthCache) Apply(fileID types.FileID, users []types.UserID, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[fileID] = &FileAuth{
		SharedWith: append([]types.UserID(nil), users...),
		LastSync:   at,
		Revoked:    false,
	}
}

// MarkRevoked records that the local user lost access to fileID. The final
// authorized set is kept for display.
func (c *AuthCache) MarkRevoked(fileID types.FileID, users []types.UserID, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[fileID] = &FileAuth{
		SharedWith: append([]types.UserID(nil), users...),
		LastSync:   at,
		Revoked:    true,
	}
}

// Forget drops the entry for fileID.
func (c *AuthCache) Forget(fileID types.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, fileID)
}

// Save writes the cache to its configured path. A cache without a path is
// memory-only and Save is a no-op.
func (c *AuthCache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cacheSnapshot{Files: c.files}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}
