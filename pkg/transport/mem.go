package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// MemNetwork is an in-process Transport. Handles map to registered chunk
// sources and Open returns one end of a net.Pipe served by the other. Used
// by tests and single-process setups.
type MemNetwork struct {
	mu      sync.RWMutex
	servers map[string]ChunkSource
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{servers: make(map[string]ChunkSource)}
}

// Register makes source reachable under handle.
func (m *MemNetwork) Register(handle string, source ChunkSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[handle] = source
}

// Unregister simulates the peer at handle going offline. Already-open
// streams keep working until closed.
func (m *MemNetwork) Unregister(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, handle)
}

func (m *MemNetwork) Open(ctx context.Context, handle string) (io.ReadWriteCloser, error) {
	m.mu.RLock()
	source, ok := m.servers[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no peer registered at %s", handle)
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_ = ServeChunks(server, source)
	}()
	return client, nil
}

func (m *MemNetwork) Close(handle string) error {
	return nil
}
