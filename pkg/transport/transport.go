// Package transport carries chunk requests between peers. The handshake and
// NAT traversal of the underlying network are out of scope; a Transport
// yields an ordered, reliable byte stream for a peer's connection handle and
// nothing more.
package transport

import (
	"context"
	"io"

	"swarmshare/pkg/types"
)

// Transport opens duplex streams to peers addressed by the connection handle
// they announced to the registry.
type Transport interface {
	Open(ctx context.Context, handle string) (io.ReadWriteCloser, error)
	Close(handle string) error
}

// ChunkSource serves chunk bytes to remote peers. *chunkstore.Store
// satisfies it.
type ChunkSource interface {
	ReadChunk(fileID types.FileID, index int) ([]byte, error)
}
