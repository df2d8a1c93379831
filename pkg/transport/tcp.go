package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPTransport dials peers whose connection handle is a host:port address.
type TCPTransport struct {
	dialTimeout time.Duration
}

func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TCPTransport{dialTimeout: dialTimeout}
}

func (t *TCPTransport) Open(ctx context.Context, handle string) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", handle)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", handle, err)
	}
	return conn, nil
}

// Close is a no-op for TCP: each opened stream is its own connection and is
// closed by its owner.
func (t *TCPTransport) Close(handle string) error {
	return nil
}

// ChunkServer accepts peer connections and serves chunks from a local
// source. Its listen address is the connection handle the peer announces.
type ChunkServer struct {
	source ChunkSource
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewChunkServer(source ChunkSource, logger *zap.Logger) *ChunkServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkServer{
		source: source,
		logger: logger,
	}
}

// Start listens on addr (":0" picks a free port) and serves until Stop.
func (s *ChunkServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Chunk server listening", zap.String("address", listener.Addr().String()))
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound listen address, usable as a connection handle.
func (s *ChunkServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *ChunkServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		go s.serve(conn)
	}
}

func (s *ChunkServer) serve(conn net.Conn) {
	defer conn.Close()

	if err := ServeChunks(conn, s.source); err != nil {
		s.logger.Debug("Peer stream ended",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
	}
}

func (s *ChunkServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}
