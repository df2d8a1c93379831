// Package transfer downloads files chunk by chunk from the seeders the
// registry advertises. One session runs per file; scheduling is rarest
// chunk first and every request carries a bounded retry budget so a dead
// seeder can only slow a download, not wedge it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/registry"
	"swarmshare/pkg/transport"
	"swarmshare/pkg/types"
)

// State names a session's position in its lifecycle. Terminal states never
// transition again.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateComplete    State = "complete"
	StateCanceled    State = "canceled"
	StateFailed      State = "failed"
)

// Terminal reports whether the session has finished, one way or another.
func (st State) Terminal() bool {
	switch st {
	case StateComplete, StateCanceled, StateFailed:
		return true
	}
	return false
}

// Options tune download behavior. Zero values take defaults.
type Options struct {
	// MaxPeers caps concurrent seeder connections per session.
	MaxPeers int
	// MaxConnections caps open seeder connections across all sessions.
	MaxConnections int
	// ChunkRetries is the fetch budget per chunk, spent across alternate
	// seeders before the session fails.
	ChunkRetries int
	// PeerFailureLimit drops a seeder after this many consecutive
	// failed requests.
	PeerFailureLimit int
	// RequestTimeout bounds one chunk round trip.
	RequestTimeout time.Duration
	// DiscoveryRetries bounds fruitless re-discovery rounds.
	DiscoveryRetries int
	// DiscoveryBackoff is the base delay between re-discovery rounds.
	DiscoveryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPeers <= 0 {
		o.MaxPeers = 4
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 16
	}
	if o.ChunkRetries <= 0 {
		o.ChunkRetries = 3
	}
	if o.PeerFailureLimit <= 0 {
		o.PeerFailureLimit = 2
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.DiscoveryRetries <= 0 {
		o.DiscoveryRetries = 3
	}
	if o.DiscoveryBackoff <= 0 {
		o.DiscoveryBackoff = 2 * time.Second
	}
	return o
}

// Registry is the coordination surface a session needs. *client.Client
// satisfies it.
type Registry interface {
	GetFileInfo(ctx context.Context, fileID types.FileID) (*types.FileInfo, error)
	Announce(ctx context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error)
}

// Status is a point-in-time snapshot of a session for status surfaces.
type Status struct {
	FileID    types.FileID `json:"file_id"`
	State     State        `json:"state"`
	Have      int          `json:"have"`
	Total     int          `json:"total"`
	Progress  float64      `json:"progress"`
	Peers     int          `json:"peers"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// errCanceled aborts the download pipeline after Cancel. A canceled
// session is not a failed one; Wait returns nil for it.
var errCanceled = errors.New("download canceled")

type peer struct {
	key      types.DeviceKey
	handle   string
	chunks   types.ChunkSet
	stream   io.ReadWriteCloser
	failures int
}

// Session downloads one file. Create through Manager.Fetch; a session runs
// its own goroutine and is observed through Status, Done and Wait.
type Session struct {
	fileID types.FileID
	self   types.UserID
	device types.DeviceID
	handle string

	registry Registry
	store    *chunkstore.Store
	net      transport.Transport
	slots    chan struct{}
	opts     Options
	logger   *zap.Logger

	mu             sync.Mutex
	state          State
	trace          []State
	have           int
	total          int
	peers          int
	lastErr        error
	deleteOnCancel bool
	updatedAt      time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newSession(fileID types.FileID, self types.UserID, device types.DeviceID, handle string, reg Registry, store *chunkstore.Store, net transport.Transport, slots chan struct{}, opts Options, logger *zap.Logger) *Session {
	return &Session{
		fileID:    fileID,
		self:      self,
		device:    device,
		handle:    handle,
		registry:  reg,
		store:     store,
		net:       net,
		slots:     slots,
		opts:      opts.withDefaults(),
		logger:    logger.With(zap.String("file_id", string(fileID))),
		state:     StateIdle,
		trace:     []State{StateIdle},
		updatedAt: time.Now(),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Cancel requests cooperative shutdown. deleteChunks removes partial data
// as the session winds down; user-initiated cancels keep it so a later
// fetch resumes, revocations must not.
func (s *Session) Cancel(deleteChunks bool) {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.deleteOnCancel = deleteChunks
		s.mu.Unlock()
		close(s.cancelCh)
	})
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes and returns its failure, if any.
// Canceled sessions return nil.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		FileID:    s.fileID,
		State:     s.state,
		Have:      s.have,
		Total:     s.total,
		Peers:     s.peers,
		UpdatedAt: s.updatedAt,
	}
	if s.total > 0 {
		st.Progress = float64(s.have) / float64(s.total)
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

func (s *Session) stateTrace() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.trace...)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	err := s.download(ctx)
	switch {
	case err == nil:
		s.setState(StateComplete)
		s.logger.Info("download complete")
	case errors.Is(err, errCanceled) || errors.Is(err, context.Canceled):
		if s.deleteRequested() {
			if derr := s.store.DeleteFile(s.fileID); derr != nil {
				s.logger.Error("failed to remove canceled download", zap.Error(derr))
			}
		}
		s.setState(StateCanceled)
		s.logger.Info("download canceled")
	default:
		if errors.Is(err, registry.ErrUnauthorized) {
			// Access was withdrawn mid-download. The partial replica
			// must not outlive the grant.
			if derr := s.store.DeleteFile(s.fileID); derr != nil {
				s.logger.Error("failed to remove revoked download", zap.Error(derr))
			}
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.setState(StateFailed)
		s.logger.Error("download failed", zap.Error(err))
	}
}

func (s *Session) download(ctx context.Context) error {
	info, err := s.discover(ctx)
	if err != nil {
		return err
	}

	meta := chunkstore.Meta{
		FileID:     s.fileID,
		Checksum:   info.Checksum,
		ChunkCount: info.ChunkCount,
		FileSize:   info.FileSize,
		MimeType:   info.MimeType,
	}
	if err := s.store.PutMeta(meta); err != nil {
		return err
	}

	have, err := s.store.Have(s.fileID)
	if err != nil {
		return err
	}
	needed := have.Complement(info.ChunkCount)
	s.setProgress(have.Len(), info.ChunkCount)

	for round := 0; needed.Len() > 0; round++ {
		if err := s.interrupted(ctx); err != nil {
			return err
		}
		if round > 0 {
			if round >= s.opts.DiscoveryRetries {
				return fmt.Errorf("%d chunks remain but no seeder can serve them", needed.Len())
			}
			if err := s.sleep(ctx, s.opts.DiscoveryBackoff*time.Duration(round)); err != nil {
				return err
			}
			if info, err = s.discover(ctx); err != nil {
				return err
			}
		}

		s.setState(StateConnecting)
		peers, err := s.connectSeeders(ctx, info, needed)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			s.logger.Warn("no reachable seeders hold the remaining chunks",
				zap.Int("needed", needed.Len()))
			continue
		}

		s.setState(StateDownloading)
		before := needed.Len()
		err = s.fetchFrom(ctx, peers, needed)
		s.closePeers(peers)
		if err != nil {
			return err
		}
		if needed.Len() < before {
			// Progress resets the give-up counter; only consecutive
			// fruitless rounds count against DiscoveryRetries.
			round = -1
		}
	}

	return s.verify(ctx, meta)
}

func (s *Session) discover(ctx context.Context) (*types.FileInfo, error) {
	s.setState(StateDiscovering)

	info, err := s.registry.GetFileInfo(ctx, s.fileID)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", s.fileID, err)
	}
	if !info.HasUser(s.self) {
		return nil, fmt.Errorf("download %s: %w", s.fileID, registry.ErrUnauthorized)
	}
	return info, nil
}

func (s *Session) connectSeeders(ctx context.Context, info *types.FileInfo, needed types.ChunkSet) ([]*peer, error) {
	selfKey := types.MakeDeviceKey(s.self, s.device)

	candidates := make([]types.SeederInfo, 0, len(info.Seeders))
	for _, seeder := range info.Seeders {
		if types.MakeDeviceKey(seeder.UserID, seeder.DeviceID) == selfKey {
			continue
		}
		if !seeder.Chunks.Intersects(needed) {
			continue
		}
		candidates = append(candidates, seeder)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return types.MakeDeviceKey(candidates[i].UserID, candidates[i].DeviceID) <
			types.MakeDeviceKey(candidates[j].UserID, candidates[j].DeviceID)
	})

	var peers []*peer
	for _, c := range candidates {
		if len(peers) >= s.opts.MaxPeers {
			break
		}
		if err := s.acquireSlot(ctx); err != nil {
			s.closePeers(peers)
			return nil, err
		}
		stream, err := s.net.Open(ctx, c.ConnectionHandle)
		if err != nil {
			s.releaseSlot()
			s.logger.Warn("seeder unreachable",
				zap.String("handle", c.ConnectionHandle),
				zap.Error(err))
			continue
		}
		peers = append(peers, &peer{
			key:    types.MakeDeviceKey(c.UserID, c.DeviceID),
			handle: c.ConnectionHandle,
			chunks: c.Chunks.Clone(),
			stream: stream,
		})
	}
	s.setPeers(len(peers))
	return peers, nil
}

// fetchFrom pulls chunks until needed is empty, the peer set is exhausted,
// or the session is interrupted. Each connected peer serves one request at
// a time; results funnel back through a channel sized so workers never
// block on a coordinator that has already returned.
func (s *Session) fetchFrom(ctx context.Context, peers []*peer, needed types.ChunkSet) error {
	type result struct {
		peer  *peer
		index int
		data  []byte
		err   error
	}

	results := make(chan result, len(peers))
	alive := append([]*peer(nil), peers...)
	idle := append([]*peer(nil), peers...)
	assigned := types.NewChunkSet()
	retries := make(map[int]int)
	inflight := 0

	for needed.Len() > 0 {
		for {
			index, p := nextAssignment(needed, assigned, alive, idle)
			if p == nil {
				break
			}
			idle = removePeer(idle, p)
			assigned.Add(index)
			inflight++
			go func(p *peer, index int) {
				data, err := transport.RequestChunk(p.stream, s.fileID, index, s.opts.RequestTimeout)
				results <- result{peer: p, index: index, data: data, err: err}
			}(p, index)
		}

		if inflight == 0 {
			// Nothing assignable: every remaining chunk is outside the
			// connected peers' holdings. Caller re-discovers.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cancelCh:
			return errCanceled
		case res := <-results:
			inflight--
			assigned.Remove(res.index)

			if res.err != nil {
				res.peer.failures++
				retries[res.index]++
				s.logger.Warn("chunk fetch failed",
					zap.Int("chunk", res.index),
					zap.String("peer", string(res.peer.key)),
					zap.Error(res.err))
				if retries[res.index] > s.opts.ChunkRetries {
					return fmt.Errorf("chunk %d unfetchable after %d attempts: %w",
						res.index, retries[res.index], res.err)
				}
				if res.peer.failures >= s.opts.PeerFailureLimit {
					alive = removePeer(alive, res.peer)
					s.setPeers(len(alive))
					s.logger.Warn("dropping seeder",
						zap.String("peer", string(res.peer.key)),
						zap.Int("failures", res.peer.failures))
				} else {
					idle = append(idle, res.peer)
				}
				continue
			}

			if err := s.store.WriteChunk(s.fileID, res.index, res.data); err != nil {
				return err
			}
			needed.Remove(res.index)
			res.peer.failures = 0
			idle = append(idle, res.peer)
			s.addFetched(1)
		}
	}
	return nil
}

func (s *Session) verify(ctx context.Context, meta chunkstore.Meta) error {
	if err := s.interrupted(ctx); err != nil {
		return err
	}
	s.setState(StateVerifying)

	sum, err := s.store.AssembleTo(s.fileID, io.Discard)
	if err != nil {
		return fmt.Errorf("verify %s: %w", s.fileID, err)
	}
	if sum != meta.Checksum {
		// Poisoned or torn data must not be kept, and must never seed.
		if derr := s.store.DeleteFile(s.fileID); derr != nil {
			s.logger.Error("failed to remove corrupt download", zap.Error(derr))
		}
		return fmt.Errorf("verify %s: assembled checksum %s does not match canonical %s",
			s.fileID, sum, meta.Checksum)
	}

	s.announceSeed(ctx, meta)
	return nil
}

// announceSeed registers the finished download as a new replica. Failure
// is logged, not fatal; the periodic reconcile will announce again.
func (s *Session) announceSeed(ctx context.Context, meta chunkstore.Meta) {
	_, err := s.registry.Announce(ctx, &types.AnnounceRequest{
		UserID:           s.self,
		DeviceID:         s.device,
		ConnectionHandle: s.handle,
		FileID:           s.fileID,
		Checksum:         meta.Checksum,
		ChunkCount:       meta.ChunkCount,
		AvailableChunks:  types.FullChunkSet(meta.ChunkCount),
	})
	if err != nil {
		s.logger.Warn("could not announce completed download", zap.Error(err))
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return
	}
	s.state = next
	s.trace = append(s.trace, next)
	s.updatedAt = time.Now()
}

func (s *Session) setProgress(have, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have = have
	s.total = total
	s.updatedAt = time.Now()
}

func (s *Session) addFetched(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have += n
	s.updatedAt = time.Now()
}

func (s *Session) setPeers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = n
	s.updatedAt = time.Now()
}

func (s *Session) deleteRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteOnCancel
}

func (s *Session) interrupted(ctx context.Context) error {
	select {
	case <-s.cancelCh:
		return errCanceled
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.cancelCh:
		return errCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) acquireSlot(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-s.cancelCh:
		return errCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseSlot() {
	if s.slots == nil {
		return
	}
	<-s.slots
}

func (s *Session) closePeers(peers []*peer) {
	for _, p := range peers {
		if err := p.stream.Close(); err != nil {
			s.logger.Debug("stream close", zap.String("peer", string(p.key)), zap.Error(err))
		}
		_ = s.net.Close(p.handle)
		s.releaseSlot()
	}
	s.setPeers(0)
}

func removePeer(peers []*peer, target *peer) []*peer {
	out := peers[:0]
	for _, p := range peers {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
