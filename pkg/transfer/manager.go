package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/transport"
	"swarmshare/pkg/types"
)

// ErrSessionActive rejects a second Fetch for a file whose session is
// still running.
var ErrSessionActive = errors.New("a download for this file is already running")

// Config identifies the local peer to the swarm.
type Config struct {
	Self   types.UserID
	Device types.DeviceID
	// Handle is the address announced for other peers to fetch from us.
	Handle string
}

// Manager runs at most one session per file and enforces the global cap on
// open seeder connections across sessions.
type Manager struct {
	cfg      Config
	registry Registry
	store    *chunkstore.Store
	net      transport.Transport
	opts     Options
	logger   *zap.Logger
	slots    chan struct{}

	mu       sync.Mutex
	sessions map[types.FileID]*Session
}

func NewManager(cfg Config, reg Registry, store *chunkstore.Store, net transport.Transport, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Manager{
		cfg:      cfg,
		registry: reg,
		store:    store,
		net:      net,
		opts:     opts,
		logger:   logger,
		slots:    make(chan struct{}, opts.MaxConnections),
		sessions: make(map[types.FileID]*Session),
	}
}

// Fetch starts downloading fileID in the background. A live session for
// the same file returns ErrSessionActive; a finished one is replaced.
func (m *Manager) Fetch(ctx context.Context, fileID types.FileID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[fileID]; ok && !existing.State().Terminal() {
		return nil, ErrSessionActive
	}

	sess := newSession(fileID, m.cfg.Self, m.cfg.Device, m.cfg.Handle,
		m.registry, m.store, m.net, m.slots, m.opts, m.logger)
	m.sessions[fileID] = sess
	go sess.run(ctx)

	m.logger.Info("download started", zap.String("file_id", string(fileID)))
	return sess, nil
}

// Cancel stops an active session and reports whether one was running.
// With deleteChunks the file's local data is removed once the session has
// wound down, regardless of which terminal state it reaches first; this is
// the hook a verified revocation uses.
func (m *Manager) Cancel(fileID types.FileID, deleteChunks bool) bool {
	m.mu.Lock()
	sess, ok := m.sessions[fileID]
	m.mu.Unlock()

	if !ok || sess.State().Terminal() {
		return false
	}
	sess.Cancel(deleteChunks)

	if deleteChunks {
		go func() {
			<-sess.Done()
			// The session deletes on the canceled path itself, but it may
			// have raced into complete or failed instead. DeleteFile is
			// idempotent, so sweeping again is safe.
			if err := m.store.DeleteFile(fileID); err != nil {
				m.logger.Error("failed to remove revoked file",
					zap.String("file_id", string(fileID)),
					zap.Error(err))
			}
		}()
	}
	return true
}

// CancelAll stops every live session, keeping partial data for resume.
// Used on shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		if !sess.State().Terminal() {
			sess.Cancel(false)
		}
	}
	for _, sess := range sessions {
		<-sess.Done()
	}
}

// Get returns the session for fileID, live or finished.
func (m *Manager) Get(fileID types.FileID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[fileID]
	return sess, ok
}

// Statuses snapshots every known session, sorted by file ID.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].FileID < statuses[j].FileID })
	return statuses
}
