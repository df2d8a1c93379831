package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/registry"
	"swarmshare/pkg/transport"
	"swarmshare/pkg/types"
)

type fakeRegistry struct {
	mu        sync.Mutex
	infoFn    func() (*types.FileInfo, error)
	announces []*types.AnnounceRequest
}

func staticInfo(info *types.FileInfo) *fakeRegistry {
	return &fakeRegistry{infoFn: func() (*types.FileInfo, error) { return info, nil }}
}

func (f *fakeRegistry) GetFileInfo(_ context.Context, _ types.FileID) (*types.FileInfo, error) {
	f.mu.Lock()
	fn := f.infoFn
	f.mu.Unlock()
	return fn()
}

func (f *fakeRegistry) Announce(_ context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, req)
	return &types.AnnounceResponse{AuthorizedUsers: []types.UserID{req.UserID}, SeederCount: 1}, nil
}

func (f *fakeRegistry) announced() []*types.AnnounceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.AnnounceRequest(nil), f.announces...)
}

// recordingSource tracks which chunk indices a seeder was asked for.
type recordingSource struct {
	mu     sync.Mutex
	inner  transport.ChunkSource
	served []int
}

func (r *recordingSource) ReadChunk(fileID types.FileID, index int) ([]byte, error) {
	r.mu.Lock()
	r.served = append(r.served, index)
	r.mu.Unlock()
	return r.inner.ReadChunk(fileID, index)
}

func (r *recordingSource) indices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.served...)
}

// brokenSource fails every read, like a seeder with a dead disk.
type brokenSource struct{}

func (brokenSource) ReadChunk(types.FileID, int) ([]byte, error) {
	return nil, errors.New("read failed")
}

// corruptSource serves flipped bytes, simulating a poisoning peer.
type corruptSource struct {
	inner transport.ChunkSource
}

func (c corruptSource) ReadChunk(fileID types.FileID, index int) ([]byte, error) {
	data, err := c.inner.ReadChunk(fileID, index)
	if err != nil {
		return nil, err
	}
	flipped := append([]byte(nil), data...)
	flipped[0] ^= 0xff
	return flipped, nil
}

// slowSource delays every read so tests can catch a session mid-download.
type slowSource struct {
	inner transport.ChunkSource
	delay time.Duration
}

func (s slowSource) ReadChunk(fileID types.FileID, index int) ([]byte, error) {
	time.Sleep(s.delay)
	return s.inner.ReadChunk(fileID, index)
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func buildSeed(t *testing.T, fileID types.FileID, content []byte, chunkSize int) (*chunkstore.Store, chunkstore.Meta) {
	t.Helper()

	store, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	meta, err := store.ImportFile(fileID, src, "application/octet-stream", chunkSize)
	require.NoError(t, err)
	return store, meta
}

func seederOf(user types.UserID, device types.DeviceID, handle string, chunks types.ChunkSet) types.SeederInfo {
	return types.SeederInfo{
		UserID:           user,
		DeviceID:         device,
		ConnectionHandle: handle,
		Chunks:           chunks,
		LastSeen:         time.Now(),
	}
}

func fastOptions() Options {
	return Options{
		RequestTimeout:   2 * time.Second,
		DiscoveryRetries: 2,
		DiscoveryBackoff: 5 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, reg Registry, network transport.Transport, opts Options) (*Manager, *chunkstore.Store) {
	t.Helper()

	store, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(Config{Self: "alice", Device: "laptop", Handle: "alice.local:7000"},
		reg, store, network, opts, zap.NewNop())
	return m, store
}

func TestRarityOrder(t *testing.T) {
	t.Run("rarest chunks come first", func(t *testing.T) {
		wanted := types.NewChunkSet(0, 1, 2)
		offers := []types.ChunkSet{
			types.NewChunkSet(0, 1),
			types.NewChunkSet(0, 2),
			types.NewChunkSet(0),
		}
		assert.Equal(t, []int{1, 2, 0}, rarityOrder(wanted, offers))
	})

	t.Run("same view yields the same plan", func(t *testing.T) {
		wanted := types.NewChunkSet(4, 7, 1, 3)
		offers := []types.ChunkSet{
			types.NewChunkSet(1, 3, 4),
			types.NewChunkSet(1, 4),
			types.NewChunkSet(1),
		}
		first := rarityOrder(wanted, offers)
		assert.Equal(t, first, rarityOrder(wanted, offers))
		assert.Equal(t, []int{3, 4, 1, 7}, first)
	})

	t.Run("unoffered chunks sort last", func(t *testing.T) {
		wanted := types.NewChunkSet(0, 1, 9)
		offers := []types.ChunkSet{types.NewChunkSet(0, 1), types.NewChunkSet(0)}
		assert.Equal(t, []int{1, 0, 9}, rarityOrder(wanted, offers))
	})
}

func TestNextAssignment(t *testing.T) {
	pa := &peer{key: "alice:a", chunks: types.NewChunkSet(0, 1)}
	pb := &peer{key: "bob:b", chunks: types.NewChunkSet(0, 2)}
	pc := &peer{key: "carol:c", chunks: types.NewChunkSet(0)}
	alive := []*peer{pa, pb, pc}
	needed := types.NewChunkSet(0, 1, 2)
	none := types.NewChunkSet()

	index, p := nextAssignment(needed, none, alive, alive)
	assert.Equal(t, 1, index, "chunk 1 is rarest")
	assert.Same(t, pa, p)

	index, p = nextAssignment(needed, none, alive, []*peer{pb, pc})
	assert.Equal(t, 2, index, "with its only holder busy, chunk 1 is skipped")
	assert.Same(t, pb, p)

	index, p = nextAssignment(types.NewChunkSet(0), none, alive, []*peer{pc, pb})
	assert.Equal(t, 0, index)
	assert.Same(t, pb, p, "ties break toward the smaller device key")

	index, p = nextAssignment(types.NewChunkSet(5), none, alive, alive)
	assert.Nil(t, p)
	assert.Equal(t, -1, index)
}

func TestSession_DownloadsVerifiesAndSeeds(t *testing.T) {
	content := testContent(100)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	network.Register("bob.local:7000", seedStore)

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        meta.Checksum,
		ChunkCount:      meta.ChunkCount,
		FileSize:        meta.FileSize,
		MimeType:        meta.MimeType,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
		},
	})

	m, store := newTestManager(t, reg, network, fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)
	require.NoError(t, sess.Wait())

	assert.Equal(t, StateComplete, sess.State())
	assert.Equal(t,
		[]State{StateIdle, StateDiscovering, StateConnecting, StateDownloading, StateVerifying, StateComplete},
		sess.stateTrace())

	var buf bytes.Buffer
	sum, err := store.AssembleTo("file-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, sum)
	assert.Equal(t, content, buf.Bytes())

	anns := reg.announced()
	require.Len(t, anns, 1, "a completed download announces itself as a seeder")
	assert.Equal(t, "alice.local:7000", anns[0].ConnectionHandle)
	assert.Equal(t, meta.ChunkCount, anns[0].AvailableChunks.Len())

	status := sess.Status()
	assert.Equal(t, 1.0, status.Progress)
	assert.Empty(t, status.Error)
}

func TestSession_ResumesPartialDownload(t *testing.T) {
	content := testContent(64)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	rec := &recordingSource{inner: seedStore}
	network.Register("bob.local:7000", rec)

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        meta.Checksum,
		ChunkCount:      meta.ChunkCount,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
		},
	})

	m, store := newTestManager(t, reg, network, fastOptions())
	require.NoError(t, store.WriteChunk("file-1", 2, content[32:48]))

	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)
	require.NoError(t, sess.Wait())

	assert.NotContains(t, rec.indices(), 2, "chunks already on disk must not be re-fetched")

	var buf bytes.Buffer
	_, err = store.AssembleTo("file-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestSession_FallsBackToAlternateSeeder(t *testing.T) {
	content := testContent(48)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	network.Register("bob.local:7000", brokenSource{})
	network.Register("carol.local:7000", seedStore)

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        meta.Checksum,
		ChunkCount:      meta.ChunkCount,
		AuthorizedUsers: []types.UserID{"bob", "carol", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
			seederOf("carol", "pc", "carol.local:7000", types.FullChunkSet(meta.ChunkCount)),
		},
	})

	opts := fastOptions()
	opts.ChunkRetries = 3
	opts.PeerFailureLimit = 1

	m, store := newTestManager(t, reg, network, opts)
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)
	require.NoError(t, sess.Wait(), "one dead seeder must not sink the download")

	var buf bytes.Buffer
	_, err = store.AssembleTo("file-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestSession_FailsWhenChunkExhaustsRetries(t *testing.T) {
	network := transport.NewMemNetwork()
	network.Register("bob.local:7000", brokenSource{})

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        "deadbeef",
		ChunkCount:      2,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(2)),
		},
	})

	opts := fastOptions()
	opts.ChunkRetries = 2
	opts.PeerFailureLimit = 10

	m, _ := newTestManager(t, reg, network, opts)
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	err = sess.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unfetchable")
	assert.Equal(t, StateFailed, sess.State())
}

func TestSession_FailsWhenNoSeederIsReachable(t *testing.T) {
	network := transport.NewMemNetwork()

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        "deadbeef",
		ChunkCount:      2,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "gone.local:7000", types.FullChunkSet(2)),
		},
	})

	m, _ := newTestManager(t, reg, network, fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	err = sess.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seeder")
	assert.Equal(t, StateFailed, sess.State())
}

func TestSession_RejectsUnsharedFile(t *testing.T) {
	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        "deadbeef",
		ChunkCount:      2,
		AuthorizedUsers: []types.UserID{"bob"},
	})

	m, _ := newTestManager(t, reg, transport.NewMemNetwork(), fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	err = sess.Wait()
	assert.ErrorIs(t, err, registry.ErrUnauthorized)
	assert.Equal(t, StateFailed, sess.State())
}

func TestSession_RevocationDuringDownloadDeletesPartialData(t *testing.T) {
	content := testContent(48)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	network.Register("bob.local:7000", seedStore)

	// First discovery: bob only offers chunk 0, forcing a second round.
	// By then access is gone.
	var calls int
	var mu sync.Mutex
	reg := &fakeRegistry{}
	reg.infoFn = func() (*types.FileInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return &types.FileInfo{
				FileID:          "file-1",
				Checksum:        meta.Checksum,
				ChunkCount:      meta.ChunkCount,
				AuthorizedUsers: []types.UserID{"bob", "alice"},
				Seeders: []types.SeederInfo{
					seederOf("bob", "pc", "bob.local:7000", types.NewChunkSet(0)),
				},
			}, nil
		}
		return &types.FileInfo{
			FileID:          "file-1",
			Checksum:        meta.Checksum,
			ChunkCount:      meta.ChunkCount,
			AuthorizedUsers: []types.UserID{"bob"},
		}, nil
	}

	m, store := newTestManager(t, reg, network, fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	err = sess.Wait()
	assert.ErrorIs(t, err, registry.ErrUnauthorized)
	assert.Equal(t, StateFailed, sess.State())

	have, err := store.Have("file-1")
	require.NoError(t, err)
	assert.Equal(t, 0, have.Len(), "partial data must not outlive the grant")
	_, err = store.GetMeta("file-1")
	assert.Error(t, err)
}

func TestManager_Cancel(t *testing.T) {
	newSlowSwarm := func(t *testing.T) (*Manager, *chunkstore.Store, chunkstore.Meta) {
		content := testContent(128)
		network := transport.NewMemNetwork()
		seedStore, meta := buildSeed(t, "file-1", content, 16)
		network.Register("bob.local:7000", slowSource{inner: seedStore, delay: 30 * time.Millisecond})

		reg := staticInfo(&types.FileInfo{
			FileID:          "file-1",
			Checksum:        meta.Checksum,
			ChunkCount:      meta.ChunkCount,
			AuthorizedUsers: []types.UserID{"bob", "alice"},
			Seeders: []types.SeederInfo{
				seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
			},
		})
		m, store := newTestManager(t, reg, network, fastOptions())
		return m, store, meta
	}

	t.Run("user cancel keeps partial data for resume", func(t *testing.T) {
		m, store, _ := newSlowSwarm(t)
		sess, err := m.Fetch(context.Background(), "file-1")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return sess.State() == StateDownloading },
			2*time.Second, 5*time.Millisecond)

		require.True(t, m.Cancel("file-1", false))
		require.NoError(t, sess.Wait(), "cancellation is not a failure")
		assert.Equal(t, StateCanceled, sess.State())

		_, err = store.GetMeta("file-1")
		assert.NoError(t, err, "partial state should survive a user cancel")
	})

	t.Run("revocation cancel removes all local data", func(t *testing.T) {
		m, store, _ := newSlowSwarm(t)
		sess, err := m.Fetch(context.Background(), "file-1")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return sess.State() == StateDownloading },
			2*time.Second, 5*time.Millisecond)

		require.True(t, m.Cancel("file-1", true))
		require.NoError(t, sess.Wait())
		assert.Equal(t, StateCanceled, sess.State())

		require.Eventually(t, func() bool {
			have, err := store.Have("file-1")
			if err != nil || have.Len() != 0 {
				return false
			}
			_, err = store.GetMeta("file-1")
			return err != nil
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("cancel of unknown file reports false", func(t *testing.T) {
		m, _, _ := newSlowSwarm(t)
		assert.False(t, m.Cancel("ghost", false))
	})
}

func TestManager_OneSessionPerFile(t *testing.T) {
	content := testContent(128)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	network.Register("bob.local:7000", slowSource{inner: seedStore, delay: 20 * time.Millisecond})

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        meta.Checksum,
		ChunkCount:      meta.ChunkCount,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
		},
	})

	m, _ := newTestManager(t, reg, network, fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "file-1")
	assert.ErrorIs(t, err, ErrSessionActive)

	m.Cancel("file-1", false)
	require.NoError(t, sess.Wait())

	replacement, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err, "a finished session must not block a new fetch")
	require.NoError(t, replacement.Wait())
	assert.Equal(t, StateComplete, replacement.State())
}

func TestSession_DiscardsDataFailingVerification(t *testing.T) {
	content := testContent(48)
	network := transport.NewMemNetwork()
	seedStore, meta := buildSeed(t, "file-1", content, 16)
	network.Register("bob.local:7000", corruptSource{inner: seedStore})

	reg := staticInfo(&types.FileInfo{
		FileID:          "file-1",
		Checksum:        meta.Checksum,
		ChunkCount:      meta.ChunkCount,
		AuthorizedUsers: []types.UserID{"bob", "alice"},
		Seeders: []types.SeederInfo{
			seederOf("bob", "pc", "bob.local:7000", types.FullChunkSet(meta.ChunkCount)),
		},
	})

	m, store := newTestManager(t, reg, network, fastOptions())
	sess, err := m.Fetch(context.Background(), "file-1")
	require.NoError(t, err)

	err = sess.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match canonical")
	assert.Equal(t, StateFailed, sess.State())

	have, err := store.Have("file-1")
	require.NoError(t, err)
	assert.Equal(t, 0, have.Len(), "poisoned data must never be kept or re-seeded")
	assert.Empty(t, reg.announced(), "a failed verification must not announce")
}

func TestManager_SharedConnectionBudget(t *testing.T) {
	network := transport.NewMemNetwork()
	infos := make(map[types.FileID]*types.FileInfo)

	for _, fileID := range []types.FileID{"file-a", "file-b"} {
		seedStore, meta := buildSeed(t, fileID, testContent(48), 16)
		handle := string(fileID) + ".seed:7000"
		network.Register(handle, seedStore)
		infos[fileID] = &types.FileInfo{
			FileID:          fileID,
			Checksum:        meta.Checksum,
			ChunkCount:      meta.ChunkCount,
			AuthorizedUsers: []types.UserID{"bob", "alice"},
			Seeders: []types.SeederInfo{
				seederOf("bob", "pc", handle, types.FullChunkSet(meta.ChunkCount)),
			},
		}
	}

	regByFile := &multiFileRegistry{infos: infos, announcer: &fakeRegistry{}}

	opts := fastOptions()
	opts.MaxConnections = 1
	opts.MaxPeers = 2

	m, store := newTestManager(t, regByFile, network, opts)
	sa, err := m.Fetch(context.Background(), "file-a")
	require.NoError(t, err)
	sb, err := m.Fetch(context.Background(), "file-b")
	require.NoError(t, err)

	require.NoError(t, sa.Wait())
	require.NoError(t, sb.Wait())

	for _, fileID := range []types.FileID{"file-a", "file-b"} {
		var buf bytes.Buffer
		_, err := store.AssembleTo(fileID, &buf)
		require.NoError(t, err, "both downloads should finish under a one-connection budget")
	}

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, types.FileID("file-a"), statuses[0].FileID)
	assert.Equal(t, StateComplete, statuses[0].State)
	assert.Equal(t, types.FileID("file-b"), statuses[1].FileID)
	assert.Equal(t, StateComplete, statuses[1].State)
}

// multiFileRegistry serves per-file infos, delegating announces.
type multiFileRegistry struct {
	infos     map[types.FileID]*types.FileInfo
	announcer *fakeRegistry
}

func (m *multiFileRegistry) GetFileInfo(_ context.Context, fileID types.FileID) (*types.FileInfo, error) {
	info, ok := m.infos[fileID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return info, nil
}

func (m *multiFileRegistry) Announce(ctx context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	return m.announcer.Announce(ctx, req)
}
