package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swarmshare/pkg/advisory"
	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/registry"
	"swarmshare/pkg/types"
)

type fakeRegistry struct {
	mu        sync.Mutex
	announces []*types.AnnounceRequest
	infoCalls int

	announceFn func(req *types.AnnounceRequest) (*types.AnnounceResponse, error)
	infoFn     func(fileID types.FileID) (*types.FileInfo, error)
}

func (f *fakeRegistry) Announce(_ context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	f.mu.Lock()
	f.announces = append(f.announces, req)
	f.mu.Unlock()
	return f.announceFn(req)
}

func (f *fakeRegistry) GetFileInfo(_ context.Context, fileID types.FileID) (*types.FileInfo, error) {
	f.mu.Lock()
	f.infoCalls++
	f.mu.Unlock()
	return f.infoFn(fileID)
}

type fakeCanceler struct {
	active   map[types.FileID]bool
	canceled []types.FileID
}

func (f *fakeCanceler) Cancel(fileID types.FileID, _ bool) bool {
	f.canceled = append(f.canceled, fileID)
	return f.active[fileID]
}

func newTestReconciler(t *testing.T, reg Registry) (*Reconciler, *chunkstore.Store, *AuthCache) {
	t.Helper()

	store, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	cache := NewAuthCache("")
	r := New(Config{Self: "alice", Device: "laptop", Handle: "alice.example:7000"}, cache, reg, store, zap.NewNop())
	return r, store, cache
}

func seedFile(t *testing.T, store *chunkstore.Store, fileID types.FileID, chunkCount int) {
	t.Helper()

	require.NoError(t, store.PutMeta(chunkstore.Meta{
		FileID:     fileID,
		Checksum:   "sum-" + string(fileID),
		ChunkCount: chunkCount,
		FileSize:   int64(chunkCount * 4),
	}))
	for i := 0; i < chunkCount; i++ {
		require.NoError(t, store.WriteChunk(fileID, i, []byte("data")))
	}
}

func TestReconcile_AnnouncesSeededFilesWithCachedProposal(t *testing.T) {
	reg := &fakeRegistry{
		announceFn: func(req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
			return &types.AnnounceResponse{
				AuthorizedUsers: []types.UserID{"alice", "bob", "carol"},
				SeederCount:     1,
			}, nil
		},
	}
	r, store, cache := newTestReconciler(t, reg)
	seedFile(t, store, "file-1", 3)
	cache.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())

	require.NoError(t, r.Reconcile(context.Background()))

	require.Len(t, reg.announces, 1)
	req := reg.announces[0]
	assert.Equal(t, types.UserID("alice"), req.UserID)
	assert.Equal(t, "sum-file-1", req.Checksum)
	assert.Equal(t, []int{0, 1, 2}, req.AvailableChunks.Indices())
	assert.Equal(t, []types.UserID{"alice", "bob"}, req.ProposedAuthorizedUsers)

	fa, ok := cache.Get("file-1")
	require.True(t, ok)
	assert.Equal(t, []types.UserID{"alice", "bob", "carol"}, fa.SharedWith)
	assert.False(t, fa.Revoked)
	assert.False(t, fa.LastSync.IsZero())
}

func TestReconcile_RegistrySnapshotOverwritesWiderLocalView(t *testing.T) {
	reg := &fakeRegistry{
		announceFn: func(req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
			return &types.AnnounceResponse{AuthorizedUsers: []types.UserID{"alice"}}, nil
		},
	}
	r, store, cache := newTestReconciler(t, reg)
	seedFile(t, store, "file-1", 2)
	cache.Apply("file-1", []types.UserID{"alice", "bob", "carol"}, time.Now())

	require.NoError(t, r.Reconcile(context.Background()))

	fa, _ := cache.Get("file-1")
	assert.Equal(t, []types.UserID{"alice"}, fa.SharedWith,
		"registry response must replace the local view even when narrower")
}

func TestReconcile_UnauthorizedAnnounceRemovesReplica(t *testing.T) {
	reg := &fakeRegistry{
		announceFn: func(req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
			return nil, registry.ErrUnauthorized
		},
	}
	r, store, cache := newTestReconciler(t, reg)
	seedFile(t, store, "file-1", 2)
	cache.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())

	require.NoError(t, r.Reconcile(context.Background()))

	fa, ok := cache.Get("file-1")
	require.True(t, ok)
	assert.True(t, fa.Revoked)

	have, err := store.Have("file-1")
	require.NoError(t, err)
	assert.Equal(t, 0, have.Len(), "chunks should be deleted after revocation")
}

func TestReconcile_ChecksumMismatchStopsSeedingButKeepsData(t *testing.T) {
	reg := &fakeRegistry{
		announceFn: func(req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
			return nil, registry.ErrChecksumMismatch
		},
	}
	r, store, cache := newTestReconciler(t, reg)
	seedFile(t, store, "file-1", 2)
	cache.Apply("file-1", []types.UserID{"alice"}, time.Now())

	require.NoError(t, r.Reconcile(context.Background()))

	fa, _ := cache.Get("file-1")
	assert.False(t, fa.Revoked, "a checksum dispute is not a revocation")

	have, err := store.Have("file-1")
	require.NoError(t, err)
	assert.Equal(t, 2, have.Len())
}

func TestReconcile_CacheOnlyFiles(t *testing.T) {
	t.Run("refreshed from registry", func(t *testing.T) {
		reg := &fakeRegistry{
			infoFn: func(fileID types.FileID) (*types.FileInfo, error) {
				return &types.FileInfo{
					FileID:          fileID,
					Checksum:        "sum",
					ChunkCount:      2,
					AuthorizedUsers: []types.UserID{"alice", "dave"},
				}, nil
			},
		}
		r, _, cache := newTestReconciler(t, reg)
		cache.Apply("file-2", []types.UserID{"alice"}, time.Now())

		require.NoError(t, r.Reconcile(context.Background()))

		fa, _ := cache.Get("file-2")
		assert.Equal(t, []types.UserID{"alice", "dave"}, fa.SharedWith)
		assert.Len(t, reg.announces, 0, "nothing to announce without chunks")
	})

	t.Run("dropped when registry forgot them", func(t *testing.T) {
		reg := &fakeRegistry{
			infoFn: func(fileID types.FileID) (*types.FileInfo, error) {
				return nil, registry.ErrNotFound
			},
		}
		r, _, cache := newTestReconciler(t, reg)
		cache.Apply("file-2", []types.UserID{"alice"}, time.Now())

		require.NoError(t, r.Reconcile(context.Background()))

		_, ok := cache.Get("file-2")
		assert.False(t, ok)
	})
}

func TestHandleShareUpdated(t *testing.T) {
	t.Run("push overwrites local state", func(t *testing.T) {
		r, _, cache := newTestReconciler(t, &fakeRegistry{})
		cache.Apply("file-1", []types.UserID{"alice", "bob", "carol"}, time.Now())

		r.HandleShareUpdated(types.ShareUpdate{
			FileID:          "file-1",
			AuthorizedUsers: []types.UserID{"alice", "bob"},
		})

		fa, _ := cache.Get("file-1")
		assert.Equal(t, []types.UserID{"alice", "bob"}, fa.SharedWith)
	})

	t.Run("push without self is a revocation", func(t *testing.T) {
		r, store, cache := newTestReconciler(t, &fakeRegistry{})
		seedFile(t, store, "file-1", 2)
		cache.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())

		r.HandleShareUpdated(types.ShareUpdate{
			FileID:          "file-1",
			AuthorizedUsers: []types.UserID{"bob"},
		})

		fa, _ := cache.Get("file-1")
		assert.True(t, fa.Revoked)
		have, err := store.Have("file-1")
		require.NoError(t, err)
		assert.Equal(t, 0, have.Len())
	})

	t.Run("regrant clears the revocation mark", func(t *testing.T) {
		r, _, cache := newTestReconciler(t, &fakeRegistry{})
		cache.MarkRevoked("file-1", []types.UserID{"bob"}, time.Now())

		r.HandleShareUpdated(types.ShareUpdate{
			FileID:          "file-1",
			AuthorizedUsers: []types.UserID{"alice", "bob"},
		})

		fa, _ := cache.Get("file-1")
		assert.False(t, fa.Revoked)
		assert.Equal(t, []types.UserID{"alice", "bob"}, fa.SharedWith)
	})

	t.Run("push for unknown unauthorized file is ignored", func(t *testing.T) {
		r, _, cache := newTestReconciler(t, &fakeRegistry{})

		r.HandleShareUpdated(types.ShareUpdate{
			FileID:          "stranger",
			AuthorizedUsers: []types.UserID{"bob"},
		})

		_, ok := cache.Get("stranger")
		assert.False(t, ok)
	})

	t.Run("push introducing a new grant is tracked", func(t *testing.T) {
		r, _, cache := newTestReconciler(t, &fakeRegistry{})

		r.HandleShareUpdated(types.ShareUpdate{
			FileID:          "fresh",
			AuthorizedUsers: []types.UserID{"bob", "alice"},
		})

		fa, ok := cache.Get("fresh")
		require.True(t, ok)
		assert.Equal(t, []types.UserID{"bob", "alice"}, fa.SharedWith)
	})
}

func TestHandleAdvisory(t *testing.T) {
	revokeAlice := advisory.Advisory{
		FileID:          "file-1",
		Action:          types.ShareActionRevoke,
		AffectedUserIDs: []types.UserID{"alice"},
		Timestamp:       time.Now(),
	}

	t.Run("spoofed revocation is not applied", func(t *testing.T) {
		reg := &fakeRegistry{
			infoFn: func(fileID types.FileID) (*types.FileInfo, error) {
				return &types.FileInfo{
					FileID:          fileID,
					AuthorizedUsers: []types.UserID{"alice", "bob"},
				}, nil
			},
		}
		r, store, cache := newTestReconciler(t, reg)
		seedFile(t, store, "file-1", 2)
		cache.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())

		r.HandleAdvisory(context.Background(), revokeAlice)

		fa, _ := cache.Get("file-1")
		assert.False(t, fa.Revoked, "advisory must not be trusted over the registry")
		have, err := store.Have("file-1")
		require.NoError(t, err)
		assert.Equal(t, 2, have.Len())
		assert.Equal(t, 1, reg.infoCalls, "advisory should trigger exactly one re-fetch")
	})

	t.Run("confirmed revocation cancels the session", func(t *testing.T) {
		reg := &fakeRegistry{
			infoFn: func(fileID types.FileID) (*types.FileInfo, error) {
				return &types.FileInfo{
					FileID:          fileID,
					AuthorizedUsers: []types.UserID{"bob"},
				}, nil
			},
		}
		r, _, cache := newTestReconciler(t, reg)
		cache.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())
		canceler := &fakeCanceler{active: map[types.FileID]bool{"file-1": true}}
		r.SetCanceler(canceler)

		r.HandleAdvisory(context.Background(), revokeAlice)

		fa, _ := cache.Get("file-1")
		assert.True(t, fa.Revoked)
		assert.Equal(t, []types.FileID{"file-1"}, canceler.canceled)
	})

	t.Run("advisory for untracked file triggers nothing", func(t *testing.T) {
		reg := &fakeRegistry{}
		r, _, _ := newTestReconciler(t, reg)

		r.HandleAdvisory(context.Background(), advisory.Advisory{
			FileID:          "unknown",
			Action:          types.ShareActionAdd,
			AffectedUserIDs: []types.UserID{"alice"},
		})

		assert.Equal(t, 0, reg.infoCalls)
	})
}

func TestAuthCache_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "auth.json")

	c := NewAuthCache(path)
	c.Apply("file-1", []types.UserID{"alice", "bob"}, time.Now())
	c.MarkRevoked("file-2", []types.UserID{"carol"}, time.Now())
	require.NoError(t, c.Save())

	loaded, err := LoadAuthCache(path)
	require.NoError(t, err)

	fa1, ok := loaded.Get("file-1")
	require.True(t, ok)
	assert.Equal(t, []types.UserID{"alice", "bob"}, fa1.SharedWith)
	assert.False(t, fa1.Revoked)

	fa2, ok := loaded.Get("file-2")
	require.True(t, ok)
	assert.True(t, fa2.Revoked)
}

func TestLoadAuthCache_MissingFileIsEmpty(t *testing.T) {
	c, err := LoadAuthCache(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, c.Files())
}
