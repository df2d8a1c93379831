package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"swarmshare/pkg/advisory"
	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/registry"
	"swarmshare/pkg/types"
)

// Registry is the subset of the coordination API reconciliation uses.
// *client.Client satisfies it.
type Registry interface {
	Announce(ctx context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error)
	GetFileInfo(ctx context.Context, fileID types.FileID) (*types.FileInfo, error)
}

// Canceler stops an active download for a file. It reports whether a
// session was running; a canceled session owns cleanup of its partial
// chunks.
type Canceler interface {
	Cancel(fileID types.FileID, deleteChunks bool) bool
}

// Config identifies the local peer to the registry.
type Config struct {
	Self   types.UserID
	Device types.DeviceID
	// Handle is the address other peers dial to fetch chunks from us.
	Handle string
}

// Reconciler drives the three inbound paths for authorization state:
// periodic reconciliation, trusted shareUpdated pushes, and untrusted
// peer advisories. All three converge on registry snapshots.
type Reconciler struct {
	cfg      Config
	cache    *AuthCache
	registry Registry
	store    *chunkstore.Store
	canceler Canceler
	logger   *zap.Logger
}

func New(cfg Config, cache *AuthCache, reg Registry, store *chunkstore.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:      cfg,
		cache:    cache,
		registry: reg,
		store:    store,
		logger:   logger,
	}
}

// SetCanceler wires the transfer manager in. The manager is constructed
// after the reconciler, so this cannot happen in New.
func (r *Reconciler) SetCanceler(c Canceler) { r.canceler = c }

// Reconcile refreshes every tracked file against the registry. Seeded
// files re-announce with the cached authorized list as the proposal;
// cache-only files re-fetch. Registry responses unconditionally overwrite
// local state. Call after every signaling (re)connect.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var firstErr error
	seeded := make(map[types.FileID]bool)

	if r.store != nil {
		metas, err := r.store.Files()
		if err != nil {
			return err
		}
		for _, meta := range metas {
			seeded[meta.FileID] = true
			if err := r.reconcileSeeded(ctx, meta); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, fileID := range r.cache.Files() {
		if seeded[fileID] {
			continue
		}
		if err := r.refresh(ctx, fileID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunPeriodic reconciles at the given interval until ctx is done.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) reconcileSeeded(ctx context.Context, meta chunkstore.Meta) error {
	fa, known := r.cache.Get(meta.FileID)
	if known && fa.Revoked {
		// Chunks on disk for a revoked file mean an earlier cleanup
		// failed. Re-fetch; a confirmed revocation retries the delete.
		return r.refresh(ctx, meta.FileID)
	}

	have, err := r.store.Have(meta.FileID)
	if err != nil {
		return err
	}
	if have.Len() == 0 {
		return r.refresh(ctx, meta.FileID)
	}

	req := &types.AnnounceRequest{
		UserID:           r.cfg.Self,
		DeviceID:         r.cfg.Device,
		ConnectionHandle: r.cfg.Handle,
		FileID:           meta.FileID,
		Checksum:         meta.Checksum,
		ChunkCount:       meta.ChunkCount,
		AvailableChunks:  have,
	}
	if known {
		req.ProposedAuthorizedUsers = fa.SharedWith
	}

	resp, err := r.registry.Announce(ctx, req)
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		r.applyRevocation(meta.FileID, nil)
		return nil
	case errors.Is(err, registry.ErrChecksumMismatch):
		r.logger.Warn("local copy does not match the canonical checksum, not seeding",
			zap.String("file_id", string(meta.FileID)),
			zap.String("local_checksum", meta.Checksum))
		return nil
	case err != nil:
		return err
	}

	r.applySnapshot(meta.FileID, resp.AuthorizedUsers)
	return nil
}

func (r *Reconciler) refresh(ctx context.Context, fileID types.FileID) error {
	info, err := r.registry.GetFileInfo(ctx, fileID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		r.logger.Info("file no longer tracked by registry, dropping",
			zap.String("file_id", string(fileID)))
		r.cache.Forget(fileID)
		r.persist()
		return nil
	case err != nil:
		return err
	}

	r.applySnapshot(fileID, info.AuthorizedUsers)
	return nil
}

// HandleShareUpdated applies a registry push. Pushes arrive over the
// device's own signaling connection and carry the full snapshot, so they
// are applied directly.
func (r *Reconciler) HandleShareUpdated(update types.ShareUpdate) {
	if _, known := r.cache.Get(update.FileID); !known && !userIn(update.AuthorizedUsers, r.cfg.Self) {
		return
	}
	r.applySnapshot(update.FileID, update.AuthorizedUsers)
}

// HandleAdvisory re-checks a file against the registry. The advisory body
// is never applied; any peer can send anything.
func (r *Reconciler) HandleAdvisory(ctx context.Context, adv advisory.Advisory) {
	if !r.tracks(adv.FileID) {
		r.logger.Debug("advisory for untracked file ignored",
			zap.String("file_id", string(adv.FileID)))
		return
	}

	info, err := r.registry.GetFileInfo(ctx, adv.FileID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		r.logger.Info("advisory names a file the registry does not track, ignoring",
			zap.String("file_id", string(adv.FileID)))
		return
	case err != nil:
		r.logger.Warn("could not verify advisory against registry",
			zap.String("file_id", string(adv.FileID)),
			zap.Error(err))
		return
	}

	if !confirms(adv, info.AuthorizedUsers) {
		r.logger.Warn("advisory not confirmed by registry",
			zap.String("file_id", string(adv.FileID)),
			zap.String("action", string(adv.Action)))
	}
	r.applySnapshot(adv.FileID, info.AuthorizedUsers)
}

func (r *Reconciler) tracks(fileID types.FileID) bool {
	if _, known := r.cache.Get(fileID); known {
		return true
	}
	if r.store != nil {
		if _, err := r.store.GetMeta(fileID); err == nil {
			return true
		}
	}
	return false
}

func (r *Reconciler) applySnapshot(fileID types.FileID, users []types.UserID) {
	if !userIn(users, r.cfg.Self) {
		r.applyRevocation(fileID, users)
		return
	}

	r.cache.Apply(fileID, users, time.Now())
	r.persist()
	r.logger.Debug("authorization snapshot applied",
		zap.String("file_id", string(fileID)),
		zap.Int("authorized", len(users)))
}

func (r *Reconciler) applyRevocation(fileID types.FileID, users []types.UserID) {
	r.cache.MarkRevoked(fileID, users, time.Now())
	r.persist()

	canceled := false
	if r.canceler != nil {
		canceled = r.canceler.Cancel(fileID, true)
	}
	if !canceled && r.store != nil {
		if err := r.store.DeleteFile(fileID); err != nil {
			r.logger.Error("failed to delete chunks after revocation",
				zap.String("file_id", string(fileID)),
				zap.Error(err))
		}
	}

	r.logger.Warn("access revoked, local replica removed",
		zap.String("file_id", string(fileID)),
		zap.Bool("session_canceled", canceled))
}

func (r *Reconciler) persist() {
	if err := r.cache.Save(); err != nil {
		r.logger.Warn("failed to persist auth cache", zap.Error(err))
	}
}

// confirms reports whether the canonical authorized set reflects what the
// advisory claimed happened.
func confirms(adv advisory.Advisory, users []types.UserID) bool {
	for _, affected := range adv.AffectedUserIDs {
		present := userIn(users, affected)
		if adv.Action == types.ShareActionAdd && !present {
			return false
		}
		if adv.Action == types.ShareActionRevoke && present {
			return false
		}
	}
	return true
}

func userIn(users []types.UserID, userID types.UserID) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
