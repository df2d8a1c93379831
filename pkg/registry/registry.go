// Package registry is the canonical authority for file distribution state:
// per-file checksum, chunk availability per seeder, and the authorized-user
// set. Clients merge into it and overwrite their caches from it, never the
// other way around.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"swarmshare/pkg/advisory"
	"swarmshare/pkg/metrics"
	"swarmshare/pkg/throttle"
	"swarmshare/pkg/types"
)

const DefaultMaxAuthorizedUsers = 1000

type Options struct {
	// MaxAuthorizedUsers caps the authorized set per file. Merges beyond the
	// cap truncate in insertion order.
	MaxAuthorizedUsers int

	// StaleSeederAfter hides seeders from snapshots once their last announce
	// is older than this. EvictSeederAfter removes them entirely.
	StaleSeederAfter time.Duration
	EvictSeederAfter time.Duration

	// RecordTTL evicts a whole file record once it has no seeders and no
	// activity for this long. SweepInterval paces the janitor.
	RecordTTL     time.Duration
	SweepInterval time.Duration

	// RateBurst mutating calls per RateWindow, per caller per file.
	RateBurst  int
	RateWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAuthorizedUsers <= 0 {
		o.MaxAuthorizedUsers = DefaultMaxAuthorizedUsers
	}
	if o.StaleSeederAfter <= 0 {
		o.StaleSeederAfter = 2 * time.Minute
	}
	if o.EvictSeederAfter <= 0 {
		o.EvictSeederAfter = 10 * time.Minute
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 30
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	return o
}

// Pusher delivers a trusted snapshot to one connected device. Returns false
// when the device has no live signaling connection.
type Pusher interface {
	Push(device types.DeviceKey, update types.ShareUpdate) bool
}

type Registry struct {
	logger     *zap.Logger
	opts       Options
	limiter    *throttle.Limiter
	metrics    *metrics.RegistryMetrics
	pusher     Pusher
	advisories advisory.Sender

	mu    sync.RWMutex
	files map[types.FileID]*fileRecord

	now func() time.Time

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// fileRecord mutations are serialized by its own mutex so operations on
// distinct files never contend. Lock order is always Registry.mu before
// fileRecord.mu.
type fileRecord struct {
	mu sync.Mutex

	fileID     types.FileID
	checksum   string
	chunkCount int
	fileSize   int64
	mimeType   string
	creator    types.UserID

	// authorizedUsers keeps insertion order so cap truncation is
	// deterministic; members mirrors it for O(1) checks.
	authorizedUsers []types.UserID
	members         map[types.UserID]struct{}

	seeders      map[types.DeviceKey]*seederEntry
	lastActivity time.Time
}

type seederEntry struct {
	userID           types.UserID
	deviceID         types.DeviceID
	connectionHandle string
	chunks           types.ChunkSet
	lastSeen         time.Time
}

// New creates a registry. pusher, advisories and m may be nil: pushes are
// skipped, advisories dropped, and metrics kept on a private registerer.
func New(logger *zap.Logger, opts Options, pusher Pusher, advisories advisory.Sender, m *metrics.RegistryMetrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRegistryMetrics(prometheus.NewRegistry())
	}
	opts = opts.withDefaults()

	return &Registry{
		logger:      logger,
		opts:        opts,
		limiter:     throttle.New(opts.RateBurst, opts.RateWindow),
		metrics:     m,
		pusher:      pusher,
		advisories:  advisories,
		files:       make(map[types.FileID]*fileRecord),
		now:         time.Now,
		stopJanitor: make(chan struct{}),
	}
}

// Start launches the janitor. Safe to skip in tests that drive sweeps
// directly.
func (r *Registry) Start() {
	go r.janitorLoop()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopJanitor)
		r.limiter.Stop()
	})
}

// Announce registers the caller as a seeder for a file, creating the record
// on first announce. The caller's proposed authorized users merge into the
// canonical set by union; the returned snapshot is what the caller must
// adopt as its new cache.
func (r *Registry) Announce(req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	if err := validateAnnounce(req); err != nil {
		r.metrics.AnnounceRejects.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := r.allowMutation(req.UserID, req.FileID); err != nil {
		r.metrics.AnnounceRejects.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	start := r.now()
	record, created := r.getOrCreate(req)

	record.mu.Lock()

	if !created {
		if _, ok := record.members[req.UserID]; !ok {
			record.mu.Unlock()
			r.metrics.AnnounceRejects.WithLabelValues("unauthorized").Inc()
			r.logger.Warn("Rejected announce from non-member",
				zap.String("file_id", string(req.FileID)),
				zap.String("user_id", string(req.UserID)))
			return nil, fmt.Errorf("announce %s by %s: %w", req.FileID, req.UserID, ErrUnauthorized)
		}
		if req.Checksum != record.checksum {
			record.mu.Unlock()
			r.metrics.AnnounceRejects.WithLabelValues("checksum_mismatch").Inc()
			r.logger.Warn("Rejected announce with divergent checksum",
				zap.String("file_id", string(req.FileID)),
				zap.String("user_id", string(req.UserID)))
			return nil, fmt.Errorf("announce %s: %w", req.FileID, ErrChecksumMismatch)
		}
	}

	added, truncated := record.mergeUsers(req.ProposedAuthorizedUsers, r.opts.MaxAuthorizedUsers)
	if truncated {
		r.metrics.UsersTruncated.Inc()
		r.logger.Warn("Authorized set hit cap, proposal truncated",
			zap.String("file_id", string(req.FileID)),
			zap.Int("cap", r.opts.MaxAuthorizedUsers))
	}

	now := r.now()
	key := types.MakeDeviceKey(req.UserID, req.DeviceID)
	if _, ok := record.seeders[key]; !ok {
		r.metrics.SeedersTracked.Inc()
	}
	record.seeders[key] = &seederEntry{
		userID:           req.UserID,
		deviceID:         req.DeviceID,
		connectionHandle: req.ConnectionHandle,
		chunks:           req.AvailableChunks.Clone(),
		lastSeen:         now,
	}
	record.lastActivity = now

	resp := &types.AnnounceResponse{
		AuthorizedUsers: record.snapshotUsers(),
		SeederCount:     len(record.seeders),
		Truncated:       truncated,
	}
	var dist distribution
	if len(added) > 0 {
		dist = record.distributionLocked(types.ShareActionAdd, added)
	}
	record.mu.Unlock()

	r.metrics.AnnouncesTotal.Inc()
	r.metrics.AnnounceLatency.Observe(r.now().Sub(start).Seconds())
	r.logger.Debug("Announce accepted",
		zap.String("file_id", string(req.FileID)),
		zap.String("device", string(key)),
		zap.Int("chunks", req.AvailableChunks.Len()),
		zap.Int("seeders", resp.SeederCount))

	if len(added) > 0 {
		r.distribute(dist)
	}
	return resp, nil
}

// GetFileInfo returns a deep-copied snapshot. Seeders past the staleness
// window are filtered out so schedulers never chase dead peers.
func (r *Registry) GetFileInfo(fileID types.FileID) (*types.FileInfo, error) {
	r.mu.RLock()
	record, ok := r.files[fileID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	info := &types.FileInfo{
		FileID:          record.fileID,
		Checksum:        record.checksum,
		ChunkCount:      record.chunkCount,
		FileSize:        record.fileSize,
		MimeType:        record.mimeType,
		Creator:         record.creator,
		AuthorizedUsers: record.snapshotUsers(),
	}

	cutoff := r.now().Add(-r.opts.StaleSeederAfter)
	for _, s := range record.seeders {
		if s.lastSeen.Before(cutoff) {
			continue
		}
		info.Seeders = append(info.Seeders, types.SeederInfo{
			UserID:           s.userID,
			DeviceID:         s.deviceID,
			ConnectionHandle: s.connectionHandle,
			Chunks:           s.chunks.Clone(),
			LastSeen:         s.lastSeen,
		})
	}
	return info, nil
}

// UpdateShare grows or shrinks a file's authorized set. Any fresh seeder
// (and the creator) may add; revoking others is the creator's alone, while
// self-removal is always allowed.
func (r *Registry) UpdateShare(fileID types.FileID, req *types.ShareRequest) (*types.ShareResponse, error) {
	if err := validateShare(req); err != nil {
		r.metrics.ShareRejects.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := r.allowMutation(req.RequesterID, fileID); err != nil {
		r.metrics.ShareRejects.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	r.mu.RLock()
	record, ok := r.files[fileID]
	r.mu.RUnlock()
	if !ok {
		r.metrics.ShareRejects.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}

	record.mu.Lock()

	var (
		affected  []types.UserID
		truncated bool
		dist      distribution
	)

	switch req.Action {
	case types.ShareActionAdd:
		if err := record.checkAddRights(req.RequesterID, r.now().Add(-r.opts.StaleSeederAfter)); err != nil {
			record.mu.Unlock()
			r.metrics.ShareRejects.WithLabelValues("unauthorized").Inc()
			return nil, err
		}
		affected, truncated = record.mergeUsers(req.TargetUsers, r.opts.MaxAuthorizedUsers)
		if truncated {
			r.metrics.UsersTruncated.Inc()
			r.logger.Warn("Authorized set hit cap, share truncated",
				zap.String("file_id", string(fileID)),
				zap.Int("cap", r.opts.MaxAuthorizedUsers))
		}

	case types.ShareActionRevoke:
		if err := record.checkRevokeRights(req.RequesterID, req.TargetUsers); err != nil {
			record.mu.Unlock()
			r.metrics.ShareRejects.WithLabelValues("unauthorized").Inc()
			return nil, err
		}
		affected = record.revokeUsers(req.TargetUsers, r.metrics)
	}

	record.lastActivity = r.now()
	resp := &types.ShareResponse{
		AuthorizedUsers: record.snapshotUsers(),
		Truncated:       truncated,
	}
	if len(affected) > 0 {
		dist = record.distributionLocked(req.Action, affected)
	}
	record.mu.Unlock()

	if len(affected) > 0 {
		r.metrics.ShareUpdates.WithLabelValues(string(req.Action)).Inc()
		r.logger.Info("Share updated",
			zap.String("file_id", string(fileID)),
			zap.String("action", string(req.Action)),
			zap.String("requester", string(req.RequesterID)),
			zap.Int("affected", len(affected)))
		r.distribute(dist)
	}
	return resp, nil
}

// Stats reports registry-wide counts for status output.
func (r *Registry) Stats() (files int, seeders int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files = len(r.files)
	for _, record := range r.files {
		record.mu.Lock()
		seeders += len(record.seeders)
		record.mu.Unlock()
	}
	return files, seeders
}

func validateAnnounce(req *types.AnnounceRequest) error {
	switch {
	case req.UserID == "" || req.DeviceID == "" || req.FileID == "":
		return fmt.Errorf("%w: user, device and file IDs are required", ErrInvalidRequest)
	case req.Checksum == "":
		return fmt.Errorf("%w: checksum is required", ErrInvalidRequest)
	case req.ChunkCount <= 0:
		return fmt.Errorf("%w: chunk count must be > 0", ErrInvalidRequest)
	}
	for _, index := range req.AvailableChunks.Indices() {
		if index < 0 || index >= req.ChunkCount {
			return fmt.Errorf("%w: chunk index %d out of range", ErrInvalidRequest, index)
		}
	}
	return nil
}

func validateShare(req *types.ShareRequest) error {
	switch {
	case req.RequesterID == "":
		return fmt.Errorf("%w: requester is required", ErrInvalidRequest)
	case req.Action != types.ShareActionAdd && req.Action != types.ShareActionRevoke:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	case len(req.TargetUsers) == 0:
		return fmt.Errorf("%w: target users are required", ErrInvalidRequest)
	}
	return nil
}

func (r *Registry) allowMutation(userID types.UserID, fileID types.FileID) error {
	ok, retryAfter := r.limiter.Allow(string(userID) + ":" + string(fileID))
	if ok {
		return nil
	}
	r.logger.Warn("Mutation rate limited",
		zap.String("user_id", string(userID)),
		zap.String("file_id", string(fileID)),
		zap.Duration("retry_after", retryAfter))
	return &RateLimitedError{RetryAfter: retryAfter}
}

func (r *Registry) getOrCreate(req *types.AnnounceRequest) (*fileRecord, bool) {
	r.mu.RLock()
	record, ok := r.files[req.FileID]
	r.mu.RUnlock()
	if ok {
		return record, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.files[req.FileID]; ok {
		return record, false
	}

	record = &fileRecord{
		fileID:     req.FileID,
		checksum:   req.Checksum,
		chunkCount: req.ChunkCount,
		fileSize:   req.FileSize,
		mimeType:   req.MimeType,
		creator:    req.UserID,
		members:    make(map[types.UserID]struct{}),
		seeders:    make(map[types.DeviceKey]*seederEntry),
	}
	record.addUser(req.UserID)
	r.files[req.FileID] = record
	r.metrics.FilesTracked.Inc()

	r.logger.Info("File record created",
		zap.String("file_id", string(req.FileID)),
		zap.String("creator", string(req.UserID)),
		zap.Int("chunk_count", req.ChunkCount))
	return record, true
}

func (rec *fileRecord) addUser(userID types.UserID) bool {
	if _, ok := rec.members[userID]; ok {
		return false
	}
	rec.members[userID] = struct{}{}
	rec.authorizedUsers = append(rec.authorizedUsers, userID)
	return true
}

// mergeUsers unions proposed into the authorized set, preserving insertion
// order and stopping at the cap. Returns the users actually added and
// whether any were dropped.
func (rec *fileRecord) mergeUsers(proposed []types.UserID, maxUsers int) (added []types.UserID, truncated bool) {
	for _, userID := range proposed {
		if userID == "" {
			continue
		}
		if _, ok := rec.members[userID]; ok {
			continue
		}
		if len(rec.authorizedUsers) >= maxUsers {
			truncated = true
			break
		}
		rec.addUser(userID)
		added = append(added, userID)
	}
	return added, truncated
}

func (rec *fileRecord) checkAddRights(requester types.UserID, freshCutoff time.Time) error {
	if _, ok := rec.members[requester]; !ok {
		return fmt.Errorf("share %s by non-member %s: %w", rec.fileID, requester, ErrUnauthorized)
	}
	if requester == rec.creator {
		return nil
	}
	for _, s := range rec.seeders {
		if s.userID == requester && !s.lastSeen.Before(freshCutoff) {
			return nil
		}
	}
	return fmt.Errorf("share %s: %s is not a current seeder: %w", rec.fileID, requester, ErrUnauthorized)
}

func (rec *fileRecord) checkRevokeRights(requester types.UserID, targets []types.UserID) error {
	for _, target := range targets {
		if target == requester {
			continue // self-removal is always allowed
		}
		if requester != rec.creator {
			return fmt.Errorf("revoke %s on %s by %s: only the creator may revoke others: %w",
				target, rec.fileID, requester, ErrUnauthorized)
		}
		if _, ok := rec.members[requester]; !ok {
			return fmt.Errorf("revoke on %s: creator %s no longer authorized: %w",
				rec.fileID, requester, ErrUnauthorized)
		}
	}
	return nil
}

// revokeUsers removes targets from the authorized set together with their
// seeder entries, keeping the seeder-implies-authorized invariant intact in
// one critical section.
func (rec *fileRecord) revokeUsers(targets []types.UserID, m *metrics.RegistryMetrics) []types.UserID {
	var affected []types.UserID
	for _, target := range targets {
		if _, ok := rec.members[target]; !ok {
			continue
		}
		delete(rec.members, target)
		for i, u := range rec.authorizedUsers {
			if u == target {
				rec.authorizedUsers = append(rec.authorizedUsers[:i], rec.authorizedUsers[i+1:]...)
				break
			}
		}
		for key, s := range rec.seeders {
			if s.userID == target {
				delete(rec.seeders, key)
				m.SeedersTracked.Dec()
			}
		}
		affected = append(affected, target)
	}
	return affected
}

func (rec *fileRecord) snapshotUsers() []types.UserID {
	out := make([]types.UserID, len(rec.authorizedUsers))
	copy(out, rec.authorizedUsers)
	return out
}

// distribution captures, under the record lock, everything the push and
// advisory paths need after the lock is released.
type distribution struct {
	fileID   types.FileID
	action   types.ShareAction
	affected []types.UserID
	update   types.ShareUpdate
	devices  []types.DeviceKey
	holders  []types.UserID
}

func (rec *fileRecord) distributionLocked(action types.ShareAction, affected []types.UserID) distribution {
	d := distribution{
		fileID:   rec.fileID,
		action:   action,
		affected: affected,
		update: types.ShareUpdate{
			FileID:          rec.fileID,
			AuthorizedUsers: rec.snapshotUsers(),
		},
	}
	for key := range rec.seeders {
		d.devices = append(d.devices, key)
	}
	// Holders to notify: the current members plus the affected users, so a
	// just-revoked user still hears about its own removal.
	seen := make(map[types.UserID]struct{}, len(rec.authorizedUsers)+len(affected))
	for _, u := range rec.authorizedUsers {
		seen[u] = struct{}{}
		d.holders = append(d.holders, u)
	}
	for _, u := range affected {
		if _, ok := seen[u]; !ok {
			d.holders = append(d.holders, u)
		}
	}
	return d
}

// distribute pushes the new snapshot to connected devices and hands an
// advisory to the side channel for everyone it could not reach. Runs after
// the record lock is released.
func (r *Registry) distribute(d distribution) {
	pushed := make(map[types.UserID]struct{})
	if r.pusher != nil {
		for _, device := range d.devices {
			if !r.pusher.Push(device, d.update) {
				continue
			}
			r.metrics.SignalPushes.Inc()
			if userID, _, err := device.Split(); err == nil {
				pushed[userID] = struct{}{}
			}
		}
	}

	if r.advisories == nil {
		return
	}
	var offline []types.UserID
	for _, holder := range d.holders {
		if _, ok := pushed[holder]; !ok {
			offline = append(offline, holder)
		}
	}
	if len(offline) == 0 {
		return
	}

	adv := advisory.Advisory{
		FileID:          d.fileID,
		Action:          d.action,
		AffectedUserIDs: d.affected,
		Timestamp:       r.now(),
	}
	if err := r.advisories.SendAdvisory(offline, adv); err != nil {
		r.logger.Warn("Advisory delivery failed",
			zap.String("file_id", string(d.fileID)),
			zap.Int("targets", len(offline)),
			zap.Error(err))
		return
	}
	r.metrics.AdvisoriesSent.Add(float64(len(offline)))
}

func (r *Registry) janitorLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopJanitor:
			return
		}
	}
}

// sweep evicts seeder entries that stopped announcing and file records with
// no seeders and no recent activity.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	seederCutoff := now.Add(-r.opts.EvictSeederAfter)
	recordCutoff := now.Add(-r.opts.RecordTTL)

	var evictedSeeders, evictedRecords int
	for fileID, record := range r.files {
		record.mu.Lock()
		for key, s := range record.seeders {
			if s.lastSeen.Before(seederCutoff) {
				delete(record.seeders, key)
				evictedSeeders++
			}
		}
		expired := len(record.seeders) == 0 && record.lastActivity.Before(recordCutoff)
		record.mu.Unlock()

		if expired {
			delete(r.files, fileID)
			evictedRecords++
		}
	}

	if evictedSeeders > 0 {
		r.metrics.SeedersEvicted.Add(float64(evictedSeeders))
		r.metrics.SeedersTracked.Sub(float64(evictedSeeders))
	}
	if evictedRecords > 0 {
		r.metrics.RecordsEvicted.Add(float64(evictedRecords))
		r.metrics.FilesTracked.Sub(float64(evictedRecords))
	}
	if evictedSeeders > 0 || evictedRecords > 0 {
		r.logger.Info("Janitor sweep",
			zap.Int("seeders_evicted", evictedSeeders),
			zap.Int("records_evicted", evictedRecords))
	}
}
