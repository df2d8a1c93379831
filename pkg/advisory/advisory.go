// Package advisory delivers access-change notifications to holders without
// a live signaling connection. Advisories are hints, not state: a receiving
// client must re-query the registry before acting on one, so the channel's
// authenticity matters for privacy but never for correctness.
package advisory

import (
	"sync"
	"time"

	"swarmshare/pkg/types"
)

// Advisory describes an access change to a file. AffectedUserIDs names the
// users added or revoked, never the resulting authorized set.
type Advisory struct {
	FileID          types.FileID      `json:"file_id"`
	Action          types.ShareAction `json:"action"`
	AffectedUserIDs []types.UserID    `json:"affected_user_ids"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Sender is the registry's view of the side channel. Delivery is
// best-effort; errors are logged, never retried.
type Sender interface {
	SendAdvisory(targets []types.UserID, adv Advisory) error
}

// Handler consumes advisories on the client side.
type Handler func(adv Advisory)

// LoopbackBus is an in-process Sender for tests and single-host setups.
// Unknown targets are dropped silently, matching the channel's best-effort
// contract.
type LoopbackBus struct {
	mu       sync.RWMutex
	handlers map[types.UserID][]Handler
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{handlers: make(map[types.UserID][]Handler)}
}

func (b *LoopbackBus) Subscribe(userID types.UserID, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[userID] = append(b.handlers[userID], h)
}

func (b *LoopbackBus) SendAdvisory(targets []types.UserID, adv Advisory) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, target := range targets {
		for _, h := range b.handlers[target] {
			go h(adv)
		}
	}
	return nil
}

// NopSender discards advisories. Used when no side channel is configured.
type NopSender struct{}

func (NopSender) SendAdvisory([]types.UserID, Advisory) error { return nil }
