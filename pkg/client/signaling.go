package client

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swarmshare/pkg/types"
)

// Signaling maintains the push channel from the registry. Each ShareUpdate
// received is a trusted snapshot. The OnConnect hook fires after every
// successful (re)connect, which is where reconciliation belongs: anything
// missed while offline is recovered by announcing again.
type Signaling struct {
	baseURL string
	device  types.DeviceKey
	logger  *zap.Logger

	OnUpdate  func(update types.ShareUpdate)
	OnConnect func()

	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewSignaling(baseURL string, device types.DeviceKey, logger *zap.Logger) *Signaling {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signaling{
		baseURL:   baseURL,
		device:    device,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  time.Minute,
	}
}

func (s *Signaling) wsURL() string {
	u := strings.TrimRight(s.baseURL, "/")
	u = strings.Replace(u, "http", "ws", 1)
	return u + "/v1/signal?device=" + url.QueryEscape(string(s.device))
}

// Run dials and serves the signaling connection until ctx is canceled,
// reconnecting with capped exponential backoff.
func (s *Signaling) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL(), nil)
		if err != nil {
			delay := s.backoff(attempt)
			attempt++
			s.logger.Warn("Signaling dial failed",
				zap.String("device", string(s.device)),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		s.logger.Info("Signaling connected", zap.String("device", string(s.device)))
		if s.OnConnect != nil {
			s.OnConnect()
		}

		s.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Info("Signaling disconnected, reconnecting",
			zap.String("device", string(s.device)))
	}
}

func (s *Signaling) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock the read when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var update types.ShareUpdate
		if err := conn.ReadJSON(&update); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("Signaling read ended", zap.Error(err))
			}
			return
		}
		if s.OnUpdate != nil {
			s.OnUpdate(update)
		}
	}
}

func (s *Signaling) backoff(attempt int) time.Duration {
	delay := float64(s.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.maxDelay) {
		delay = float64(s.maxDelay)
	}
	return time.Duration(delay)
}
