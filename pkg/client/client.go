// Package client talks to the registry: request/response calls over HTTP
// and the push channel over a signaling websocket. Errors come back as the
// registry's own sentinels so callers can branch with errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"swarmshare/pkg/registry"
	"swarmshare/pkg/types"
)

type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpc:        &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
		maxRetries:   5,
		baseDelay:    500 * time.Millisecond,
		maxDelay:     30 * time.Second,
		jitterFactor: 0.2,
	}
}

func (c *Client) fileURL(fileID types.FileID, suffix string) string {
	return c.baseURL + "/v1/files/" + url.PathEscape(string(fileID)) + suffix
}

// Announce registers the caller as a seeder and returns the merged
// authorized snapshot the caller must adopt.
func (c *Client) Announce(ctx context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	var resp types.AnnounceResponse
	if err := c.post(ctx, c.fileURL(req.FileID, "/announce"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetFileInfo(ctx context.Context, fileID types.FileID) (*types.FileInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(fileID, ""), nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, decodeError(httpResp)
	}
	var info types.FileInfo
	if err := json.NewDecoder(httpResp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode file info: %w", err)
	}
	return &info, nil
}

func (c *Client) UpdateShare(ctx context.Context, fileID types.FileID, req *types.ShareRequest) (*types.ShareResponse, error) {
	var resp types.ShareResponse
	if err := c.post(ctx, c.fileURL(fileID, "/share"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnnounceWithRetry retries transient failures with exponential backoff and
// honors rate-limit retry-after hints. Rejections (unauthorized, checksum
// mismatch, invalid) surface immediately.
func (c *Client) AnnounceWithRetry(ctx context.Context, req *types.AnnounceRequest) (*types.AnnounceResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.Announce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err

		delay := c.calculateBackoff(attempt)
		if rl, ok := registry.AsRateLimited(err); ok {
			delay = rl.RetryAfter
		}
		c.logger.Debug("Announce failed, retrying",
			zap.String("file_id", string(req.FileID)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("announce %s: retries exhausted: %w", req.FileID, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return decodeError(httpResp)
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}

// decodeError turns an HTTP error status back into the registry sentinel it
// was mapped from, so errors.Is works identically on both sides.
func decodeError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(msg))

	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", detail, registry.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, registry.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", detail, registry.ErrChecksumMismatch)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", detail, registry.ErrInvalidRequest)
	case http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &registry.RateLimitedError{RetryAfter: retryAfter}
	default:
		return fmt.Errorf("registry returned %s: %s", resp.Status, detail)
	}
}

func isRetryable(err error) bool {
	if _, ok := registry.AsRateLimited(err); ok {
		return true
	}
	switch {
	case errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, registry.ErrChecksumMismatch),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrInvalidRequest):
		return false
	}
	return true
}

// calculateBackoff grows baseDelay * 2^attempt up to maxDelay, with jitter
// so synchronized clients fan out.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}
