// Package reconcile implements the optional online revocation check. It
// answers "has this serial been revoked centrally" and refreshes the local
// validation cache on success; it never verifies signatures, keeping the
// trust root exclusively in the offline signature check.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegislabs/warden/internal/cache"
	"github.com/aegislabs/warden/internal/httpclient"
)

// DefaultTimeout bounds the best-effort network call. Verification
// correctness never depends on this call succeeding.
const DefaultTimeout = 5 * time.Second

// ErrUnreachable indicates the revocation endpoint could not be reached or
// answered unusably. Callers fall back to grace-period logic.
var ErrUnreachable = errors.New("revocation endpoint unreachable")

// CheckRequest is the revocation check request body.
type CheckRequest struct {
	Serial string `json:"serial"`
}

// CheckResponse is the revocation check response body. ServerTime lets
// clients detect clock skew.
type CheckResponse struct {
	Revoked    bool      `json:"revoked"`
	ServerTime time.Time `json:"server_time"`
}

// Config holds reconciler settings.
type Config struct {
	// BaseURL is the authority server base URL.
	BaseURL string
	Timeout time.Duration
	// Proxy configures the outbound proxy for networks where the
	// authority is only reachable through one. Optional.
	Proxy *httpclient.ProxyConfig
	// Cache is refreshed with a new last-online timestamp on every
	// successful reconciliation. Optional.
	Cache  *cache.Store
	Logger zerolog.Logger
}

// Client performs revocation checks against the authority server.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *cache.Store
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a reconciler client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient, err := httpclient.New(cfg.Proxy, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		cache:   cfg.Cache,
		logger:  cfg.Logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}, nil
}

// Check asks the authority whether the serial is revoked. On success it
// refreshes the validation cache; on transport failure the cache is left
// untouched and ErrUnreachable is returned. Cancelling the context simply
// abandons the call.
func (c *Client) Check(ctx context.Context, serial string) (bool, time.Time, error) {
	body, err := json.Marshal(CheckRequest{Serial: serial})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/revocation/check", bytes.NewReader(body))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, time.Time{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var out CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, time.Time{}, fmt.Errorf("%w: bad response: %v", ErrUnreachable, err)
	}

	c.refreshCache(out.Revoked)
	return out.Revoked, out.ServerTime, nil
}

// refreshCache stamps the last confirmed-online time and revocation status,
// re-sealing the cache HMAC.
func (c *Client) refreshCache(revoked bool) {
	if c.cache == nil {
		return
	}
	now := c.now()
	_, err := c.cache.Update(func(rec *cache.Record) {
		rec.LastOnlineAt = now
		rec.Revoked = revoked
		if now.Unix() > rec.LastSeenUnix {
			rec.LastSeenUnix = now.Unix()
		}
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to refresh validation cache after reconciliation")
	}
}
