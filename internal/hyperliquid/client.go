package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// Source identifies which endpoint answered a query.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Counters are cumulative per-source query statistics.
type Counters struct {
	PrimarySuccess   int64 `json:"primary_success"`
	PrimaryFailures  int64 `json:"primary_failures"`
	FallbackSuccess  int64 `json:"fallback_success"`
	FallbackFailures int64 `json:"fallback_failures"`
	TotalQueries     int64 `json:"total_queries"`
}

// Client queries clearinghouse state with retries and primary-to-fallback
// escalation. Safe for concurrent use; a minimum request gap throttles all
// outbound traffic across goroutines.
type Client struct {
	httpc       *http.Client
	primaryURL  string
	fallbackURL string
	maxRetries  int
	retryDelay  time.Duration
	minGap      time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	next time.Time

	primarySuccess   atomic.Int64
	primaryFailures  atomic.Int64
	fallbackSuccess  atomic.Int64
	fallbackFailures atomic.Int64
	totalQueries     atomic.Int64
}

func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	return &Client{
		httpc:       &http.Client{Timeout: cfg.Timeout.Duration},
		primaryURL:  cfg.PrimaryURL,
		fallbackURL: cfg.FallbackURL,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay.Duration,
		minGap:      cfg.MinRequestGap.Duration,
		logger:      logger,
	}
}

// ClearinghouseState fetches the live account state for one address. The
// primary endpoint is tried first with retries; only after it is exhausted
// does the query escalate to the fallback.
func (c *Client) ClearinghouseState(ctx context.Context, address string) (*ClearinghouseState, Source, error) {
	c.totalQueries.Add(1)

	addr := domain.NormalizeAddress(address)
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	body, err := infoRequest{Type: "clearinghouseState", User: addr}.encode()
	if err != nil {
		return nil, "", fmt.Errorf("hyperliquid: encode request: %w", err)
	}

	if c.primaryURL != "" {
		state, err := c.query(ctx, c.primaryURL, body)
		if err == nil {
			c.primarySuccess.Add(1)
			return state, SourcePrimary, nil
		}
		c.primaryFailures.Add(1)
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		c.logger.Debug("primary endpoint exhausted",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
	}

	if c.fallbackURL != "" {
		state, err := c.query(ctx, c.fallbackURL, body)
		if err == nil {
			c.fallbackSuccess.Add(1)
			return state, SourceFallback, nil
		}
		c.fallbackFailures.Add(1)
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}

	return nil, "", fmt.Errorf("%w: all endpoints exhausted for %s", domain.ErrQueryFailed, addr)
}

// query POSTs the request to one endpoint with up to maxRetries attempts.
// Rate-limit and server-error responses back off linearly with the attempt
// number; other failures wait a flat retry delay.
func (c *Client) query(ctx context.Context, url string, body []byte) (*ClearinghouseState, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		state, retryable, err := c.once(ctx, url, body)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < c.maxRetries-1 {
			delay := c.retryDelay
			if retryable {
				// Rate limits and server errors back off linearly with the
				// attempt number.
				delay = c.retryDelay * time.Duration(attempt+1)
			}
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, url string, body []byte) (*ClearinghouseState, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, retryableStatus(resp.StatusCode), fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}

	var state ClearinghouseState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, false, fmt.Errorf("decode response from %s: %w", url, err)
	}
	return &state, false, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// throttle reserves the next send slot, enforcing the minimum gap between
// requests process-wide.
func (c *Client) throttle(ctx context.Context) error {
	if c.minGap <= 0 {
		return nil
	}
	c.mu.Lock()
	now := time.Now()
	slot := c.next
	if slot.Before(now) {
		slot = now
	}
	c.next = slot.Add(c.minGap)
	c.mu.Unlock()

	return sleep(ctx, time.Until(slot))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns a snapshot of the per-source counters.
func (c *Client) Stats() Counters {
	return Counters{
		PrimarySuccess:   c.primarySuccess.Load(),
		PrimaryFailures:  c.primaryFailures.Load(),
		FallbackSuccess:  c.fallbackSuccess.Load(),
		FallbackFailures: c.fallbackFailures.Load(),
		TotalQueries:     c.totalQueries.Load(),
	}
}
