// Package graphclient is the external API client (C3): token cache +
// refresh, paged GET, transport/status retry with backoff + jitter, and a
// typed status-bearing error, grounded in the source worker's
// app/graph_client.py.
package graphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/telemetry"
)

const maxBackoff = 60 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL        string
	TenantID       string
	ClientID       string
	ClientSecret   string
	Scope          string
	MaxRetries     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// TokenCacheRedis shares the client-credentials token across worker
	// replicas. Nil falls back to a purely in-process cache.
	TokenCacheRedis *redis.Client
}

// Client is the upstream API client.
type Client struct {
	baseURL    string
	maxRetries int
	httpClient *http.Client
	tokens     *tokenCache
	logger     *slog.Logger
}

// New creates a Client from Config. ConnectTimeout bounds the dial phase;
// the overall per-attempt deadline (connect + read) bounds the http.Client.
func New(cfg Config, logger *slog.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		tokens: newTokenCache(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.Scope, cfg.TokenCacheRedis),
		logger: logger,
	}
}

// Page is one page of a paged upstream collection.
type Page struct {
	Items     []map[string]any
	NextLink  string
	DeltaLink string
}

func (c *Client) buildURL(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	if !strings.HasPrefix(pathOrURL, "/") {
		pathOrURL = "/" + pathOrURL
	}
	return c.baseURL + pathOrURL
}

// GetJSON performs a GET and decodes the response body as a JSON object.
func (c *Client) GetJSON(ctx context.Context, pathOrURL string) (map[string]any, error) {
	return c.requestJSON(ctx, http.MethodGet, pathOrURL)
}

// GetPage performs a GET and interprets the JSON object as one page of a
// paged collection: "value" items, plus optional "@odata.nextLink" and
// "@odata.deltaLink" cursors.
func (c *Client) GetPage(ctx context.Context, pathOrURL string) (Page, error) {
	data, err := c.GetJSON(ctx, pathOrURL)
	if err != nil {
		return Page{}, err
	}
	return parsePage(data), nil
}

func parsePage(data map[string]any) Page {
	page := Page{}
	if raw, ok := data["value"].([]any); ok {
		page.Items = make([]map[string]any, 0, len(raw))
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				page.Items = append(page.Items, m)
			}
		}
	}
	if nl, ok := data["@odata.nextLink"].(string); ok {
		page.NextLink = nl
	}
	if dl, ok := data["@odata.deltaLink"].(string); ok {
		page.DeltaLink = dl
	}
	return page
}

// EachPage walks pages starting at pathOrURL following @odata.nextLink until
// exhaustion (or a deltaLink terminates the sequence), invoking fn once per
// page. It returns the final page's DeltaLink, if any, alongside the first
// error returned by fn or encountered fetching a page.
func (c *Client) EachPage(ctx context.Context, pathOrURL string, fn func(Page) error) (deltaLink string, err error) {
	next := pathOrURL
	for next != "" {
		page, err := c.GetPage(ctx, next)
		if err != nil {
			return "", err
		}
		if err := fn(page); err != nil {
			return "", err
		}
		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}
		next = page.NextLink
	}
	return "", nil
}

// requestJSON implements the retry loop: transport errors, one 401 retry
// (after invalidating the cached token), and 408/429/5xx honoring
// Retry-After, all with exponential backoff + small jitter. Non-retryable
// or retry-exhausted failures surface as *GraphError; failures that never
// produced a usable response surface as *TransportError.
func (c *Client) requestJSON(ctx context.Context, method, pathOrURL string) (result map[string]any, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.GraphClientRequestsTotal.WithLabelValues(outcome).Inc()
	}()

	reqURL := c.buildURL(pathOrURL)
	backoff := 2 * time.Second

	var lastErr error
	retried401 := false
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attemptNumber := attempt + 1

		token, err := c.tokens.Get(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building graph request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt >= c.maxRetries {
				applog.Emit(c.logger, "ERROR", applog.ActorGraphClient, "graph request failed",
					"method", method, "url", reqURL, "error", err)
				return nil, &TransportError{Method: method, URL: reqURL, Err: err}
			}
			applog.Emit(c.logger, "WARN", applog.ActorGraphClient, "graph request retrying after transport error",
				"method", method, "url", reqURL, "attempt", attemptNumber, "max_attempts", c.maxRetries+1, "error", err)
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		body, status := resp.Body, resp.StatusCode

		if status == http.StatusUnauthorized && !retried401 && attempt < c.maxRetries {
			retried401 = true
			io.Copy(io.Discard, body) //nolint:errcheck
			body.Close()
			c.tokens.Invalidate()
			applog.Emit(c.logger, "WARN", applog.ActorGraphClient, "graph request retrying after 401",
				"method", method, "url", reqURL, "attempt", attemptNumber, "max_attempts", c.maxRetries+1)
			sleepWithJitter(ctx, 500*time.Millisecond)
			continue
		}

		if isRetryableStatus(status) && attempt < c.maxRetries {
			retryAfter := resp.Header.Get("Retry-After")
			io.Copy(io.Discard, body) //nolint:errcheck
			body.Close()
			applog.Emit(c.logger, "WARN", applog.ActorGraphClient, "graph request retrying after status",
				"method", method, "url", reqURL, "status", status, "attempt", attemptNumber, "max_attempts", c.maxRetries+1)
			if secs, ok := parseRetryAfterSeconds(retryAfter); ok {
				sleepWithJitter(ctx, time.Duration(secs)*time.Second)
			} else {
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff)
			}
			continue
		}

		if status < 200 || status >= 300 {
			data, _ := io.ReadAll(io.LimitReader(body, 1<<20))
			body.Close()
			text := string(data)
			message := text
			if len(message) > 400 {
				message = message[:400]
			}
			if message == "" {
				message = "request_failed"
			}
			applog.Emit(c.logger, "ERROR", applog.ActorGraphClient, "graph request failed",
				"method", method, "url", reqURL, "status", status, "error", message)
			return nil, &GraphError{Status: status, Message: message, URL: reqURL, Body: text}
		}

		defer body.Close()
		if status == http.StatusNoContent {
			return map[string]any{}, nil
		}

		var decoded map[string]any
		if err := json.NewDecoder(body).Decode(&decoded); err != nil {
			applog.Emit(c.logger, "ERROR", applog.ActorGraphClient, "graph response invalid json",
				"method", method, "url", reqURL)
			return nil, fmt.Errorf("graph response was not valid json: %w", err)
		}
		return decoded, nil
	}

	applog.Emit(c.logger, "ERROR", applog.ActorGraphClient, "graph request retries exhausted",
		"method", method, "url", reqURL)
	return nil, &TransportError{Method: method, URL: reqURL, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func parseRetryAfterSeconds(header string) (int, bool) {
	if header == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func nextBackoff(backoff time.Duration) time.Duration {
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) {
	jitter := time.Duration(rand.Float64() * float64(250*time.Millisecond))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}
