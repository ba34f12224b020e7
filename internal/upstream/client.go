package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDeadline is the hard total cutoff for one upstream call,
	// streaming reads included.
	DefaultDeadline = 10 * time.Minute

	defaultAPIVersion = "2023-06-01"
	messagesPath      = "/v1/messages"
)

// Headers the inbound request may never override.
var reservedHeaders = map[string]bool{
	"Host":           true,
	"Content-Length": true,
	"Connection":     true,
}

// Config configures the upstream client.
type Config struct {
	// BaseURL of the LLM API, e.g. "https://api.anthropic.com".
	BaseURL string

	// APIVersion sent as the anthropic-version header.
	APIVersion string

	// Deadline bounds the total call including streaming. Defaults to
	// DefaultDeadline.
	Deadline time.Duration

	// HTTPClient overrides the transport; nil uses a client without a
	// transport-level timeout (the context deadline governs).
	HTTPClient *http.Client
}

// Client builds and executes messages requests against the upstream.
type Client struct {
	baseURL    string
	apiVersion string
	deadline   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an upstream client.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}
	if config.Deadline <= 0 {
		config.Deadline = DefaultDeadline
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiVersion: config.APIVersion,
		deadline:   config.Deadline,
		httpClient: config.HTTPClient,
		logger:     logger,
	}
}

// Host returns the upstream host, used as the circuit breaker name.
func (c *Client) Host() string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// CreateMessage POSTs a messages request. Headers are merged with
// inbound first and credential headers last, so credentials always win.
// The returned response body is the caller's to drain and close; the
// cancel func must be called once the body is consumed.
//
// Non-2xx responses are decoded into typed errors and the body is
// closed before returning.
func (c *Client) CreateMessage(ctx context.Context, payload []byte, inbound http.Header, credential http.Header) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", c.apiVersion)
	req.Header.Set("Accept", "application/json, text/event-stream")
	mergeHeaders(req.Header, inbound)
	mergeHeaders(req.Header, credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, &TimeoutError{Op: "upstream request"}
		}
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		decoded := c.decodeError(resp)
		cancel()
		return nil, nil, decoded
	}

	return resp, cancel, nil
}

// mergeHeaders copies src into dst, later sources overriding earlier
// ones. Reserved hop-by-hop headers are never copied.
func mergeHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if reservedHeaders[http.CanonicalHeaderKey(key)] || len(values) == 0 {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// errorBody is the upstream's error envelope.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeError turns a non-2xx response into a typed error. A JSON
// {error:{type,message}} body yields an UpstreamError (or RateLimitError
// on 429); anything else wraps the raw body.
func (c *Client) decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	base := UpstreamError{Status: resp.StatusCode}
	var envelope errorBody
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		base.Type = envelope.Error.Type
		base.Message = envelope.Error.Message
	} else {
		base.Message = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		rate := &RateLimitError{UpstreamError: base}
		if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			rate.RetryAfter = after
			rate.HasRetryAfter = true
		}
		return rate
	}
	return &base
}

// parseRetryAfter handles both forms of the header: delta-seconds and
// an HTTP-date.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
