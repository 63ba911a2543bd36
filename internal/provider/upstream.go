package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// maxErrorBody caps how much of a failed upstream response is kept.
	maxErrorBody = 2048
)

// NewHTTPClient returns the pooled client used for every upstream call,
// OAuth included. Each request is bounded by timeout and observed in the
// upstream latency histogram.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &timedTransport{base: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
		}},
	}
}

type timedTransport struct {
	base http.RoundTripper
}

func (t *timedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	metrics.UpstreamLatency.ObserveSince(start)
	return resp, err
}

// UpstreamError is a non-2xx response from an upstream API.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// statusOf returns the upstream status code behind err, or 0 for network errors.
func statusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// classify maps err onto one of the domain failure classes.
func classify(err error) error {
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return domain.ErrTransport
	}
}

// sendError wraps err as the typed failure SendMessage returns.
func sendError(err error) *domain.SendError {
	se := &domain.SendError{Kind: classify(err), StatusCode: statusOf(err)}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		se.Detail = ue.Body
	} else {
		se.Detail = err.Error()
	}
	return se
}

// apiClient issues bearer-authenticated JSON requests against one base URL.
type apiClient struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// do sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). The raw response body is returned either way.
func (c *apiClient) do(ctx context.Context, op, method, path string, body, out any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(c.base, path), reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return raw, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: text}
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("%s: decode: %w", op, err)
		}
	}
	return raw, nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
