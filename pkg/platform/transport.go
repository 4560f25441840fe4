package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"
)

const maxResponseBytes = 4 << 20

// ErrorParser extracts a platform error code and message from a response body.
type ErrorParser func(body []byte) (code, message string)

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends requests for one platform under its outbound rate limit
// and turns non-2xx responses into *APIError.
type Transport struct {
	platform  Platform
	client    *http.Client
	limiter   ratelimit.Limiter
	parse     ErrorParser
	userAgent string
}

// NewTransport creates a transport. perSecond <= 0 disables rate limiting.
func NewTransport(p Platform, client *http.Client, perSecond int, parse ErrorParser) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limiter := ratelimit.NewUnlimited()
	if perSecond > 0 {
		limiter = ratelimit.New(perSecond)
	}
	return &Transport{platform: p, client: client, limiter: limiter, parse: parse}
}

// WithUserAgent sets the User-Agent sent on every request.
func (t *Transport) WithUserAgent(ua string) *Transport {
	t.userAgent = ua
	return t
}

// Do sends req. scheme is recorded on the resulting *APIError so the
// classifier can tell a 401 on the signed path from one on the bearer path.
func (t *Transport) Do(req *http.Request, scheme AuthScheme) (*Response, error) {
	if err := t.wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%s request %s %s: %w", t.platform, req.Method, req.URL.Path, err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request %s %s: %w", t.platform, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", t.platform, err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, t.apiError(out, scheme)
	}
	return out, nil
}

// DoJSON sends req and decodes a 2xx JSON body into out when out is non-nil.
func (t *Transport) DoJSON(req *http.Request, scheme AuthScheme, out any) error {
	resp, err := t.Do(req, scheme)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s decode response: %w", t.platform, err)
	}
	return nil
}

// Platform returns the platform the transport serves.
func (t *Transport) Platform() Platform {
	return t.platform
}

func (t *Transport) apiError(resp *Response, scheme AuthScheme) *APIError {
	apiErr := &APIError{
		Platform:   t.platform,
		Status:     resp.Status,
		Scheme:     scheme,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if t.parse != nil {
		apiErr.Code, apiErr.Message = t.parse(resp.Body)
	}
	if apiErr.Message == "" {
		apiErr.Message = snippet(resp.Body)
	}
	return apiErr
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

// wait blocks for a rate-limit slot or until ctx is done. A slot taken after
// ctx ended is left unused.
func (t *Transport) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	taken := make(chan struct{})
	go func() {
		t.limiter.Take()
		close(taken)
	}()
	select {
	case <-taken:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
