package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// StatusClassifier maps a non-2xx response to a classified error. Adapters
// supply one when their backend encodes more than the status code says.
type StatusClassifier func(status int, body []byte) *Error

// HTTPCaller is the shared JSON transport for adapters. It paces calls with a
// token bucket and turns every failure into a classified *Error. It does not
// retry: repeated failures are counted by the lock registry, which decides
// when to fail over.
type HTTPCaller struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	classify StatusClassifier
}

func NewHTTPCaller(provider string, cfg BackendConfig, classify StatusClassifier) *HTTPCaller {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	if classify == nil {
		classify = func(status int, body []byte) *Error { return ClassifyStatus(provider, status, body) }
	}
	return &HTTPCaller{
		provider: provider,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		classify: classify,
	}
}

// Do sends a JSON request and decodes the response into out. If out is a
// *[]byte the raw body is stored instead.
func (c *HTTPCaller) Do(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return TransientError(c.provider, fmt.Errorf("rate limiter: %w", err))
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return UnknownError(c.provider, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return ConfigurationError(c.provider, fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return TransientError(c.provider, fmt.Errorf("read response: %w", err))
	}
	log.Debug().
		Str("provider", c.provider).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Provider call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = payload
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return UnknownError(c.provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPCaller) transportError(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return TransientError(c.provider, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientError(c.provider, fmt.Errorf("network: %w", err))
	}
	return TransientError(c.provider, fmt.Errorf("do request: %w", err))
}

// ClassifyStatus is the default status mapping shared by all backends.
func ClassifyStatus(provider string, status int, body []byte) *Error {
	err := fmt.Errorf("api status %d: %s", status, snippet(body))
	switch {
	case status == http.StatusUnauthorized:
		return AuthError(provider, err).WithStatus(status).AsFatal()
	case status == http.StatusForbidden:
		return AuthError(provider, err).WithStatus(status)
	case status == http.StatusPaymentRequired:
		return QuotaError(provider, err).WithStatus(status).AsFatal()
	case status == http.StatusTooManyRequests:
		return QuotaError(provider, err).WithStatus(status)
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusMethodNotAllowed, status == http.StatusUnprocessableEntity:
		return ConfigurationError(provider, err).WithStatus(status)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		return TransientError(provider, err).WithStatus(status)
	default:
		return UnknownError(provider, err).WithStatus(status)
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
