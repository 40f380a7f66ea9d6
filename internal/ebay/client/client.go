package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay/domain"
	"github.com/resellrai/resellr/internal/observability/logger"
	"github.com/resellrai/resellr/internal/observability/tracing"
)

const (
	sandboxBaseURL    = "https://api.sandbox.ebay.com"
	productionBaseURL = "https://api.ebay.com"

	maxBackoffInterval = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Request describes one eBay API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-marshaled when set. Form takes precedence and is sent
	// form-encoded (token endpoint).
	Body    any
	Form    url.Values
	Headers http.Header
	// AccessToken sets a Bearer Authorization header.
	AccessToken string
	// BasicAuth sets Basic Authorization from the configured client
	// credentials (token endpoint).
	BasicAuth bool
	// Timeout bounds a single attempt; the configured default applies when
	// zero.
	Timeout time.Duration
}

// Response is the outcome of a call after retries. StatusCode 0 with a
// network_error Err means no HTTP response was ever received.
type Response struct {
	Success    bool
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        *domain.APIError
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Client is a retrying, rate-limit-aware HTTP client for the eBay API.
// Ordinary HTTP failures come back inside Response; Do returns an error only
// for caller defects or a canceled context.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	log        *zap.Logger

	// sleep is swapped out in tests to observe retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the environment-derived base URL (tests).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// New builds a client from eBay configuration.
func New(cfg config.EbayConfig, log *zap.Logger, opts ...Option) *Client {
	base := sandboxBaseURL
	if cfg.Environment == "production" {
		base = productionBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	c := &Client{
		baseURL:    base,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: tracing.WrapHTTPClient(&http.Client{}),
		log:        log.Named("ebay.client"),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with retry, backoff, and error normalization.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = maxBackoffInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	log := logger.FromContext(ctx).Named("ebay.client")

	var last *Response
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, transportErr := c.attempt(ctx, req, payload, contentType)
		if transportErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = &Response{
				StatusCode: 0,
				Err:        domain.ParseAPIError(0, nil, http.Header{}),
			}
			log.Warn("ebay request transport failure",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("attempt", attempt+1),
				zap.String("error_type", fmt.Sprintf("%T", transportErr)),
			)
		} else {
			last = resp
			if resp.Success {
				return resp, nil
			}
			if !c.retryable(resp.StatusCode) {
				return resp, nil
			}
			log.Warn("ebay request retryable failure",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
		}

		if attempt == c.maxRetries {
			break
		}

		delay := bo.NextBackOff()
		if last.Err != nil && last.Err.RetryAfter > 0 {
			delay = last.Err.RetryAfter
			if delay > maxBackoffInterval {
				delay = maxBackoffInterval
			}
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return last, nil
}

func (c *Client) attempt(ctx context.Context, req Request, payload []byte, contentType string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	switch {
	case req.BasicAuth:
		creds := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.secret))
		httpReq.Header.Set("Authorization", "Basic "+creds)
	case req.AccessToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}
	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		resp.Success = true
		return resp, nil
	}
	resp.Err = domain.ParseAPIError(httpResp.StatusCode, respBody, httpResp.Header)
	return resp, nil
}

func (c *Client) retryable(statusCode int) bool {
	_, ok := retryableStatuses[statusCode]
	return ok
}

func encodeBody(req Request) ([]byte, string, error) {
	if len(req.Form) > 0 {
		return []byte(req.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request body: %w", err)
	}
	return payload, "application/json", nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
