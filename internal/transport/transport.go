package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenSource supplies the bearer token for broker calls. An empty string
// means no usable credential is currently available.
type TokenSource interface {
	AuthToken() string
}

// StaticToken is a TokenSource for a fixed token (tests, config-file tokens).
type StaticToken string

func (s StaticToken) AuthToken() string { return string(s) }

// Client is the transport seam the sync engine consumes. Implementations
// must return *APIError for broker-reported failures so callers can classify
// them without string matching.
type Client interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
	Delete(ctx context.Context, path string, out interface{}) error
}

// APIError carries the broker's failure envelope:
// HTTP status plus an optional payload error {code, message}.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("broker error %d: %s", e.Status, e.Message)
}

// Broker error codes that mark an operation as safely retriable.
const (
	CodeRateLimited   = "RATE_LIMITED"
	CodeBrokerTimeout = "BROKER_TIMEOUT"
	CodeBrokerError   = "BROKER_ERROR"
)

// IsAuthError reports whether err is a 401/403 from the broker.
func IsAuthError(err error) bool {
	ae, ok := err.(*APIError)
	return ok && (ae.Status == 401 || ae.Status == 403)
}

// IsRateLimited reports whether err is a 429 or a RATE_LIMITED broker code.
func IsRateLimited(err error) bool {
	ae, ok := err.(*APIError)
	return ok && (ae.Status == 429 || ae.Code == CodeRateLimited)
}

// IsAlreadyGone reports whether err means the target no longer exists on the
// server (treated as success for deletes and pairing confirmations).
func IsAlreadyGone(err error) bool {
	ae, ok := err.(*APIError)
	if !ok {
		return false
	}
	switch ae.Status {
	case 404, 409, 410:
		return true
	}
	switch ae.Code {
	case "INSTANCE_NOT_FOUND", "ALREADY_DELETED", "SESSION_GONE":
		return true
	}
	return false
}

// IsRetryable reports whether the failed operation can be retried with the
// same idempotency key.
func IsRetryable(err error) bool {
	ae, ok := err.(*APIError)
	if !ok {
		// Network-level failures are transient by definition.
		return true
	}
	switch ae.Status {
	case 409, 425, 429:
		return true
	}
	if ae.Status >= 500 {
		return true
	}
	switch ae.Code {
	case CodeRateLimited, CodeBrokerTimeout, CodeBrokerError:
		return true
	}
	return false
}

// RetryAfterOf extracts the rate-limit window from err, zero when absent.
func RetryAfterOf(err error) time.Duration {
	if ae, ok := err.(*APIError); ok {
		return ae.RetryAfter
	}
	return 0
}

// errorEnvelope is the broker's JSON failure body.
type errorEnvelope struct {
	Error struct {
		Code       string      `json:"code"`
		Message    string      `json:"message"`
		RetryAfter interface{} `json:"retry_after"`
	} `json:"error"`
	Message string `json:"message"`
}

// HTTPClient is the gout-backed implementation of Client.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	timeout time.Duration
}

func NewHTTPClient(baseURL string, tokens TokenSource, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, timeout: timeout}
}

func (c *HTTPClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "?") {
		return c.baseURL + path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *HTTPClient) headers() gout.H {
	h := gout.H{"Accept": "application/json"}
	if c.tokens != nil {
		if tok := c.tokens.AuthToken(); tok != "" {
			h["Authorization"] = "Bearer " + tok
		}
	}
	return h
}

type respMeta struct {
	RetryAfter string `header:"Retry-After"`
}

func (c *HTTPClient) Get(ctx context.Context, path string, out interface{}) error {
	var (
		code int
		body string
		meta respMeta
	)
	err := gout.GET(c.url(path)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(c.headers()).
		BindHeader(&meta).
		Code(&code).
		BindBody(&body).
		Do()
	return c.finish("GET", path, code, body, meta, out, err)
}

func (c *HTTPClient) Post(ctx context.Context, path string, reqBody interface{}, out interface{}) error {
	var (
		code int
		body string
		meta respMeta
	)
	df := gout.POST(c.url(path)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(c.headers())
	if reqBody != nil {
		df = df.SetJSON(reqBody)
	}
	err := df.BindHeader(&meta).Code(&code).BindBody(&body).Do()
	return c.finish("POST", path, code, body, meta, out, err)
}

func (c *HTTPClient) Delete(ctx context.Context, path string, out interface{}) error {
	var (
		code int
		body string
		meta respMeta
	)
	err := gout.DELETE(c.url(path)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetHeader(c.headers()).
		BindHeader(&meta).
		Code(&code).
		BindBody(&body).
		Do()
	return c.finish("DELETE", path, code, body, meta, out, err)
}

func (c *HTTPClient) finish(method, path string, code int, body string, meta respMeta, out interface{}, err error) error {
	if err != nil {
		zap.L().Debug("broker request failed", zap.String("method", method),
			zap.String("path", path), zap.Error(err))
		return err
	}
	if code >= 400 {
		return c.apiError(code, body, meta)
	}
	if out != nil && body != "" {
		if err := json.UnmarshalFromString(body, out); err != nil {
			return fmt.Errorf("decode broker response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) apiError(code int, body string, meta respMeta) *APIError {
	ae := &APIError{Status: code, Message: strings.TrimSpace(body)}
	var env errorEnvelope
	if err := json.UnmarshalFromString(body, &env); err == nil {
		if env.Error.Code != "" || env.Error.Message != "" {
			ae.Code = env.Error.Code
			ae.Message = env.Error.Message
		} else if env.Message != "" {
			ae.Message = env.Message
		}
		if env.Error.RetryAfter != nil {
			ae.RetryAfter = parseRetryAfter(fmt.Sprintf("%v", env.Error.RetryAfter))
		}
	}
	if meta.RetryAfter != "" {
		// Header wins over anything found in the payload.
		if d := parseRetryAfter(meta.RetryAfter); d > 0 {
			ae.RetryAfter = d
		}
	}
	return ae
}

// parseRetryAfter accepts seconds, durations and absolute timestamps.
func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if t, err := dateparse.ParseAny(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
