// Package client talks to the quote/prepare backend that builds the
// transactions the engine executes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"txflow/pkg/metrics"
	"txflow/pkg/types"
)

// Backend prices requests and returns unsigned transactions to execute
type Backend interface {
	Quote(ctx context.Context, req types.QuoteRequest) (*types.Quote, error)
	Prepare(ctx context.Context, req types.PrepareRequest) (*types.PreparedBatch, error)
	RequestAction(ctx context.Context, req types.ActionRequest) (*types.ActionResponse, error)
	Status(ctx context.Context, hash string, chainID types.ChainID) (*types.TxStatus, error)
}

// DepositNotifier is implemented by backends that must be told about
// executed deposits before they act on them
type DepositNotifier interface {
	NotifyDeposit(ctx context.Context, quote *types.Quote, results []types.TxResult) error
}

// Timeouts bounds each backend call
type Timeouts struct {
	Quote   time.Duration
	Prepare time.Duration
	Status  time.Duration
}

// DefaultTimeouts returns the production call bounds
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Quote:   15 * time.Second,
		Prepare: 30 * time.Second,
		Status:  8 * time.Second,
	}
}

// HTTPBackend is the JSON/HTTP implementation of Backend
type HTTPBackend struct {
	baseURL  string
	apiKey   string
	timeouts Timeouts
	client   *retryablehttp.Client
}

// HTTPOption configures an HTTPBackend
type HTTPOption func(*HTTPBackend)

// WithAPIKey sends key as a bearer token
func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) {
		b.apiKey = key
	}
}

// WithTimeouts overrides the call bounds; zero values keep the defaults
func WithTimeouts(t Timeouts) HTTPOption {
	return func(b *HTTPBackend) {
		b.timeouts = mergeTimeouts(b.timeouts, t)
	}
}

func mergeTimeouts(base, override Timeouts) Timeouts {
	if override.Quote > 0 {
		base.Quote = override.Quote
	}
	if override.Prepare > 0 {
		base.Prepare = override.Prepare
	}
	if override.Status > 0 {
		base.Status = override.Status
	}
	return base
}

// WithRetries sets the transport-level retry count
func WithRetries(n int) HTTPOption {
	return func(b *HTTPBackend) {
		if n >= 0 {
			b.client.RetryMax = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client.HTTPClient = c
	}
}

// NewHTTPBackend creates a backend client for baseURL
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeouts: DefaultTimeouts(),
		client:   newRetryClient(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	// hand the last response back so its error body can be decoded
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// Quote prices req
func (b *HTTPBackend) Quote(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
	var quote types.Quote
	if err := b.do(ctx, "quote", http.MethodPost, "/quote", req, &quote, b.timeouts.Quote); err != nil {
		return nil, err
	}
	quote.Request = req
	if quote.SourceChain == 0 {
		quote.SourceChain = req.SourceChain
	}
	if quote.DestChain == 0 {
		quote.DestChain = req.DestChain
	}
	return &quote, nil
}

// Prepare returns the unsigned transactions for a quote
func (b *HTTPBackend) Prepare(ctx context.Context, req types.PrepareRequest) (*types.PreparedBatch, error) {
	var batch types.PreparedBatch
	if err := b.do(ctx, "prepare", http.MethodPost, "/prepare", req, &batch, b.timeouts.Prepare); err != nil {
		return nil, err
	}
	return &batch, nil
}

// RequestAction asks for the transactions of a named action
func (b *HTTPBackend) RequestAction(ctx context.Context, req types.ActionRequest) (*types.ActionResponse, error) {
	if strings.TrimSpace(req.Action) == "" {
		return nil, fmt.Errorf("action name is required")
	}

	var resp types.ActionResponse
	path := "/actions/" + url.PathEscape(req.Action)
	if err := b.do(ctx, "action", http.MethodPost, path, req, &resp, b.timeouts.Prepare); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reports the backend's view of a submitted transaction
func (b *HTTPBackend) Status(ctx context.Context, hash string, chainID types.ChainID) (*types.TxStatus, error) {
	q := url.Values{}
	q.Set("hash", hash)
	q.Set("chainId", strconv.FormatInt(int64(chainID), 10))

	var status types.TxStatus
	if err := b.do(ctx, "status", http.MethodGet, "/status?"+q.Encode(), nil, &status, b.timeouts.Status); err != nil {
		return nil, err
	}
	if status.Hash == "" {
		status.Hash = hash
	}
	if status.ChainID == 0 {
		status.ChainID = chainID
	}
	return &status, nil
}

func (b *HTTPBackend) do(ctx context.Context, endpoint, method, path string, in, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
	}

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		metrics.ObserveBackend(endpoint, "error", time.Since(start))
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.ObserveBackend(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	log.Debug().
		Str("component", "backend").
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// decodeAPIError extracts the structured error from a non-2xx body. Bodies
// that are not structured still produce an APIError carrying the status.
func decodeAPIError(resp *http.Response, raw []byte) error {
	apiErr := &types.APIError{Status: resp.StatusCode}

	var envelope struct {
		types.APIError
		Message string           `json:"message"`
		Nested  *types.APIError  `json:"error"`
		Errors  *json.RawMessage `json:"errors"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &envelope) == nil {
		switch {
		case envelope.Nested != nil:
			*apiErr = *envelope.Nested
		default:
			*apiErr = envelope.APIError
		}
		apiErr.Status = resp.StatusCode
		if apiErr.Description == "" && envelope.Message != "" {
			apiErr.Description = envelope.Message
		}
		if apiErr.Description == "" && envelope.Errors != nil {
			apiErr.Description = string(*envelope.Errors)
		}
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		apiErr.Description = text
	}

	if apiErr.RetryAfterSeconds == nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfterSeconds = &secs
		}
	}
	return apiErr
}
