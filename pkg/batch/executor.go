// Package batch builds, sends, and validates multipart batch requests
// against the API's batch endpoint.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/pkg/multipart"
	"github.com/0xFlo/prism-sub001/pkg/retry"
)

// HardBatchLimit is the protocol's maximum sub-requests per HTTP batch.
const HardBatchLimit = 100

// Prometheus metrics for batch execution.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_batches_total",
		Help: "Total HTTP batch requests by status",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gsc_batch_duration_seconds",
		Help:    "HTTP batch request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	batchPartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsc_batch_parts_total",
		Help: "Total sub-requests sent inside HTTP batches",
	})
)

// TokenProvider supplies bearer tokens per account.
type TokenProvider interface {
	GetToken(ctx context.Context, account string) (string, error)
	RefreshToken(ctx context.Context, account string) error
}

// Config holds the executor configuration.
type Config struct {
	// BaseURL is the batch endpoint root, e.g.
	// "https://www.googleapis.com/batch/webmasters".
	BaseURL string

	// APIVersion is appended to BaseURL as the final path segment.
	APIVersion string

	// Timeout bounds each HTTP batch call.
	Timeout time.Duration

	// MaxBatchSize caps sub-requests per HTTP batch; clamped to
	// HardBatchLimit.
	MaxBatchSize int

	// Retry configures the per-chunk retry loop.
	Retry retry.Config
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiVersion string) Config {
	return Config{
		BaseURL:      baseURL,
		APIVersion:   apiVersion,
		Timeout:      30 * time.Second,
		MaxBatchSize: HardBatchLimit,
		Retry:        retry.DefaultConfig(),
	}
}

// Executor sends multipart batch requests with per-chunk retry.
type Executor struct {
	httpClient *http.Client
	tokens     TokenProvider
	cfg        Config
	logger     zerolog.Logger
}

// NewExecutor creates a batch executor.
func NewExecutor(cfg Config, tokens TokenProvider, logger zerolog.Logger) *Executor {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > HardBatchLimit {
		cfg.MaxBatchSize = HardBatchLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Retry.IsRetryable = IsRetryable

	return &Executor{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		cfg:        cfg,
		logger:     logger,
	}
}

// Execute sends the sub-requests in chunks of at most MaxBatchSize,
// validates id coverage, and returns the decoded parts in chunk order
// along with the number of HTTP batches sent.
func (e *Executor) Execute(ctx context.Context, account string, requests []multipart.RequestPart) ([]multipart.ResponsePart, int, error) {
	if len(requests) == 0 {
		return nil, 0, nil
	}

	var parts []multipart.ResponsePart
	numChunks := 0

	for start := 0; start < len(requests); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]
		numChunks++

		var chunkParts []multipart.ResponsePart
		err := retry.Do(ctx, e.cfg.Retry, func() error {
			var sendErr error
			chunkParts, sendErr = e.sendChunk(ctx, account, chunk)
			return sendErr
		})
		if err != nil {
			return nil, numChunks, fmt.Errorf("batch chunk %d/%d: %w", numChunks, (len(requests)+e.cfg.MaxBatchSize-1)/e.cfg.MaxBatchSize, err)
		}

		parts = append(parts, chunkParts...)
	}

	if err := validateCoverage(requests, parts); err != nil {
		return nil, numChunks, err
	}

	return parts, numChunks, nil
}

// sendChunk performs one HTTP batch round trip.
func (e *Executor) sendChunk(ctx context.Context, account string, chunk []multipart.RequestPart) ([]multipart.ResponsePart, error) {
	token, err := e.tokens.GetToken(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	boundary := multipart.NewBoundary()
	contentType, body := multipart.EncodeRequests(boundary, chunk)

	url := e.cfg.BaseURL + "/" + e.cfg.APIVersion
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	batchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		batchesTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{Class: ErrorClassTransient, Message: "batch transport failure", Err: err}
	}
	defer resp.Body.Close()

	batchesTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Class: ErrorClassTransient, Message: "read batch response", Err: err}
	}

	switch class := classifyStatus(resp.StatusCode); class {
	case ErrorClassAuth:
		// Force a refresh so the caller's re-issue picks up a fresh
		// token; the 401 itself is never retried here.
		if refreshErr := e.tokens.RefreshToken(ctx, account); refreshErr != nil {
			e.logger.Warn().Err(refreshErr).Str("account", account).Msg("Forced token refresh failed after 401")
		}
		return nil, fmt.Errorf("%w (account %s)", ErrUnauthorized, account)

	case ErrorClassTransient:
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := retryAfter(resp.Header); wait > 0 {
				return nil, &retry.RateLimitedError{Wait: wait}
			}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}

	case ErrorClassClient:
		return nil, &APIError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	}

	parts, err := multipart.ParseResponse(resp.Header.Get("Content-Type"), respBody)
	if err != nil {
		// Malformed envelope is a protocol error, not retried.
		return nil, err
	}

	batchPartsTotal.Add(float64(len(chunk)))

	e.logger.Debug().
		Str("account", account).
		Int("requests", len(chunk)).
		Int("responses", len(parts)).
		Dur("duration", time.Since(start)).
		Msg("Batch chunk executed")

	return parts, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// validateCoverage checks that every request id is answered exactly once
// and no unknown ids appear.
func validateCoverage(requests []multipart.RequestPart, parts []multipart.ResponsePart) error {
	expected := make(map[string]bool, len(requests))
	for _, req := range requests {
		expected[req.ID] = false
	}

	for _, part := range parts {
		seen, ok := expected[part.ID]
		if !ok {
			return &ProtocolError{Reason: fmt.Sprintf("unknown response id %q", part.ID)}
		}
		if seen {
			return &ProtocolError{Reason: fmt.Sprintf("duplicate response id %q", part.ID)}
		}
		expected[part.ID] = true
	}

	for id, seen := range expected {
		if !seen {
			return &ProtocolError{Reason: fmt.Sprintf("missing response for id %q", id)}
		}
	}

	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Executor) SetHTTPClient(client *http.Client) {
	e.httpClient = client
}
