// Package client provides the Falcon container-security API client with
// token handling, rate limiting, retry and error classification. It exposes
// exactly the operations the exporter needs: create an export job, poll its
// status and fetch pages of the finished export file.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/falcon-image-export/pkg/auth"
	"github.com/Sternrassler/falcon-image-export/pkg/pagination"
	"github.com/Sternrassler/falcon-image-export/pkg/ratelimit"
)

// Prometheus metrics for API operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "falcon_export_requests_total",
		Help: "Total Falcon API requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "falcon_export_request_duration_seconds",
		Help:    "Falcon API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "falcon_export_errors_total",
		Help: "Total Falcon API errors by class",
	}, []string{"class"})
)

// API paths and operation names.
const (
	exportsPath     = "/container-security/entities/exports/v1"
	exportFilesPath = "/container-security/entities/exports/files/v1"

	opCreateExport = "create_export"
	opJobStatus    = "job_status"
	opFetchPage    = "fetch_page"
)

// exportResource is the Falcon export resource this tool targets.
const exportResource = "images.images-assessment-vulnerabilities-expanded"

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Falcon API, e.g. https://api.crowdstrike.com.
	BaseURL string

	// Tokens supplies bearer tokens for every request.
	Tokens *auth.Manager

	// UserAgent identifies this tool to the API.
	UserAgent string

	// RequestsPerSecond paces outgoing requests client-side.
	RequestsPerSecond float64

	// Backoff controls retries for transient failures.
	Backoff BackoffPolicy

	// OnBackoff, when non-nil, observes every retry wait.
	OnBackoff func(operation string, attempt int, delay time.Duration)

	// HTTPClient overrides the default transport (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, tokens *auth.Manager) Config {
	return Config{
		BaseURL:           baseURL,
		Tokens:            tokens,
		UserAgent:         "falcon-image-export/1.0",
		RequestsPerSecond: 5,
		Backoff:           DefaultBackoffPolicy(),
	}
}

// Client is the Falcon export API client. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	tokens     *auth.Manager
	limiter    *rate.Limiter
	tracker    *ratelimit.Tracker
	policy     BackoffPolicy
	baseURL    string
	userAgent  string
	onBackoff  func(operation string, attempt int, delay time.Duration)
	logger     zerolog.Logger
}

// New creates a Falcon export client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token manager is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	clientLogger := logger.With().Str("component", "falcon-client").Logger()

	return &Client{
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		tracker:    ratelimit.NewTracker(clientLogger),
		policy:     cfg.Backoff,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		onBackoff:  cfg.OnBackoff,
		logger:     clientLogger,
	}, nil
}

// RateLimitState exposes the most recently observed quota state.
func (c *Client) RateLimitState() ratelimit.State {
	return c.tracker.State()
}

// apiErrorDetail is one entry of the errors array in a Falcon envelope.
type apiErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// apiEnvelope is the standard Falcon response envelope.
type apiEnvelope struct {
	Meta struct {
		Pagination *struct {
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
			Total  int `json:"total"`
		} `json:"pagination"`
	} `json:"meta"`
	Resources json.RawMessage  `json:"resources"`
	Errors    []apiErrorDetail `json:"errors"`
}

// CreateExportJob submits an export job covering one image-digest shard and
// returns the remote job ID. A job-quota rejection is reported as a rate
// limit error so the backoff controller waits it out.
func (c *Client) CreateExportJob(ctx context.Context, shard string) (string, error) {
	body := map[string]string{
		"format":   "json",
		"fql":      fmt.Sprintf("first_seen:>'1970-01-01T00:00:05.000Z'+image_digest:*'%s*'", shard),
		"resource": exportResource,
	}

	var env apiEnvelope
	err := c.call(ctx, opCreateExport, http.MethodPost, exportsPath, nil, body, &env)
	if err != nil {
		return "", err
	}

	var jobIDs []string
	if len(env.Resources) > 0 {
		if err := json.Unmarshal(env.Resources, &jobIDs); err != nil {
			return "", fmt.Errorf("decode export job IDs: %w", err)
		}
	}
	if len(jobIDs) == 0 {
		return "", envelopeError(opCreateExport, env.Errors)
	}
	return jobIDs[0], nil
}

// ExportJobStatus polls the remote status of an export job.
func (c *Client) ExportJobStatus(ctx context.Context, jobID string) (string, error) {
	query := url.Values{"ids": []string{jobID}}

	var env apiEnvelope
	err := c.call(ctx, opJobStatus, http.MethodGet, exportsPath, query, nil, &env)
	if err != nil {
		return "", err
	}

	var jobs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if len(env.Resources) > 0 {
		if err := json.Unmarshal(env.Resources, &jobs); err != nil {
			return "", fmt.Errorf("decode export job status: %w", err)
		}
	}
	if len(jobs) == 0 {
		return "", envelopeError(opJobStatus, env.Errors)
	}
	return jobs[0].Status, nil
}

// FetchExportPage retrieves one offset/limit page of a finished export file.
func (c *Client) FetchExportPage(ctx context.Context, jobID string, offset, limit int) (pagination.Page, error) {
	query := url.Values{
		"id":     []string{jobID},
		"offset": []string{strconv.Itoa(offset)},
		"limit":  []string{strconv.Itoa(limit)},
	}

	var env apiEnvelope
	err := c.call(ctx, opFetchPage, http.MethodGet, exportFilesPath, query, nil, &env)
	if err != nil {
		return pagination.Page{}, err
	}

	page := pagination.Page{Offset: offset, Limit: limit, Total: pagination.TotalUnknown}
	if len(env.Resources) > 0 {
		if err := json.Unmarshal(env.Resources, &page.Records); err != nil {
			return pagination.Page{}, fmt.Errorf("decode export page records: %w", err)
		}
	}
	if env.Meta.Pagination != nil {
		page.Total = env.Meta.Pagination.Total
	}
	return page, nil
}

// envelopeError converts a resource-less envelope into an APIError. The
// export API reports its per-tenant in-progress job quota this way with a
// 200 status, so quota messages classify as rate limit.
func envelopeError(operation string, details []apiErrorDetail) error {
	message := "response contained no resources"
	class := ErrorClassClient
	if len(details) > 0 {
		message = details[0].Message
		if details[0].Code == http.StatusTooManyRequests ||
			strings.Contains(message, "in-progress") {
			class = ErrorClassRateLimit
		}
	}
	return &APIError{
		StatusCode: http.StatusOK,
		ErrorClass: class,
		Operation:  operation,
		Message:    message,
	}
}

// call executes one API operation with pacing, quota gating, token
// handling and retry. The response envelope is decoded into out.
func (c *Client) call(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	op := func() error {
		return c.attempt(ctx, operation, method, path, query, body, out)
	}
	return retryWithBackoff(ctx, c.policy, c.logger.With().Str("operation", operation).Logger(),
		op, c.tracker.RetryAfterHint, func(delay time.Duration, attempt int) {
			if c.onBackoff != nil {
				c.onBackoff(operation, attempt, delay)
			}
		})
}

// attempt performs a single request attempt. A 401 response forces one
// token refresh and one immediate replay; a second rejection counts as a
// normal (non-retryable) failure.
func (c *Client) attempt(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	if err := c.tracker.WaitIfNeeded(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return wrapAuthError(operation, err)
	}

	resp, err := c.execute(ctx, operation, method, path, query, body, tok)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Warn().
			Str("operation", operation).
			Msg("Token rejected - forcing refresh")

		c.tokens.Invalidate(tok)
		tok, err = c.tokens.Token(ctx)
		if err != nil {
			return wrapAuthError(operation, err)
		}

		resp, err = c.execute(ctx, operation, method, path, query, body, tok)
		if err != nil {
			return err
		}
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errClass := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("operation", operation).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Falcon API error response")
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Operation:  operation,
			Message:    resp.Status,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return nil
}

// execute sends one HTTP request and records transport-level metrics.
func (c *Client) execute(ctx context.Context, operation, method, path string, query url.Values, body any, tok auth.Token) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(operation, "network_error").Inc()
		c.logger.Error().Err(err).
			Str("operation", operation).
			Msg("HTTP request failed")
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Operation:  operation,
			Message:    "request failed",
			Err:        err,
		}
	}

	c.tracker.UpdateFromHeaders(resp.Header)
	requestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// wrapAuthError classifies a token manager failure. Credential rejections
// stay visible through the wrapper for errors.As.
func wrapAuthError(operation string, err error) error {
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		errorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
		return &APIError{
			StatusCode: authErr.StatusCode,
			ErrorClass: ErrorClassAuth,
			Operation:  operation,
			Message:    "credential exchange rejected",
			Err:        err,
		}
	}
	return &APIError{
		ErrorClass: ErrorClassNetwork,
		Operation:  operation,
		Message:    "token refresh failed",
		Err:        err,
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
