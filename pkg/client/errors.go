package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request errors.
type ErrorClass string

const (
	// ErrorClassAuth represents 401 responses that survived a token refresh.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents non-retryable 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassRateLimit represents 429 rate limit responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError represents a Falcon API error with classification context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Operation  string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("falcon %s error (%s, status %d): %s: %v",
			e.ErrorClass, e.Operation, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("falcon %s error (%s, status %d): %s",
		e.ErrorClass, e.Operation, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus categorizes an HTTP status code.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrorClassAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error class is transient.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	case ErrorClassAuth, ErrorClassClient:
		// Auth errors already consumed their one forced refresh; other 4xx
		// responses will not change on retry.
		return false
	default:
		return false
	}
}

// IsTransient reports whether err would be retried by the backoff controller.
// Callers use this to distinguish a shard that exhausted its retry budget
// from one that hit a permanent client error.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return shouldRetry(apiErr.ErrorClass)
	}
	// Errors without a classification are network-level failures.
	return err != nil && !errors.Is(err, ErrContextCancelled)
}
