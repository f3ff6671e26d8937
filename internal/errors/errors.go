// Package errors provides error classification, typed diagnostics and retry logic
// for the TVL/price pipeline. Fetch-side failures are classified into a small
// taxonomy and carried as Diagnostic values next to (possibly empty) data so that
// callers branch on an explicit variant instead of relying on suppressed errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-tvl-correlator/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Pipeline taxonomy
	ErrorTypeSourceUnavailable ErrorType = "source_unavailable" // Connection failure or non-200 status
	ErrorTypeMalformedPayload  ErrorType = "malformed_payload"  // Missing tag, bad JSON, missing key path, wrong arity
	ErrorTypeRecordInvalid     ErrorType = "record_invalid"     // A single record failed to parse
	ErrorTypePipelineGate      ErrorType = "pipeline_gate"      // A required upstream result was empty

	// Transport classes used for retry decisions
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // Rate limiting from external service
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeBadRequest  ErrorType = "bad_request"  // HTTP 4xx errors (except rate limit)
	ErrorTypeValidation  ErrorType = "validation"   // Data validation errors
	ErrorTypeCanceled    ErrorType = "canceled"     // Caller canceled the context

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// New creates a ClassifiedError of an explicit type. Severity and retryability
// follow the defaults for that type.
func New(errorType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: defaultRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// HTTPStatusError reports a response whose status code was not the expected one.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
}

// NewErrorClassifier creates a new error classifier with the given configuration
func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		config: cfg,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: ec.isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type based on the error value and content
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= 500:
			return ErrorTypeServerError
		default:
			return ErrorTypeBadRequest
		}
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "service unavailable") {
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// severityFor assigns a severity level based on error type
func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypePipelineGate:
		return SeverityHigh
	case ErrorTypeMalformedPayload, ErrorTypeValidation, ErrorTypeBadRequest, ErrorTypeSourceUnavailable:
		return SeverityMedium
	case ErrorTypeRecordInvalid, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func defaultRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// isRetryable determines if an error type should be retried
func (ec *ErrorClassifier) isRetryable(errorType ErrorType) bool {
	if errorType == ErrorTypeCanceled {
		return false
	}
	for _, retryableType := range ec.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}
	return defaultRetryable(errorType)
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// Retry executes fn with retry logic based on classified errors. Non-retryable
// errors return immediately; retryable ones are retried with the component's
// backoff policy until MaxAttempts is reached or the context ends.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.getRetryPolicy(component)

	attempts := 0
	var lastErr *ClassifiedError

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts
		lastErr = classified

		ec.logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"error_type", classified.Type,
			"retryable", classified.Retryable,
			"error", err.Error())

		if !classified.Retryable {
			return backoff.Permanent(classified)
		}
		return classified
	}

	if err := backoff.Retry(op, backoff.WithContext(ec.createBackoffStrategy(policy), ctx)); err != nil {
		if lastErr == nil {
			return err
		}
		if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		}
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
	}

	if attempts > 1 {
		ec.logger.Debug("operation succeeded after retry",
			"component", component,
			"operation", operation,
			"attempts", attempts)
	}
	return nil
}

// getRetryPolicy returns the retry policy for a component
func (ec *ErrorClassifier) getRetryPolicy(component string) config.RetryPolicyConfig {
	if policy, exists := ec.config.ComponentPolicies[component]; exists {
		return policy
	}
	return ec.config.GlobalRetryPolicy
}

// createBackoffStrategy creates a backoff strategy based on configuration
func (ec *ErrorClassifier) createBackoffStrategy(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay := config.ParseDuration(policy.InitialDelay, time.Second)
	maxDelay := config.ParseDuration(policy.MaxDelay, 30*time.Second)

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0 // rely on context and attempt count
		strategy = exponential
	}

	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(maxRetries))
}

// GetStats returns error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
