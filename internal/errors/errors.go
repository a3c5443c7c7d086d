// Package errors classifies failures for retry decisions and provides the
// retry loop and circuit breaker used around upstream calls.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-integrity/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx
	ErrorTypeTemporary   ErrorType = "temporary"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeBadRequest     ErrorType = "bad_request" // HTTP 4xx except 429
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeCanceled       ErrorType = "canceled"
	ErrorTypePanic          ErrorType = "panic"

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

// HTTPStatusError is returned by HTTP clients for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server-requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("http %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err         error          `json:"error"`
	Type        ErrorType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Retryable   bool           `json:"retryable"`
	Component   string         `json:"component"`
	Operation   string         `json:"operation"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, or the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Classifier handles error classification, retries and circuit breakers
type Classifier struct {
	config   config.ErrorHandlingConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	stats    map[ErrorType]ErrorStats
	breakers map[string]*CircuitBreaker
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClassifier creates a classifier with the given configuration
func NewClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		config:   cfg,
		logger:   logger.With("component", "errors"),
		stats:    make(map[ErrorType]ErrorStats),
		breakers: make(map[string]*CircuitBreaker),
		sleep:    sleepContext,
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (c *Classifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: c.isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		classified.Context = map[string]any{"status_code": statusErr.StatusCode}
	}

	c.updateStats(errorType)
	c.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"source", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType prefers typed signals and falls back to message patterns
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "rate limit", "too many requests", "quota exceeded"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "unauthorized", "forbidden", "authentication", "invalid credentials"):
		return ErrorTypeAuthentication
	case containsAny(errStr, "validation", "invalid", "malformed", "parse"):
		return ErrorTypeValidation
	case containsAny(errStr, "config", "missing required", "not configured"):
		return ErrorTypeConfiguration
	case containsAny(errStr, "server error", "internal server", "service unavailable", "bad gateway"):
		return ErrorTypeServerError
	case containsAny(errStr, "panic", "runtime error"):
		return ErrorTypePanic
	case containsAny(errStr, "temporar", "try again"):
		return ErrorTypeTemporary
	}
	return ErrorTypeUnknown
}

func classifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuthentication
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeBadRequest
	}
	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	)
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), "timeout", "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypePanic:
		return SeverityCritical
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryable determines if an error type should be retried
func (c *Classifier) isRetryable(errorType ErrorType) bool {
	for _, retryableType := range c.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}

	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary, ErrorTypeCircuitOpen:
		return true
	default:
		// Unknown failures are not retried: provider errors worth retrying
		// arrive typed or with a recognizable message.
		return false
	}
}

func (c *Classifier) updateStats(errorType ErrorType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	c.stats[errorType] = stats
}

// Retry executes fn until it succeeds, fails with a non-retryable error, the
// component's attempts are exhausted, or ctx ends. A server-requested
// Retry-After longer than the computed backoff is honored.
func (c *Classifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := c.RetryPolicy(component)
	strategy := NewBackOff(policy)
	maxAttempts := max(policy.MaxAttempts, 1)

	var lastErr *ClassifiedError
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled during retry: %w", err)
		}
		attempts++

		err := fn()
		if err == nil {
			if attempts > 1 {
				c.logger.Debug("operation succeeded after retry",
					"source", component, "operation", operation, "attempts", attempts)
			}
			return nil
		}

		classified := c.Classify(err, component, operation)
		classified.Attempts = attempts
		classified.LastAttempt = time.Now()
		lastErr = classified

		if !classified.Retryable || attempts >= maxAttempts {
			break
		}

		wait := strategy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > wait {
			wait = statusErr.RetryAfter
		}

		c.logger.Warn("operation failed, retrying",
			"source", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error_type", classified.Type,
			"wait", wait,
			"error", err.Error())

		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("context canceled during backoff: %w", err)
		}
	}

	if lastErr.Retryable {
		c.logger.Error("operation failed after all retries",
			"source", component, "operation", operation, "attempts", attempts)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy returns the policy for a component, falling back to the global one.
func (c *Classifier) RetryPolicy(component string) config.RetryPolicyConfig {
	if policy, ok := c.config.ComponentPolicies[component]; ok {
		return policy
	}
	return c.config.GlobalRetryPolicy
}

// Breaker returns the shared circuit breaker for name, or nil when circuit
// breaking is disabled.
func (c *Classifier) Breaker(name string) *CircuitBreaker {
	if !c.config.EnableCircuitBreaker {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, c.config.CircuitBreaker)
		c.breakers[name] = cb
	}
	return cb
}

// GetStats returns a copy of the error statistics
func (c *Classifier) GetStats() map[ErrorType]ErrorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(c.stats))
	for k, v := range c.stats {
		stats[k] = v
	}
	return stats
}

// NewBackOff builds the backoff strategy described by policy.
func NewBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(policy.InitialDelay)
	case "linear":
		strategy = &LinearBackoff{interval: policy.InitialDelay, max: policy.MaxDelay}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = policy.InitialDelay
		exponential.MaxInterval = policy.MaxDelay
		exponential.MaxElapsedTime = 0
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		exponential.Reset()
		strategy = exponential
	}

	if policy.Jitter && policy.BackoffStrategy != "" && policy.BackoffStrategy != "exponential" {
		strategy = &JitteredBackoff{BackOff: strategy}
	}

	retries := max(policy.MaxAttempts-1, 0)
	return backoff.WithMaxRetries(strategy, uint64(retries))
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name         string
	config       config.CircuitBreakerConfig
	now          func() time.Time
	mu           sync.Mutex
	state        CircuitState
	failures     int
	nextRetry    time.Time
	testRequests int
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &CircuitBreaker{name: name, config: cfg, now: time.Now}
}

// Call executes fn through the circuit breaker. Only retryable failures trip
// the breaker; a 404 says nothing about upstream health.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return &ClassifiedError{
			Err:       fmt.Errorf("circuit breaker is open for %s", cb.name),
			Type:      ErrorTypeCircuitOpen,
			Severity:  SeverityMedium,
			Retryable: true,
			Component: "circuit_breaker",
			Operation: cb.name,
			Timestamp: cb.now(),
		}
	}

	err := fn()
	cb.recordResult(err == nil || !tripsBreaker(err))
	return err
}

func tripsBreaker(err error) bool {
	switch classifyErrorType(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeTemporary, ErrorTypeUnknown:
		return true
	}
	return false
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.nextRetry) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.testRequests = 0
		return true
	case CircuitHalfOpen:
		return cb.testRequests < cb.config.HalfOpenRequests
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case CircuitHalfOpen:
			cb.testRequests++
			if cb.testRequests >= cb.config.HalfOpenRequests {
				cb.state = CircuitClosed
				cb.failures = 0
				cb.testRequests = 0
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.testRequests = 0
	cb.nextRetry = cb.now().Add(cb.config.RecoveryTimeout)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LinearBackoff grows the wait by a fixed interval up to max
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds ±10% jitter to another backoff strategy
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(next)
	return next + time.Duration(offset)
}

// IsRetryable reports whether err carries a retryable classification
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Retryable
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
