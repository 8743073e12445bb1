package client

import (
	"context"
	"errors"
	"net"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the weatherApiErrorsTotal label.
const (
	ErrorCategoryTimeout            ErrorCategory = "timeout"
	ErrorCategoryNetwork            ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey      ErrorCategory = "invalid_api_key"
	ErrorCategoryCityNotFound       ErrorCategory = "city_not_found"
	ErrorCategoryIncompleteResponse ErrorCategory = "incomplete_response"
	ErrorCategoryRateLimited        ErrorCategory = "rate_limited"
	ErrorCategoryCircuitOpen        ErrorCategory = "circuit_open"
	ErrorCategoryUpstream           ErrorCategory = "upstream"
	ErrorCategoryUnknown            ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
// Returns "" for nil.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrIncompleteResponse):
		return ErrorCategoryIncompleteResponse
	case errors.Is(err, ErrCityNotFound):
		return ErrorCategoryCityNotFound
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}

	if errors.Is(err, ErrUnavailable) {
		return ErrorCategoryUpstream
	}
	return ErrorCategoryUnknown
}
