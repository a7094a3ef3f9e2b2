package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (upstreamErrorsTotal).
const (
	ErrorCategoryTimeout           ErrorCategory = "timeout"
	ErrorCategoryNetwork           ErrorCategory = "network"
	ErrorCategoryMissingCredential ErrorCategory = "missing_credential"
	ErrorCategoryUpstream500       ErrorCategory = "upstream_500"
	ErrorCategoryUpstream5xx       ErrorCategory = "upstream_5xx"
	ErrorCategoryUpstream4xx       ErrorCategory = "upstream_4xx"
	ErrorCategoryParsing           ErrorCategory = "parsing"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, ErrMissingCredential) {
		return ErrorCategoryMissingCredential
	}

	var ue *Error
	if errors.As(err, &ue) {
		switch {
		case ue.StatusCode == http.StatusInternalServerError:
			return ErrorCategoryUpstream500
		case ue.StatusCode >= 500:
			return ErrorCategoryUpstream5xx
		case ue.StatusCode >= 400:
			return ErrorCategoryUpstream4xx
		}
		return ErrorCategoryUnknown
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}

	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}

	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}

	return ErrorCategoryUnknown
}
