// internal/remediation/driver/classify.go
package driver

import (
	"strings"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var (
	retryableMarkers = []string{"timeout", "network", "connection", "temporary", "rate limit", "429", "503"}
	criticalMarkers  = []string{"critical", "fatal", "cannot proceed", "impossible"}
)

const (
	fileNotFoundMarker = "File not found"
	fileNotFoundHint   = "Hint: paths must be relative to the repository root (for example 'src/service/handler.go', not '/abs/path' or a path from the stack trace's build machine)."
)

// Classify maps an executor error message onto the retry taxonomy. Retryable
// markers win over critical ones; anything unmatched is non-retryable.
func Classify(message string) models.ErrorType {
	lower := strings.ToLower(message)
	for _, m := range retryableMarkers {
		if strings.Contains(lower, m) {
			return models.ErrorRetryable
		}
	}
	for _, m := range criticalMarkers {
		if strings.Contains(lower, m) {
			return models.ErrorCritical
		}
	}
	return models.ErrorNonRetryable
}

// shouldRetry applies the per-type retry policy to a step that has already
// been retried retryCount times.
func shouldRetry(errType models.ErrorType, retryCount, maxRetries int) bool {
	if retryCount+1 >= maxRetries {
		return false
	}
	switch errType {
	case models.ErrorRetryable:
		return true
	case models.ErrorNonRetryable:
		// One retry absorbs a misclassified transient failure.
		return retryCount == 0
	default:
		return false
	}
}

// isRecurringFileNotFound is the missing-file failure that retries will not fix.
func isRecurringFileNotFound(message string, retryCount int) bool {
	return strings.Contains(message, fileNotFoundMarker) && retryCount >= 2
}

// Replan reasons recorded on plan-updated events.
const (
	ReasonConsecutiveFailures = "multiple_consecutive_failures"
	ReasonCriticalError       = "critical_error"
	ReasonScopeChange         = "scope_change"
)

func replanReason(consecutiveFailures, maxConsecutive int, errType models.ErrorType, scopeChange bool) string {
	switch {
	case consecutiveFailures >= maxConsecutive:
		return ReasonConsecutiveFailures
	case errType == models.ErrorCritical:
		return ReasonCriticalError
	case scopeChange:
		return ReasonScopeChange
	default:
		return ""
	}
}
