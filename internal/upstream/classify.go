package upstream

import (
	"context"
	"errors"
	"strings"
)

// Capacity markers observed on 429-class responses. Matching is on message
// text because the upstream is inconsistent about status codes under load.
var capacityMarkers = []string{
	"exhausted your capacity on this model",
	"resource has been exhausted",
	"no capacity available",
	"rate limit exceeded",
	"quota exceeded",
}

// serverCapacityMarkers flag a globally-saturated upstream. Switching
// accounts does not help, so these are never cooldown'd.
var serverCapacityMarkers = []string{
	"model is overloaded",
	"server_capacity_exhausted",
}

// IsCapacityMessage reports whether an error message describes a capacity
// limit.
func IsCapacityMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range capacityMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// IsServerCapacityMessage reports whether the message flags global upstream
// saturation rather than a per-account limit.
func IsServerCapacityMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range serverCapacityMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// IsCapacityError reports whether err is a retry-with-backoff capacity error.
func IsCapacityError(err error) bool {
	ue, ok := AsError(err)
	if !ok {
		return false
	}
	if ue.StatusCode == 429 || ue.Status == "RESOURCE_EXHAUSTED" {
		return true
	}
	return IsCapacityMessage(ue.Message)
}

// IsServerCapacityExhausted reports the non-account-switchable capacity
// subtype.
func IsServerCapacityExhausted(err error) bool {
	ue, ok := AsError(err)
	if !ok {
		return false
	}
	return IsServerCapacityMessage(ue.Message)
}

// IsAuthError reports a 401-class failure worth one forced token refresh.
func IsAuthError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	ue, ok := AsError(err)
	if !ok {
		return false
	}
	return ue.StatusCode == 401 || ue.Status == "UNAUTHENTICATED"
}

// nonRetryableMarkers are message fragments that make retrying pointless
// regardless of status code.
var nonRetryableMarkers = []string{
	"safety",
	"blocked by content filter",
	"exceeds the maximum number of tokens",
	"context length",
	"too long",
	"invalid argument",
	"invalid_argument",
	"model not found",
	"is not found",
}

// IsNonRetryable reports failures no retry strategy should touch: 4xx except
// 429 and 401, plus safety, length and argument errors at any status.
func IsNonRetryable(err error) bool {
	ue, ok := AsError(err)
	if !ok {
		return false
	}
	if ue.StatusCode >= 400 && ue.StatusCode < 500 && ue.StatusCode != 429 && ue.StatusCode != 401 {
		return true
	}
	m := strings.ToLower(ue.Message)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// IsCanceled reports a client-side abort; never retried.
func IsCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	ue, ok := AsError(err)
	return ok && ue.Code == CodeCanceled
}

// IsTimeout reports a deadline expiry on the upstream call.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	ue, ok := AsError(err)
	return ok && ue.Code == CodeTimeout
}
