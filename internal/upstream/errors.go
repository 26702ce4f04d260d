package upstream

import (
	"errors"
	"fmt"
)

// Transport error codes surfaced to the retry orchestrator.
const (
	CodeSpawn    = "ERR_SPAWN"
	CodeNetwork  = "ERR_NETWORK"
	CodeCanceled = "ERR_CANCELED"
	CodeTimeout  = "ECONNABORTED"
)

// Error is the typed upstream failure the retry orchestrator classifies.
// StatusCode is 0 for pure transport failures.
type Error struct {
	StatusCode   int
	Code         string
	Status       string // upstream status token, e.g. RESOURCE_EXHAUSTED
	Message      string
	RetryAfterMs int64
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// AsError unwraps an *Error from err.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
