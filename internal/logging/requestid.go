// Package logging provides request ID minting and context propagation.
package logging

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// NewRequestID mints an upstream-shaped request id:
// agent/<epoch-ms>/<uuid>/<digit>. The third segment doubles as the
// trajectory id the camouflage telemetry derives.
func NewRequestID() string {
	return fmt.Sprintf("agent/%d/%s/%d", time.Now().UnixMilli(), uuid.New().String(), rand.Intn(10))
}

// TrajectoryID extracts the trajectory segment from a request id. Returns ""
// for ids that do not follow the agent/<ms>/<uuid>/<n> shape.
func TrajectoryID(requestID string) string {
	parts := strings.Split(requestID, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
