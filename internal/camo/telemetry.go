package camo

import (
	"context"
	"time"

	"github.com/pysugar/antigravity-relay/internal/logging"
)

// sendTelemetry posts the conversationOffered event the official client
// emits per interaction. The trajectory id is derived from the real request
// id so server-side correlation lines up.
func (r *accountRunner) sendTelemetry(requestID string) {
	tok := r.token()
	if tok == "" {
		return
	}
	event := map[string]interface{}{
		"conversationOffered": map[string]interface{}{
			"trajectoryId": logging.TrajectoryID(requestID),
		},
		"timestamp": time.Now().Format(time.RFC3339Nano),
	}
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()
	// Fire and forget; a lost event is what a flaky IDE connection looks
	// like anyway.
	r.sup.client.RecordMetrics(ctx, tok, []interface{}{event})
}
