package camo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/pysugar/antigravity-relay/internal/logging"
	"github.com/tidwall/sjson"
)

// trajectoryModels maps a requested model onto the placeholder identity the
// official client reports in traces.
var trajectoryModels = map[string]string{
	"flash":  "MODEL_PLANNER_GEMINI_FLASH",
	"pro":    "MODEL_PLANNER_GEMINI_PRO",
	"claude": "MODEL_PLANNER_CLAUDE_SONNET",
	"image":  "MODEL_PLANNER_GEMINI_FLASH",
}

func trajectoryModelFor(upstreamModel string) string {
	m := strings.ToLower(upstreamModel)
	switch {
	case strings.Contains(m, "claude"):
		return trajectoryModels["claude"]
	case strings.Contains(m, "image"):
		return trajectoryModels["image"]
	case strings.Contains(m, "flash"):
		return trajectoryModels["flash"]
	default:
		return trajectoryModels["pro"]
	}
}

func randomToken() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 22)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// sendTrajectory posts a fabricated interaction trace shaped like the
// official client's planner output. The payload is assembled with sjson so
// the structure stays tolerant of optional branches.
func (r *accountRunner) sendTrajectory(requestID, clientModel, upstreamModel string) {
	tok := r.token()
	if tok == "" {
		return
	}
	nowNs := time.Now().UnixNano()
	trajectoryID := logging.TrajectoryID(requestID)

	body := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}
	set("trajectoryId", trajectoryID)
	set("interactionId", randomToken())
	set("model", trajectoryModelFor(upstreamModel))
	set("requestedModel", clientModel)
	set("startTimeNs", fmt.Sprintf("%d", nowNs-int64(rand.Intn(4_000)+500)*int64(time.Millisecond)))
	set("endTimeNs", fmt.Sprintf("%d", nowNs))
	set("steps.0.type", "STEP_PLANNER_RESPONSE")
	set("steps.0.plannerResponse.response", randomToken())
	set("steps.0.plannerResponse.thinkingSignature", randomToken())
	set("steps.0.tokenCounts.inputTokens", rand.Intn(12_000)+400)
	set("steps.0.tokenCounts.outputTokens", rand.Intn(2_000)+50)
	set("steps.0.tokenCounts.thinkingTokens", rand.Intn(1_500))
	if err != nil {
		log.Printf("⚠️ Trajectory payload build failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()
	r.sup.client.Call(ctx, tok, "recordUserTrajectory", json.RawMessage(body))
}
