package mappers

import (
	"strings"

	"github.com/pysugar/antigravity-relay/internal/catalog"
)

// Effort levels map onto thinking budgets.
var effortBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  4096,
	"high":    8192,
	"max":     16384,
}

// claudeMinThinkingBudget is the floor the upstream enforces for Claude.
const claudeMinThinkingBudget = 1024

// ThinkingSpec is the dialect-independent thinking request.
type ThinkingSpec struct {
	Type   string // "", "enabled", "adaptive", "disabled"
	Budget int    // explicit budget tokens; 0 when unset
	Effort string // "", "minimal", "low", "medium", "high", "max"
}

// Enabled decides whether thinking is on for this model and request.
func (t ThinkingSpec) Enabled(upstreamModel string) bool {
	switch strings.ToLower(t.Type) {
	case "enabled", "adaptive":
		return true
	case "disabled":
		return false
	}
	if t.Budget > 0 || t.Effort != "" {
		return true
	}
	return catalog.ThinkingByDefault(upstreamModel)
}

// ResolveBudget returns the thinking budget in tokens, or 0 for model
// default. Explicit budget wins over effort.
func (t ThinkingSpec) ResolveBudget() int {
	if t.Budget > 0 {
		return t.Budget
	}
	if b, ok := effortBudgets[strings.ToLower(t.Effort)]; ok {
		return b
	}
	return 0
}

// ApplyThinking wires the thinking config into a generation config,
// enforcing the Claude-specific constraints: budget at least 1024 and
// maxOutputTokens strictly above the budget.
func ApplyThinking(gc *GenerationConfig, spec ThinkingSpec, upstreamModel string, maxOutputWithTools int) {
	if !spec.Enabled(upstreamModel) {
		return
	}
	tc := &ThinkingConfig{IncludeThoughts: true}
	budget := spec.ResolveBudget()

	if catalog.IsClaudeModel(upstreamModel) {
		if budget < claudeMinThinkingBudget {
			budget = claudeMinThinkingBudget
		}
		if gc.MaxOutputTokens == nil || *gc.MaxOutputTokens <= budget {
			max := budget + maxOutputWithTools
			if maxOutputWithTools <= 0 {
				max = budget * 2
			}
			gc.MaxOutputTokens = &max
		}
	}
	if budget > 0 {
		tc.ThinkingBudget = &budget
	}
	gc.ThinkingConfig = tc
}
