package mappers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/antigravity-relay/internal/catalog"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/sigcache"
)

// officialSystemPrompt is the identity line the impersonated client sends
// with every conversation; keeping it makes traffic look native.
const officialSystemPrompt = "You are Antigravity, an agentic AI coding assistant developed by Google, based in Mountain View, California. You are pair programming with a USER inside an IDE."

// Converter holds the request-independent collaborators the dialect
// conversions need.
type Converter struct {
	Cfg *config.Config
	Sig *sigcache.Cache
}

// NewConverter builds a converter.
func NewConverter(cfg *config.Config, sig *sigcache.Cache) *Converter {
	return &Converter{Cfg: cfg, Sig: sig}
}

// systemInstruction assembles the system turn, optionally prefixed with the
// official identity prompt.
func (c *Converter) systemInstruction(userSystem []string, extraHints []string) *Content {
	var parts []Part
	if c.Cfg.OfficialSystemPrompt {
		parts = append(parts, Part{Text: officialSystemPrompt})
	}
	for _, s := range userSystem {
		if s != "" {
			parts = append(parts, Part{Text: s})
		}
	}
	for _, h := range extraHints {
		if h != "" {
			parts = append(parts, Part{Text: h})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &Content{Parts: parts}
}

// splitDataURL breaks an OpenAI data URL into mime type and base64 payload.
func splitDataURL(u string) (mime, data string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	rest := u[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

// toolCallMatchesFamily rejects replayed tool ids from a different dialect
// family; an Anthropic toolu_* id in history bound for a Gemini model would
// fail upstream validation, so the caller degrades it to text.
func toolCallMatchesFamily(toolCallID, upstreamModel string) bool {
	if strings.HasPrefix(toolCallID, "toolu_") {
		return catalog.IsClaudeModel(upstreamModel)
	}
	return true
}

// replayFunctionCall builds the model-turn parts for one historical tool
// call, reattaching the cached thought signature. For Claude targets the
// signed thinking block is emitted before the call; for Gemini targets a
// missing signature falls back to the sentinel.
func (c *Converter) replayFunctionCall(upstreamModel string, call *FunctionCall, first bool) []Part {
	var parts []Part
	if catalog.IsClaudeModel(upstreamModel) {
		if first {
			if entry, ok := c.Sig.ClaudeTooling(call.ID); ok {
				text := entry.ThoughtText
				if text == "" && c.Cfg.ClaudeEmptyThoughtSpace {
					text = " "
				}
				parts = append(parts, Part{Thought: true, Text: text, ThoughtSignature: entry.Signature})
			}
		}
		parts = append(parts, Part{FunctionCall: call})
		return parts
	}
	sig := c.Sig.ToolSignature(call.ID)
	if sig == "" {
		sig = sigcache.GeminiSentinel
	}
	parts = append(parts, Part{FunctionCall: call, ThoughtSignature: sig})
	return parts
}

// degradeToolCallToText renders a mismatched historical tool call as plain
// text so the turn survives without upstream tool validation.
func degradeToolCallToText(name string, args map[string]interface{}) string {
	raw, _ := json.Marshal(args)
	return "[Called tool " + name + " with arguments: " + string(raw) + "]"
}

// degradeToolResultToText renders a mismatched tool result as plain text.
func degradeToolResultToText(name, output string) string {
	if name == "" {
		return "[Tool output]\n" + output
	}
	return "[Output of tool " + name + "]\n" + output
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseArgs decodes a JSON argument string, tolerating empty input.
func parseArgs(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]interface{}{"_raw": raw}
	}
	return out
}

// toolChoiceConfig maps an OpenAI-style tool_choice onto the upstream
// function-calling config.
func toolChoiceConfig(choice interface{}) *ToolConfig {
	if choice == nil {
		return nil
	}
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
		case "auto":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
		case "any", "required":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{name},
				}}
			}
		}
		if name, ok := v["name"].(string); ok && name != "" {
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
				Mode:                 "ANY",
				AllowedFunctionNames: []string{name},
			}}
		}
	}
	return nil
}

// scrubSchema strips JSON-Schema keywords the upstream rejects.
func scrubSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties", "strict", "$schema":
			continue
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			out[k] = scrubSchema(nested)
		case []interface{}:
			cleaned := make([]interface{}, 0, len(nested))
			for _, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					cleaned = append(cleaned, scrubSchema(m))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
