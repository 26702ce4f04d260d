// Package mappers converts the three client dialects (OpenAI, Anthropic,
// Gemini) to and from the single upstream request shape, including the SSE
// stream re-encoders.
package mappers

import (
	"github.com/tidwall/gjson"
)

// UpstreamRequest is the envelope POSTed to the internal generate endpoints.
type UpstreamRequest struct {
	Project     string          `json:"project"`
	RequestID   string          `json:"requestId"`
	Request     UpstreamPayload `json:"request"`
	Model       string          `json:"model"`
	UserAgent   string          `json:"userAgent,omitempty"`
	RequestType string          `json:"requestType,omitempty"`
}

// UpstreamPayload is the generateContent body proper.
type UpstreamPayload struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Content is one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"` // user | model; empty for systemInstruction
	Parts []Part `json:"parts"`
}

// Part is the upstream part union. Exactly one branch is set; Thought marks
// the text as a thinking block.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *int            `json:"topK,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
}

type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
}

type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO | ANY | NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// StreamPart is one decoded part from a streamed candidate.
type StreamPart struct {
	Text             string
	Thought          bool
	ThoughtSignature string
	InlineMime       string
	InlineData       string
	FunctionCall     *FunctionCall
}

// StreamChunk is one decoded SSE data frame from the upstream.
type StreamChunk struct {
	Parts        []StreamPart
	FinishReason string
	Usage        *Usage
}

// Usage is the upstream token accounting.
type Usage struct {
	PromptTokens   int
	OutputTokens   int
	ThoughtsTokens int
	TotalTokens    int
}

// ParseStreamChunk decodes one upstream SSE data payload. The internal API
// nests the generateContent response under "response"; the public shape does
// not, so both are probed.
func ParseStreamChunk(data []byte) StreamChunk {
	root := gjson.ParseBytes(data)
	if nested := root.Get("response"); nested.Exists() {
		root = nested
	}

	var chunk StreamChunk
	cand := root.Get("candidates.0")
	if cand.Exists() {
		cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			sp := StreamPart{
				Text:             p.Get("text").String(),
				Thought:          p.Get("thought").Bool(),
				ThoughtSignature: p.Get("thoughtSignature").String(),
			}
			if inline := p.Get("inlineData"); inline.Exists() {
				sp.InlineMime = inline.Get("mimeType").String()
				sp.InlineData = inline.Get("data").String()
			}
			if fc := p.Get("functionCall"); fc.Exists() {
				call := &FunctionCall{
					ID:   fc.Get("id").String(),
					Name: fc.Get("name").String(),
				}
				if m, ok := fc.Get("args").Value().(map[string]interface{}); ok {
					call.Args = m
				}
				sp.FunctionCall = call
			}
			chunk.Parts = append(chunk.Parts, sp)
			return true
		})
		chunk.FinishReason = cand.Get("finishReason").String()
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		chunk.Usage = &Usage{
			PromptTokens:   int(um.Get("promptTokenCount").Int()),
			OutputTokens:   int(um.Get("candidatesTokenCount").Int()),
			ThoughtsTokens: int(um.Get("thoughtsTokenCount").Int()),
			TotalTokens:    int(um.Get("totalTokenCount").Int()),
		}
	}
	return chunk
}

// openAIFinishReason maps the upstream finish reason onto the OpenAI value.
// A tool call in the same turn overrides to "tool_calls".
func openAIFinishReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch upstream {
	case "", "STOP", "OTHER", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS", "MAX_OUTPUT_TOKENS":
		return "length"
	case "PAUSE":
		return "pause_turn"
	default:
		// SAFETY, RECITATION, MALFORMED_FUNCTION_CALL, BLOCKLIST, ...
		return "content_filter"
	}
}

// claudeStopReason maps the upstream finish reason onto the Anthropic value.
func claudeStopReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch upstream {
	case "", "STOP", "OTHER", "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	case "MAX_TOKENS", "MAX_OUTPUT_TOKENS":
		return "max_tokens"
	case "PAUSE":
		return "pause_turn"
	default:
		return "refusal"
	}
}
