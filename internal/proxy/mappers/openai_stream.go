package mappers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenAIStreamEncoder re-encodes upstream stream chunks as chat.completion
// chunks. Each emitted event carries exactly one delta: content, reasoning,
// or one tool-call fragment with a monotonically assigned index.
type OpenAIStreamEncoder struct {
	conv  *Converter
	id    string
	model string

	created   int64
	sentRole  bool
	thinkOpen bool
	toolIndex int
	finish    string
	usage     *Usage

	thoughts   strings.Builder
	pendingSig string
}

// NewOpenAIStreamEncoder starts an encoder for one response stream. The
// chunk ids embed the minted upstream requestId.
func (c *Converter) NewOpenAIStreamEncoder(clientModel, requestID string) *OpenAIStreamEncoder {
	return &OpenAIStreamEncoder{
		conv:    c,
		id:      openAICompletionID(requestID),
		model:   clientModel,
		created: time.Now().Unix(),
	}
}

func openAICompletionID(requestID string) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return "chatcmpl-" + requestID
}

func (e *OpenAIStreamEncoder) chunk(delta *OpenAIDelta, finish *string) string {
	if !e.sentRole && delta != nil {
		delta.Role = "assistant"
		e.sentRole = true
	}
	out := OpenAIStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	if delta == nil {
		out.Choices[0].Delta = &OpenAIDelta{}
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

// closeThink emits the closing tag when tags-mode thinking is open.
func (e *OpenAIStreamEncoder) closeThink(events *[]string) {
	if e.thinkOpen {
		*events = append(*events, e.chunk(&OpenAIDelta{Content: "</think>"}, nil))
		e.thinkOpen = false
	}
}

// Encode translates one upstream chunk into zero or more SSE data payloads.
func (e *OpenAIStreamEncoder) Encode(chunk StreamChunk) []string {
	var events []string
	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			e.closeThink(&events)
			id := p.FunctionCall.ID
			if id == "" {
				id = newToolCallID()
			}
			sig := p.ThoughtSignature
			if sig == "" {
				sig = e.pendingSig
			}
			e.conv.rememberSignature(id, sig, e.thoughts.String())
			args, _ := json.Marshal(p.FunctionCall.Args)
			idx := e.toolIndex
			e.toolIndex++
			events = append(events, e.chunk(&OpenAIDelta{ToolCalls: []OpenAIToolCall{{
				Index:    &idx,
				ID:       id,
				Type:     "function",
				Function: OpenAIToolFunction{Name: p.FunctionCall.Name, Arguments: string(args)},
			}}}, nil))

		case p.Thought:
			e.thoughts.WriteString(p.Text)
			if p.ThoughtSignature != "" {
				e.pendingSig = p.ThoughtSignature
			}
			if p.Text == "" {
				continue
			}
			switch e.conv.Cfg.OpenAIThinkingOutput {
			case "tags":
				events = append(events, e.tagEvent(p.Text))
			case "both":
				events = append(events, e.chunk(&OpenAIDelta{ReasoningContent: p.Text}, nil))
				events = append(events, e.tagEvent(p.Text))
			default:
				events = append(events, e.chunk(&OpenAIDelta{ReasoningContent: p.Text}, nil))
			}

		case p.InlineData != "":
			e.closeThink(&events)
			events = append(events, e.chunk(&OpenAIDelta{Content: inlineMarkdown(p.InlineMime, p.InlineData)}, nil))

		case p.Text != "":
			e.closeThink(&events)
			events = append(events, e.chunk(&OpenAIDelta{Content: p.Text}, nil))
		}
	}
	if chunk.FinishReason != "" {
		e.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	return events
}

func (e *OpenAIStreamEncoder) tagEvent(text string) string {
	if !e.thinkOpen {
		e.thinkOpen = true
		return e.chunk(&OpenAIDelta{Content: "<think>" + text}, nil)
	}
	return e.chunk(&OpenAIDelta{Content: text}, nil)
}

// Finish emits the terminal finish-reason chunk, the usage chunk and the
// [DONE] sentinel.
func (e *OpenAIStreamEncoder) Finish() []string {
	var events []string
	e.closeThink(&events)
	finish := openAIFinishReason(e.finish, e.toolIndex > 0)

	final := OpenAIStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []OpenAIChoice{{Index: 0, Delta: &OpenAIDelta{}, FinishReason: &finish}},
	}
	if e.usage != nil {
		final.Usage = &OpenAIUsage{
			PromptTokens:     e.usage.PromptTokens,
			CompletionTokens: e.usage.OutputTokens + e.usage.ThoughtsTokens,
			TotalTokens:      e.usage.TotalTokens,
		}
	}
	raw, _ := json.Marshal(final)
	events = append(events, string(raw), "[DONE]")
	return events
}
