package mappers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ClaudeStreamEvent is one named SSE event for the Anthropic dialect.
type ClaudeStreamEvent struct {
	Event string
	Data  string
}

// blockKind tracks the currently open content block.
type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockTool
)

// ClaudeStreamEncoder re-encodes upstream chunks into the Anthropic event
// taxonomy. Blocks never interleave: a part of a different kind closes the
// open block before a new one starts.
type ClaudeStreamEncoder struct {
	conv  *Converter
	id    string
	model string

	started    bool
	open       blockKind
	blockIndex int
	finish     string
	usage      *Usage
	hasTool    bool

	thoughts   strings.Builder
	pendingSig string
}

// NewClaudeStreamEncoder starts an encoder for one message stream.
func (c *Converter) NewClaudeStreamEncoder(clientModel string) *ClaudeStreamEncoder {
	return &ClaudeStreamEncoder{
		conv:  c,
		id:    "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model: clientModel,
	}
}

func event(name string, payload interface{}) ClaudeStreamEvent {
	raw, _ := json.Marshal(payload)
	return ClaudeStreamEvent{Event: name, Data: string(raw)}
}

func (e *ClaudeStreamEncoder) start(events *[]ClaudeStreamEvent) {
	if e.started {
		return
	}
	e.started = true
	*events = append(*events, event("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	}))
}

func (e *ClaudeStreamEncoder) closeBlock(events *[]ClaudeStreamEvent) {
	if e.open == blockNone {
		return
	}
	*events = append(*events, event("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	}))
	e.open = blockNone
	e.blockIndex++
}

func (e *ClaudeStreamEncoder) openBlock(events *[]ClaudeStreamEvent, kind blockKind, block map[string]interface{}) {
	e.closeBlock(events)
	e.open = kind
	*events = append(*events, event("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         e.blockIndex,
		"content_block": block,
	}))
}

func (e *ClaudeStreamEncoder) delta(events *[]ClaudeStreamEvent, delta map[string]interface{}) {
	*events = append(*events, event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": delta,
	}))
}

// Encode translates one upstream chunk into Anthropic stream events.
func (e *ClaudeStreamEncoder) Encode(chunk StreamChunk) []ClaudeStreamEvent {
	var events []ClaudeStreamEvent
	e.start(&events)

	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = newClaudeToolUseID()
			}
			sig := p.ThoughtSignature
			if sig == "" {
				sig = e.pendingSig
			}
			e.conv.rememberSignature(id, sig, e.thoughts.String())
			e.hasTool = true
			e.openBlock(&events, blockTool, map[string]interface{}{
				"type":  "tool_use",
				"id":    id,
				"name":  p.FunctionCall.Name,
				"input": map[string]interface{}{},
			})
			args, _ := json.Marshal(p.FunctionCall.Args)
			e.delta(&events, map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": string(args),
			})
			e.closeBlock(&events)

		case p.Thought:
			e.thoughts.WriteString(p.Text)
			if e.open != blockThinking {
				e.openBlock(&events, blockThinking, map[string]interface{}{
					"type":     "thinking",
					"thinking": "",
				})
			}
			if p.Text != "" {
				e.delta(&events, map[string]interface{}{
					"type":     "thinking_delta",
					"thinking": p.Text,
				})
			}
			if p.ThoughtSignature != "" {
				e.pendingSig = p.ThoughtSignature
				e.delta(&events, map[string]interface{}{
					"type":      "signature_delta",
					"signature": p.ThoughtSignature,
				})
			}

		case p.InlineData != "" || p.Text != "":
			text := p.Text
			if p.InlineData != "" {
				text = inlineMarkdown(p.InlineMime, p.InlineData)
			}
			if e.open != blockText {
				e.openBlock(&events, blockText, map[string]interface{}{
					"type": "text",
					"text": "",
				})
			}
			e.delta(&events, map[string]interface{}{
				"type": "text_delta",
				"text": text,
			})
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

// Finish closes the open block and emits message_delta plus message_stop.
func (e *ClaudeStreamEncoder) Finish() []ClaudeStreamEvent {
	var events []ClaudeStreamEvent
	e.start(&events)
	e.closeBlock(&events)

	usage := map[string]int{"input_tokens": 0, "output_tokens": 0}
	if e.usage != nil {
		usage["input_tokens"] = e.usage.PromptTokens
		usage["output_tokens"] = e.usage.OutputTokens + e.usage.ThoughtsTokens
	}
	events = append(events, event("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   claudeStopReason(e.finish, e.hasTool),
			"stop_sequence": nil,
		},
		"usage": usage,
	}))
	events = append(events, event("message_stop", map[string]interface{}{
		"type": "message_stop",
	}))
	return events
}
