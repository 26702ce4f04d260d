package mappers

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/antigravity-relay/internal/util"
)

// Anthropic messages-API request structures.

type ClaudeRequest struct {
	Model         string            `json:"model"`
	Messages      []ClaudeMessage   `json:"messages"`
	System        ClaudeSystem      `json:"system,omitempty"`
	MaxTokens     int               `json:"max_tokens"`
	Stream        bool              `json:"stream,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Tools         []ClaudeTool      `json:"tools,omitempty"`
	ToolChoice    *ClaudeToolChoice `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking   `json:"thinking,omitempty"`
}

type ClaudeThinking struct {
	Type         string `json:"type"` // enabled | adaptive | disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type ClaudeToolChoice struct {
	Type string `json:"type"` // auto | any | tool | none
	Name string `json:"name,omitempty"`
}

// ClaudeSystem accepts both a bare string and an array of text blocks.
type ClaudeSystem []string

func (s *ClaudeSystem) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			out = append(out, b.Text)
		}
	}
	*s = out
	return nil
}

type ClaudeMessage struct {
	Role    string        `json:"role"`
	Content []ClaudeBlock `json:"content"`
}

func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = a.Role
	var text string
	if err := json.Unmarshal(a.Content, &text); err == nil {
		m.Content = []ClaudeBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(a.Content, &m.Content)
}

// ClaudeBlock is the Anthropic content-block union.
type ClaudeBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ClaudeImageSource `json:"source,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type ClaudeImageSource struct {
	Type      string `json:"type"` // base64
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// toolResultText flattens a tool_result body (string or nested blocks) into
// text plus any images.
func (b *ClaudeBlock) toolResultText() (string, []*InlineData) {
	if len(b.Content) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text, nil
	}
	var nested []ClaudeBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return string(b.Content), nil
	}
	var texts []string
	var images []*InlineData
	for _, n := range nested {
		switch n.Type {
		case "text":
			if n.Text != "" {
				texts = append(texts, n.Text)
			}
		case "image":
			if n.Source != nil && n.Source.Type == "base64" {
				images = append(images, &InlineData{MimeType: n.Source.MediaType, Data: n.Source.Data})
			}
		}
	}
	return strings.Join(texts, "\n"), images
}

// ClaudeToUpstream converts a messages request into the upstream envelope.
// When thinking is requested but a historical tool_use has no replayable
// signature, thinking is downgraded to off for this turn.
func (c *Converter) ClaudeToUpstream(req *ClaudeRequest, upstreamModel, projectID, requestID, sessionID string) (*UpstreamRequest, error) {
	limiter := util.NewToolResultLimiter(c.Cfg.ToolResultMaxChars, c.Cfg.ToolResultTotalMaxChars, c.Cfg.ToolResultTailChars)

	spec := ThinkingSpec{}
	if req.Thinking != nil {
		spec.Type = req.Thinking.Type
		spec.Budget = req.Thinking.BudgetTokens
	}
	thinkingOn := spec.Enabled(upstreamModel)

	// Signature availability decides whether thinking can stay on.
	if thinkingOn && !c.claudeHistoryReplayable(req.Messages) {
		log.Printf("⬇️ Thinking downgraded: tool history has no replayable signature (model %s)", upstreamModel)
		thinkingOn = false
		spec.Type = "disabled"
	}

	messages := req.Messages
	var hints []string
	if thinkingOn {
		if hint, trimmed := removeAssistantPrefill(messages); hint != "" {
			hints = append(hints, hint)
			messages = trimmed
		}
	}

	var contents []Content
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			parts := c.claudeUserParts(msg.Content, limiter)
			if len(parts) > 0 {
				contents = append(contents, Content{Role: "user", Parts: parts})
			}
		case "assistant":
			parts := c.claudeAssistantParts(msg.Content, thinkingOn)
			if len(parts) > 0 {
				contents = append(contents, Content{Role: "model", Parts: parts})
			}
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("no convertible messages in request")
	}

	maxTokens := req.MaxTokens
	gc := &GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = &maxTokens
	}
	if thinkingOn {
		ApplyThinking(gc, spec, upstreamModel, c.Cfg.MaxOutputTokensWithTools)
	}

	payload := UpstreamPayload{
		Contents:          contents,
		SystemInstruction: c.systemInstruction(req.System, hints),
		GenerationConfig:  gc,
		SessionID:         sessionID,
		SafetySettings:    SafetySettingsFor(upstreamModel),
	}
	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  scrubSchema(t.InputSchema),
			})
		}
		payload.Tools = []Tool{{FunctionDeclarations: decls}}
		payload.ToolConfig = claudeToolChoiceConfig(req.ToolChoice)
	}

	return &UpstreamRequest{
		Project:   projectID,
		RequestID: requestID,
		Request:   payload,
		Model:     upstreamModel,
	}, nil
}

// claudeHistoryReplayable reports whether every historical tool_use can be
// preceded by a signed thinking block, either sent by the client or cached.
func (c *Converter) claudeHistoryReplayable(messages []ClaudeMessage) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		hasSignedThinking := false
		for _, b := range msg.Content {
			switch b.Type {
			case "thinking", "redacted_thinking":
				if b.Signature != "" {
					hasSignedThinking = true
				}
			case "tool_use":
				if hasSignedThinking {
					continue
				}
				if _, ok := c.Sig.ClaudeTooling(b.ID); !ok {
					return false
				}
			}
		}
	}
	return true
}

// removeAssistantPrefill strips a trailing text-only assistant message and
// returns the system hint that preserves its intent. Thinking models reject
// prefilled assistant turns.
func removeAssistantPrefill(messages []ClaudeMessage) (string, []ClaudeMessage) {
	if len(messages) == 0 {
		return "", messages
	}
	last := messages[len(messages)-1]
	if last.Role != "assistant" {
		return "", messages
	}
	text := ""
	for _, b := range last.Content {
		if b.Type != "text" {
			return "", messages
		}
		text += b.Text
	}
	if text == "" {
		return "", messages
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "{" || strings.Contains(strings.ToLower(trimmed), "json") {
		return "Return only a single JSON object and start your response with '{'.", messages[:len(messages)-1]
	}
	return fmt.Sprintf("Start your response with the following prefix exactly, then continue from there: %q", text), messages[:len(messages)-1]
}

func (c *Converter) claudeUserParts(blocks []ClaudeBlock, limiter *util.ToolResultLimiter) []Part {
	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
			}
		case "tool_result":
			text, images := b.toolResultText()
			text = limiter.Apply(text)
			resp := map[string]interface{}{"output": text}
			if b.IsError {
				resp["isError"] = true
			}
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				ID:       b.ToolUseID,
				Response: resp,
			}})
			for _, img := range images {
				parts = append(parts, Part{InlineData: img})
			}
		}
	}
	return parts
}

func (c *Converter) claudeAssistantParts(blocks []ClaudeBlock, thinkingOn bool) []Part {
	var parts []Part
	lastSig := ""
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		case "thinking", "redacted_thinking":
			if !thinkingOn {
				continue
			}
			lastSig = b.Signature
			if b.Signature != "" {
				parts = append(parts, Part{Thought: true, Text: b.Thinking, ThoughtSignature: b.Signature})
			}
		case "tool_use":
			if thinkingOn && lastSig == "" {
				if entry, ok := c.Sig.ClaudeTooling(b.ID); ok {
					text := entry.ThoughtText
					if text == "" && c.Cfg.ClaudeEmptyThoughtSpace {
						text = " "
					}
					parts = append(parts, Part{Thought: true, Text: text, ThoughtSignature: entry.Signature})
				}
			}
			parts = append(parts, Part{FunctionCall: &FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input}})
		}
	}
	return parts
}

func claudeToolChoiceConfig(choice *ClaudeToolChoice) *ToolConfig {
	if choice == nil {
		return nil
	}
	switch choice.Type {
	case "none":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
	case "auto":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
	case "any":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
	case "tool":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{choice.Name},
		}}
	}
	return nil
}

// Anthropic response structures.

type ClaudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []ClaudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        ClaudeUsage   `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func newClaudeToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UpstreamToClaude converts a buffered upstream response into a message.
func (c *Converter) UpstreamToClaude(body []byte, clientModel string) (*ClaudeResponse, error) {
	chunk := ParseStreamChunk(body)

	var blocks []ClaudeBlock
	var thoughts strings.Builder
	pendingSig := ""
	hasTool := false
	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = newClaudeToolUseID()
			}
			sig := p.ThoughtSignature
			if sig == "" {
				sig = pendingSig
			}
			c.rememberSignature(id, sig, thoughts.String())
			hasTool = true
			blocks = append(blocks, ClaudeBlock{Type: "tool_use", ID: id, Name: p.FunctionCall.Name, Input: p.FunctionCall.Args})
		case p.Thought:
			thoughts.WriteString(p.Text)
			if p.ThoughtSignature != "" {
				pendingSig = p.ThoughtSignature
			}
			blocks = appendThinking(blocks, p.Text, p.ThoughtSignature)
		case p.InlineData != "":
			blocks = appendText(blocks, inlineMarkdown(p.InlineMime, p.InlineData))
		case p.Text != "":
			blocks = appendText(blocks, p.Text)
		}
	}

	resp := &ClaudeResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:       "message",
		Role:       "assistant",
		Model:      clientModel,
		Content:    blocks,
		StopReason: claudeStopReason(chunk.FinishReason, hasTool),
	}
	if chunk.Usage != nil {
		resp.Usage = ClaudeUsage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.OutputTokens + chunk.Usage.ThoughtsTokens,
		}
	}
	return resp, nil
}

func appendText(blocks []ClaudeBlock, text string) []ClaudeBlock {
	if n := len(blocks); n > 0 && blocks[n-1].Type == "text" {
		blocks[n-1].Text += text
		return blocks
	}
	return append(blocks, ClaudeBlock{Type: "text", Text: text})
}

func appendThinking(blocks []ClaudeBlock, text, signature string) []ClaudeBlock {
	if n := len(blocks); n > 0 && blocks[n-1].Type == "thinking" {
		blocks[n-1].Thinking += text
		if signature != "" {
			blocks[n-1].Signature = signature
		}
		return blocks
	}
	return append(blocks, ClaudeBlock{Type: "thinking", Thinking: text, Signature: signature})
}
