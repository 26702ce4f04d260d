package mappers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/antigravity-relay/internal/util"
)

// OpenAI chat-completions request structures.

type OpenAIChatRequest struct {
	Model               string           `json:"model"`
	Messages            []OpenAIMessage  `json:"messages"`
	Stream              bool             `json:"stream,omitempty"`
	Temperature         *float64         `json:"temperature,omitempty"`
	MaxTokens           *int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int             `json:"max_completion_tokens,omitempty"`
	TopP                *float64         `json:"top_p,omitempty"`
	Stop                StopSequences    `json:"stop,omitempty"`
	Tools               []OpenAITool     `json:"tools,omitempty"`
	ToolChoice          interface{}      `json:"tool_choice,omitempty"`
	ReasoningEffort     string           `json:"reasoning_effort,omitempty"`
	Thinking            *OpenAIThinking  `json:"thinking,omitempty"`
}

// OpenAIThinking is the extension block some clients send.
type OpenAIThinking struct {
	Type         string `json:"type,omitempty"` // enabled | adaptive | disabled
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// StopSequences accepts both a bare string and an array.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type OpenAITool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// OpenAIContentPart is one element of an array-form message content.
type OpenAIContentPart struct {
	Type     string `json:"type"` // text | image_url
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// OpenAIMessage keeps both the plain-text and the multimodal content forms.
type OpenAIMessage struct {
	Role       string              `json:"role"`
	Content    string              `json:"-"`
	Parts      []OpenAIContentPart `json:"-"`
	Name       string              `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// UnmarshalJSON handles both string and array content forms.
func (m *OpenAIMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string           `json:"role"`
		Content    json.RawMessage  `json:"content"`
		Name       string           `json:"name"`
		ToolCalls  []OpenAIToolCall `json:"tool_calls"`
		ToolCallID string           `json:"tool_call_id"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = a.Role
	m.Name = a.Name
	m.ToolCalls = a.ToolCalls
	m.ToolCallID = a.ToolCallID

	if len(a.Content) == 0 || string(a.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(a.Content, &text); err == nil {
		m.Content = text
		return nil
	}
	var parts []OpenAIContentPart
	if err := json.Unmarshal(a.Content, &parts); err == nil {
		m.Parts = parts
		return nil
	}
	m.Content = string(a.Content)
	return nil
}

// MarshalJSON restores the wire shape for responses.
func (m OpenAIMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       string           `json:"role"`
		Content    interface{}      `json:"content"`
		ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
		ToolCallID string           `json:"tool_call_id,omitempty"`
	}
	w := wire{Role: m.Role, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	} else {
		w.Content = m.Content
	}
	return json.Marshal(w)
}

// OpenAIToUpstream converts a chat request into the upstream envelope.
func (c *Converter) OpenAIToUpstream(req *OpenAIChatRequest, upstreamModel, projectID, requestID, sessionID string) (*UpstreamRequest, error) {
	limiter := util.NewToolResultLimiter(c.Cfg.ToolResultMaxChars, c.Cfg.ToolResultTotalMaxChars, c.Cfg.ToolResultTailChars)

	var system []string
	var contents []Content
	toolNames := map[string]string{} // tool_call_id -> function name
	var pendingTool *Content         // open merged user turn for tool results

	flushTool := func() {
		if pendingTool != nil {
			contents = append(contents, *pendingTool)
			pendingTool = nil
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			flushTool()
			system = append(system, messageText(msg))

		case "user":
			flushTool()
			contents = append(contents, Content{Role: "user", Parts: c.userParts(msg)})

		case "assistant":
			flushTool()
			var parts []Part
			if text := messageText(msg); text != "" {
				parts = append(parts, Part{Text: text})
			}
			for i, tc := range msg.ToolCalls {
				id := tc.ID
				if id == "" {
					id = newToolCallID()
				}
				toolNames[id] = tc.Function.Name
				if !toolCallMatchesFamily(id, upstreamModel) {
					parts = append(parts, Part{Text: degradeToolCallToText(tc.Function.Name, parseArgs(tc.Function.Arguments))})
					continue
				}
				call := &FunctionCall{ID: id, Name: tc.Function.Name, Args: parseArgs(tc.Function.Arguments)}
				parts = append(parts, c.replayFunctionCall(upstreamModel, call, i == 0)...)
			}
			if len(parts) > 0 {
				contents = append(contents, Content{Role: "model", Parts: parts})
			}

		case "tool", "function":
			// Consecutive tool results merge into one user turn.
			text, images := toolResultContent(msg)
			text = limiter.Apply(text)
			if pendingTool == nil {
				pendingTool = &Content{Role: "user"}
			}
			name := toolNames[msg.ToolCallID]
			if !toolCallMatchesFamily(msg.ToolCallID, upstreamModel) {
				pendingTool.Parts = append(pendingTool.Parts, Part{Text: degradeToolResultToText(name, text)})
			} else {
				pendingTool.Parts = append(pendingTool.Parts, Part{FunctionResponse: &FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     name,
					Response: map[string]interface{}{"output": text},
				}})
			}
			// Images never ride inside the tool-output string; they become
			// inline parts on the same turn.
			for _, img := range images {
				pendingTool.Parts = append(pendingTool.Parts, Part{InlineData: img})
			}
		}
	}
	flushTool()

	if len(contents) == 0 {
		return nil, fmt.Errorf("no convertible messages in request")
	}

	gc := &GenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		gc.MaxOutputTokens = req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		gc.MaxOutputTokens = req.MaxCompletionTokens
	}

	spec := ThinkingSpec{Effort: req.ReasoningEffort}
	if req.Thinking != nil {
		spec.Type = req.Thinking.Type
		spec.Budget = req.Thinking.BudgetTokens
	}
	ApplyThinking(gc, spec, upstreamModel, c.Cfg.MaxOutputTokensWithTools)

	payload := UpstreamPayload{
		Contents:          contents,
		SystemInstruction: c.systemInstruction(system, nil),
		GenerationConfig:  gc,
		SessionID:         sessionID,
		SafetySettings:    SafetySettingsFor(upstreamModel),
	}
	if tools := openAIToolsToUpstream(req.Tools); len(tools) > 0 {
		payload.Tools = tools
		payload.ToolConfig = toolChoiceConfig(req.ToolChoice)
		if gc.MaxOutputTokens == nil && c.Cfg.MaxOutputTokensWithTools > 0 {
			gc.MaxOutputTokens = &c.Cfg.MaxOutputTokensWithTools
		}
	}

	return &UpstreamRequest{
		Project:   projectID,
		RequestID: requestID,
		Request:   payload,
		Model:     upstreamModel,
	}, nil
}

func messageText(msg OpenAIMessage) string {
	if msg.Content != "" {
		return msg.Content
	}
	var texts []string
	for _, p := range msg.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// userParts builds the user-turn parts, decoding data-URL images.
func (c *Converter) userParts(msg OpenAIMessage) []Part {
	if msg.Content != "" || len(msg.Parts) == 0 {
		return []Part{{Text: msg.Content}}
	}
	var parts []Part
	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				parts = append(parts, Part{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
			} else {
				parts = append(parts, Part{Text: p.ImageURL.URL})
			}
		}
	}
	if len(parts) == 0 {
		parts = []Part{{Text: ""}}
	}
	return parts
}

// toolResultContent splits a tool message into its text and any images.
func toolResultContent(msg OpenAIMessage) (string, []*InlineData) {
	if msg.Content != "" {
		return msg.Content, nil
	}
	var texts []string
	var images []*InlineData
	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case "image_url":
			if p.ImageURL != nil {
				if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
					images = append(images, &InlineData{MimeType: mime, Data: data})
				}
			}
		}
	}
	return strings.Join(texts, "\n"), images
}

func openAIToolsToUpstream(tools []OpenAITool) []Tool {
	var decls []FunctionDeclaration
	hasSearch := false
	for _, t := range tools {
		switch t.Type {
		case "function":
			if t.Function != nil {
				decls = append(decls, FunctionDeclaration{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  scrubSchema(t.Function.Parameters),
				})
			}
		case "web_search", "web_search_preview", "googleSearch", "google_search":
			hasSearch = true
		}
	}
	var out []Tool
	if len(decls) > 0 {
		out = append(out, Tool{FunctionDeclarations: decls})
	}
	if hasSearch {
		out = append(out, Tool{GoogleSearch: &struct{}{}})
	}
	return out
}

// OpenAI response structures.

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int                  `json:"index"`
	Message      *OpenAIChoiceMessage `json:"message,omitempty"`
	Delta        *OpenAIDelta         `json:"delta,omitempty"`
	FinishReason *string              `json:"finish_reason,omitempty"`
}

type OpenAIChoiceMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// UpstreamToOpenAI converts a buffered upstream response into a chat
// completion. The completion id embeds the minted upstream requestId so a
// response can be correlated with its attempt rows.
func (c *Converter) UpstreamToOpenAI(body []byte, clientModel, requestID string) (*OpenAIChatResponse, error) {
	chunk := ParseStreamChunk(body)

	msg := &OpenAIChoiceMessage{Role: "assistant"}
	var thoughts []string
	pendingSig := ""
	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = newToolCallID()
			}
			sig := p.ThoughtSignature
			if sig == "" {
				sig = pendingSig
			}
			c.rememberSignature(id, sig, strings.Join(thoughts, ""))
			args, _ := json.Marshal(p.FunctionCall.Args)
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:       id,
				Type:     "function",
				Function: OpenAIToolFunction{Name: p.FunctionCall.Name, Arguments: string(args)},
			})
		case p.Thought:
			thoughts = append(thoughts, p.Text)
			if p.ThoughtSignature != "" {
				// Claude models attach the signature to the thought part.
				pendingSig = p.ThoughtSignature
			}
		case p.InlineData != "":
			msg.Content += inlineMarkdown(p.InlineMime, p.InlineData)
		default:
			msg.Content += p.Text
		}
	}
	c.applyThinkingOutput(msg, strings.Join(thoughts, ""))

	finish := openAIFinishReason(chunk.FinishReason, len(msg.ToolCalls) > 0)
	resp := &OpenAIChatResponse{
		ID:      openAICompletionID(requestID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   clientModel,
		Choices: []OpenAIChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if chunk.Usage != nil {
		resp.Usage = &OpenAIUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.OutputTokens + chunk.Usage.ThoughtsTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// applyThinkingOutput places accumulated thought text per the configured
// style: a reasoning_content field, <think> tags in content, or both.
func (c *Converter) applyThinkingOutput(msg *OpenAIChoiceMessage, thoughts string) {
	if thoughts == "" {
		return
	}
	switch c.Cfg.OpenAIThinkingOutput {
	case "tags":
		msg.Content = "<think>" + thoughts + "</think>" + msg.Content
	case "both":
		msg.ReasoningContent = thoughts
		msg.Content = "<think>" + thoughts + "</think>" + msg.Content
	default:
		msg.ReasoningContent = thoughts
	}
}

// rememberSignature stores a streamed signature under the tool call id for
// replay on the next turn.
func (c *Converter) rememberSignature(toolCallID, signature, thoughtText string) {
	if c.Sig == nil || toolCallID == "" || signature == "" {
		return
	}
	c.Sig.SaveToolSignature(toolCallID, signature)
	c.Sig.SaveClaudeTooling(toolCallID, signature, thoughtText)
}

func inlineMarkdown(mime, data string) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)", mime, data)
}
