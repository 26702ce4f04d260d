package mappers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestOpenAIMessageUnmarshalForms(t *testing.T) {
	var m OpenAIMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Content != "hello" {
		t.Errorf("string content = %q", m.Content)
	}

	raw := `{"role":"user","content":[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAA"}}]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Parts) != 2 || m.Parts[1].ImageURL == nil {
		t.Errorf("array content = %+v", m.Parts)
	}

	if err := json.Unmarshal([]byte(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","function":{"name":"f","arguments":"{}"}}]}`), &m); err != nil {
		t.Fatal(err)
	}
	if len(m.ToolCalls) != 1 || m.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool calls = %+v", m.ToolCalls)
	}
}

func TestStopSequencesUnmarshal(t *testing.T) {
	var s StopSequences
	if err := json.Unmarshal([]byte(`"END"`), &s); err != nil || len(s) != 1 || s[0] != "END" {
		t.Errorf("string form = %v (%v)", s, err)
	}
	if err := json.Unmarshal([]byte(`["a","b"]`), &s); err != nil || len(s) != 2 {
		t.Errorf("array form = %v (%v)", s, err)
	}
}

func TestOpenAIToUpstreamBasics(t *testing.T) {
	c := testConverter()
	temp := 0.7
	req := &OpenAIChatRequest{
		Model:       "gemini-2.5-pro",
		Temperature: &temp,
		Messages: []OpenAIMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
	ur, err := c.OpenAIToUpstream(req, "gemini-2.5-pro", "proj-1", "agent/1/x/2", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if ur.Project != "proj-1" || ur.RequestID != "agent/1/x/2" || ur.Model != "gemini-2.5-pro" {
		t.Errorf("envelope = %+v", ur)
	}
	if ur.Request.SessionID != "sess-1" {
		t.Errorf("session id = %q", ur.Request.SessionID)
	}
	if ur.Request.SystemInstruction == nil || len(ur.Request.SystemInstruction.Parts) != 1 ||
		ur.Request.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system = %+v", ur.Request.SystemInstruction)
	}
	if len(ur.Request.Contents) != 1 || ur.Request.Contents[0].Role != "user" {
		t.Errorf("contents = %+v", ur.Request.Contents)
	}
	if ur.Request.GenerationConfig.Temperature == nil || *ur.Request.GenerationConfig.Temperature != 0.7 {
		t.Errorf("temperature lost")
	}
	if len(ur.Request.SafetySettings) == 0 {
		t.Error("safety settings missing")
	}
}

func TestOpenAIOfficialSystemPromptPrefix(t *testing.T) {
	c := testConverter()
	c.Cfg.OfficialSystemPrompt = true
	ur, err := c.OpenAIToUpstream(&OpenAIChatRequest{
		Messages: []OpenAIMessage{{Role: "user", Content: "hi"}},
	}, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	parts := ur.Request.SystemInstruction.Parts
	if len(parts) == 0 || !strings.Contains(parts[0].Text, "You are Antigravity") {
		t.Errorf("official prompt not prefixed: %+v", parts)
	}
}

func TestOpenAIToolResultsMergeIntoOneTurn(t *testing.T) {
	c := testConverter()
	req := &OpenAIChatRequest{
		Messages: []OpenAIMessage{
			{Role: "user", Content: "check both"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{
				{ID: "call_1", Function: OpenAIToolFunction{Name: "f1", Arguments: `{"x":1}`}},
				{ID: "call_2", Function: OpenAIToolFunction{Name: "f2", Arguments: `{}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "out1"},
			{Role: "tool", ToolCallID: "call_2", Content: "out2"},
			{Role: "user", Content: "and now?"},
		},
	}
	ur, err := c.OpenAIToUpstream(req, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	contents := ur.Request.Contents
	if len(contents) != 4 {
		t.Fatalf("got %d turns, want user/model/user/user: %+v", len(contents), contents)
	}
	merged := contents[2]
	if merged.Role != "user" || len(merged.Parts) != 2 {
		t.Fatalf("tool results not merged: %+v", merged)
	}
	fr := merged.Parts[0].FunctionResponse
	if fr == nil || fr.ID != "call_1" || fr.Name != "f1" || fr.Response["output"] != "out1" {
		t.Errorf("first response = %+v", fr)
	}
	if merged.Parts[1].FunctionResponse.Name != "f2" {
		t.Errorf("second response lost its name")
	}
}

func TestOpenAIToolResultImagesBecomeInlineParts(t *testing.T) {
	c := testConverter()
	req := &OpenAIChatRequest{
		Messages: []OpenAIMessage{
			{Role: "user", Content: "screenshot it"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{
				{ID: "call_1", Function: OpenAIToolFunction{Name: "capture", Arguments: `{}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Parts: []OpenAIContentPart{
				{Type: "text", Text: "captured"},
				{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: "data:image/png;base64,AAAA"}},
			}},
		},
	}
	ur, err := c.OpenAIToUpstream(req, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	turn := ur.Request.Contents[2]
	if len(turn.Parts) != 2 {
		t.Fatalf("parts = %+v", turn.Parts)
	}
	fr := turn.Parts[0].FunctionResponse
	if fr == nil || fr.Response["output"] != "captured" {
		t.Errorf("tool output = %+v", fr)
	}
	if out, _ := fr.Response["output"].(string); strings.Contains(out, "AAAA") {
		t.Error("image bytes leaked into the tool output string")
	}
	inline := turn.Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" || inline.Data != "AAAA" {
		t.Errorf("inline image = %+v", inline)
	}
}

func TestOpenAIMismatchedToolFamilyDegradesToText(t *testing.T) {
	c := testConverter()
	req := &OpenAIChatRequest{
		Messages: []OpenAIMessage{
			{Role: "user", Content: "go"},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{
				{ID: "toolu_anthropic", Function: OpenAIToolFunction{Name: "f", Arguments: `{}`}},
			}},
			{Role: "tool", ToolCallID: "toolu_anthropic", Content: "result"},
		},
	}
	ur, err := c.OpenAIToUpstream(req, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	model := ur.Request.Contents[1]
	if model.Parts[0].FunctionCall != nil {
		t.Error("mismatched call not degraded")
	}
	if !strings.Contains(model.Parts[0].Text, "Called tool f") {
		t.Errorf("degraded text = %q", model.Parts[0].Text)
	}
	toolTurn := ur.Request.Contents[2]
	if toolTurn.Parts[0].FunctionResponse != nil {
		t.Error("mismatched result not degraded")
	}
}

func TestOpenAIToolsDefaultMaxOutput(t *testing.T) {
	c := testConverter()
	req := &OpenAIChatRequest{
		Messages: []OpenAIMessage{{Role: "user", Content: "go"}},
		Tools: []OpenAITool{{Type: "function", Function: &FunctionDefinition{
			Name:       "f",
			Parameters: map[string]interface{}{"type": "object"},
		}}},
	}
	ur, err := c.OpenAIToUpstream(req, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Request.Tools) != 1 || len(ur.Request.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", ur.Request.Tools)
	}
	gc := ur.Request.GenerationConfig
	if gc.MaxOutputTokens == nil || *gc.MaxOutputTokens != 32_000 {
		t.Errorf("default maxOutputTokens with tools = %v", gc.MaxOutputTokens)
	}
}

func TestOpenAIWebSearchTool(t *testing.T) {
	c := testConverter()
	ur, err := c.OpenAIToUpstream(&OpenAIChatRequest{
		Messages: []OpenAIMessage{{Role: "user", Content: "search"}},
		Tools:    []OpenAITool{{Type: "web_search"}},
	}, "gemini-2.5-pro", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Request.Tools) != 1 || ur.Request.Tools[0].GoogleSearch == nil {
		t.Errorf("web search not mapped: %+v", ur.Request.Tools)
	}
}

func TestOpenAIEmptyRequestRejected(t *testing.T) {
	c := testConverter()
	if _, err := c.OpenAIToUpstream(&OpenAIChatRequest{}, "gemini-2.5-pro", "p", "r", "s"); err == nil {
		t.Error("empty request accepted")
	}
}

func upstreamBody(t *testing.T, parts string, finish string, usage string) []byte {
	t.Helper()
	body := `{"response":{"candidates":[{"content":{"parts":[` + parts + `]}`
	if finish != "" {
		body += `,"finishReason":"` + finish + `"`
	}
	body += `}]`
	if usage != "" {
		body += `,"usageMetadata":` + usage
	}
	body += `}}`
	return []byte(body)
}

func TestUpstreamToOpenAITextAndThinking(t *testing.T) {
	c := testConverter()
	body := upstreamBody(t,
		`{"text":"I ponder","thought":true},{"text":"Answer."}`,
		"STOP",
		`{"promptTokenCount":10,"candidatesTokenCount":5,"thoughtsTokenCount":7,"totalTokenCount":22}`)
	resp, err := c.UpstreamToOpenAI(body, "gpt-4o", "agent/1756166400000/11111111-1111-1111-1111-111111111111/1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.ID != "chatcmpl-agent/1756166400000/11111111-1111-1111-1111-111111111111/1" {
		t.Errorf("id must embed the request id, got %q", resp.ID)
	}
	msg := resp.Choices[0].Message
	if msg.Content != "Answer." || msg.ReasoningContent != "I ponder" {
		t.Errorf("message = %+v", msg)
	}
	if *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.CompletionTokens != 12 {
		t.Errorf("completion tokens = %d, want output+thoughts", resp.Usage.CompletionTokens)
	}
}

func TestUpstreamToOpenAIThinkingTags(t *testing.T) {
	c := testConverter()
	c.Cfg.OpenAIThinkingOutput = "tags"
	body := upstreamBody(t, `{"text":"hmm","thought":true},{"text":"done"}`, "STOP", "")
	resp, err := c.UpstreamToOpenAI(body, "gpt-4o", "agent/1756166400000/11111111-1111-1111-1111-111111111111/1")
	if err != nil {
		t.Fatal(err)
	}
	msg := resp.Choices[0].Message
	if msg.Content != "<think>hmm</think>done" || msg.ReasoningContent != "" {
		t.Errorf("tags mode = %+v", msg)
	}
}

func TestUpstreamToOpenAIToolCallCachesSignature(t *testing.T) {
	c := testConverter()
	body := upstreamBody(t,
		`{"text":"thinking first","thought":true,"thoughtSignature":"sig-42"},{"functionCall":{"id":"call_9","name":"get_weather","args":{"city":"SF"}}}`,
		"STOP", "")
	resp, err := c.UpstreamToOpenAI(body, "claude-sonnet-4-5", "agent/1756166400000/11111111-1111-1111-1111-111111111111/1")
	if err != nil {
		t.Fatal(err)
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "get_weather" {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if *resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if got := c.Sig.ToolSignature("call_9"); got != "sig-42" {
		t.Errorf("signature not cached: %q", got)
	}
	entry, ok := c.Sig.ClaudeTooling("call_9")
	if !ok || entry.ThoughtText != "thinking first" {
		t.Errorf("claude tooling = %+v ok=%v", entry, ok)
	}
}

func TestUpstreamToOpenAIInlineImage(t *testing.T) {
	c := testConverter()
	body := upstreamBody(t, `{"inlineData":{"mimeType":"image/png","data":"QUJD"}}`, "STOP", "")
	resp, err := c.UpstreamToOpenAI(body, "gemini-2.5-flash-image", "agent/1756166400000/11111111-1111-1111-1111-111111111111/1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "![image](data:image/png;base64,QUJD)" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}
