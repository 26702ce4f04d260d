package mappers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClaudeSystemUnmarshalForms(t *testing.T) {
	var s ClaudeSystem
	if err := json.Unmarshal([]byte(`"you are terse"`), &s); err != nil || len(s) != 1 {
		t.Errorf("string form = %v (%v)", s, err)
	}
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &s); err != nil || len(s) != 2 {
		t.Errorf("block form = %v (%v)", s, err)
	}
}

func TestClaudeMessageStringContent(t *testing.T) {
	var m ClaudeMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Content) != 1 || m.Content[0].Type != "text" || m.Content[0].Text != "hi" {
		t.Errorf("content = %+v", m.Content)
	}
}

func TestToolResultTextNested(t *testing.T) {
	b := ClaudeBlock{
		Type:    "tool_result",
		Content: json.RawMessage(`[{"type":"text","text":"line1"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AA"}},{"type":"text","text":"line2"}]`),
	}
	text, images := b.toolResultText()
	if text != "line1\nline2" {
		t.Errorf("text = %q", text)
	}
	if len(images) != 1 || images[0].MimeType != "image/png" {
		t.Errorf("images = %+v", images)
	}

	b.Content = json.RawMessage(`"plain"`)
	text, images = b.toolResultText()
	if text != "plain" || len(images) != 0 {
		t.Errorf("string body = %q %v", text, images)
	}
}

func TestClaudeToUpstreamBasics(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		Model:     "claude-sonnet-4-6",
		MaxTokens: 4096,
		System:    ClaudeSystem{"be brief"},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "hello"}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "proj", "rid", "sid")
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Request.Contents) != 1 || ur.Request.Contents[0].Role != "user" {
		t.Errorf("contents = %+v", ur.Request.Contents)
	}
	if *ur.Request.GenerationConfig.MaxOutputTokens != 4096 {
		t.Errorf("max tokens lost")
	}
	if ur.Request.SystemInstruction == nil {
		t.Error("system lost")
	}
}

func TestClaudeSignedThinkingReplays(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Thinking:  &ClaudeThinking{Type: "enabled", BudgetTokens: 2048},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "do it"}}},
			{Role: "assistant", Content: []ClaudeBlock{
				{Type: "thinking", Thinking: "plan", Signature: "sig-plan"},
				{Type: "tool_use", ID: "toolu_1", Name: "f", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: []ClaudeBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"done"`)}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	model := ur.Request.Contents[1]
	if len(model.Parts) != 2 {
		t.Fatalf("model parts = %+v", model.Parts)
	}
	if !model.Parts[0].Thought || model.Parts[0].ThoughtSignature != "sig-plan" {
		t.Errorf("thinking part = %+v", model.Parts[0])
	}
	if model.Parts[1].FunctionCall == nil || model.Parts[1].FunctionCall.ID != "toolu_1" {
		t.Errorf("call part = %+v", model.Parts[1])
	}
	if ur.Request.GenerationConfig.ThinkingConfig == nil {
		t.Error("thinking config missing")
	}
}

func TestClaudeThinkingDowngradeWithoutSignature(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Thinking:  &ClaudeThinking{Type: "enabled"},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "go"}}},
			{Role: "assistant", Content: []ClaudeBlock{
				// tool_use with no signed thinking anywhere
				{Type: "tool_use", ID: "toolu_unknown", Name: "f"},
			}},
			{Role: "user", Content: []ClaudeBlock{{Type: "tool_result", ToolUseID: "toolu_unknown", Content: json.RawMessage(`"x"`)}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if ur.Request.GenerationConfig.ThinkingConfig != nil {
		t.Error("thinking should be downgraded when history is not replayable")
	}
}

func TestClaudeCachedToolingKeepsThinkingOn(t *testing.T) {
	c := testConverter()
	c.Sig.SaveClaudeTooling("toolu_cached", "sig-c", "cached thought")
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Thinking:  &ClaudeThinking{Type: "enabled"},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "go"}}},
			{Role: "assistant", Content: []ClaudeBlock{
				{Type: "tool_use", ID: "toolu_cached", Name: "f"},
			}},
			{Role: "user", Content: []ClaudeBlock{{Type: "tool_result", ToolUseID: "toolu_cached", Content: json.RawMessage(`"x"`)}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if ur.Request.GenerationConfig.ThinkingConfig == nil {
		t.Fatal("thinking downgraded despite cached tooling")
	}
	model := ur.Request.Contents[1]
	if len(model.Parts) != 2 || !model.Parts[0].Thought || model.Parts[0].Text != "cached thought" {
		t.Errorf("cached thinking not replayed: %+v", model.Parts)
	}
}

func TestClaudePrefillRemovedUnderThinking(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Thinking:  &ClaudeThinking{Type: "enabled"},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "summarize as JSON"}}},
			{Role: "assistant", Content: []ClaudeBlock{{Type: "text", Text: "{"}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Request.Contents) != 1 {
		t.Fatalf("prefill turn not removed: %+v", ur.Request.Contents)
	}
	found := false
	for _, p := range ur.Request.SystemInstruction.Parts {
		if strings.Contains(p.Text, "single JSON object") {
			found = true
		}
	}
	if !found {
		t.Error("JSON hint missing from system instruction")
	}
}

func TestClaudePrefillHintQuotesArbitraryPrefix(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Thinking:  &ClaudeThinking{Type: "enabled"},
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "go"}}},
			{Role: "assistant", Content: []ClaudeBlock{{Type: "text", Text: "Answer: "}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range ur.Request.SystemInstruction.Parts {
		if strings.Contains(p.Text, `"Answer: "`) {
			found = true
		}
	}
	if !found {
		t.Errorf("prefix hint missing: %+v", ur.Request.SystemInstruction)
	}
}

func TestClaudePrefillKeptWhenThinkingOff(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 8192,
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{{Type: "text", Text: "go"}}},
			{Role: "assistant", Content: []ClaudeBlock{{Type: "text", Text: "{"}}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(ur.Request.Contents) != 2 {
		t.Errorf("prefill removed without thinking: %+v", ur.Request.Contents)
	}
}

func TestClaudeToolResultError(t *testing.T) {
	c := testConverter()
	req := &ClaudeRequest{
		MaxTokens: 1024,
		Messages: []ClaudeMessage{
			{Role: "user", Content: []ClaudeBlock{
				{Type: "tool_result", ToolUseID: "toolu_1", IsError: true, Content: json.RawMessage(`"boom"`)},
			}},
		},
	}
	ur, err := c.ClaudeToUpstream(req, "claude-sonnet-4-6", "p", "r", "s")
	if err != nil {
		t.Fatal(err)
	}
	fr := ur.Request.Contents[0].Parts[0].FunctionResponse
	if fr == nil || fr.Response["isError"] != true || fr.Response["output"] != "boom" {
		t.Errorf("error result = %+v", fr)
	}
}

func TestClaudeToolChoice(t *testing.T) {
	if tc := claudeToolChoiceConfig(&ClaudeToolChoice{Type: "any"}); tc.FunctionCallingConfig.Mode != "ANY" {
		t.Errorf("any -> %v", tc)
	}
	tc := claudeToolChoiceConfig(&ClaudeToolChoice{Type: "tool", Name: "f"})
	if tc.FunctionCallingConfig.Mode != "ANY" || tc.FunctionCallingConfig.AllowedFunctionNames[0] != "f" {
		t.Errorf("tool -> %v", tc)
	}
	if claudeToolChoiceConfig(nil) != nil {
		t.Error("nil choice produced config")
	}
}

func TestUpstreamToClaudeBlocksCoalesce(t *testing.T) {
	c := testConverter()
	body := upstreamBody(t,
		`{"text":"think ","thought":true},{"text":"more","thought":true,"thoughtSignature":"sig-1"},{"text":"Hello"},{"text":" world"}`,
		"STOP",
		`{"promptTokenCount":3,"candidatesTokenCount":4,"thoughtsTokenCount":5,"totalTokenCount":12}`)
	resp, err := c.UpstreamToClaude(body, "claude-sonnet-4-6")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("blocks = %+v", resp.Content)
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Thinking != "think more" || resp.Content[0].Signature != "sig-1" {
		t.Errorf("thinking block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "Hello world" {
		t.Errorf("text block = %+v", resp.Content[1])
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if resp.Usage.OutputTokens != 9 {
		t.Errorf("output tokens = %d, want output+thoughts", resp.Usage.OutputTokens)
	}
}

func TestUpstreamToClaudeToolUse(t *testing.T) {
	c := testConverter()
	body := upstreamBody(t,
		`{"text":"plan","thought":true,"thoughtSignature":"sig-t"},{"functionCall":{"name":"get_weather","args":{"city":"SF"}}}`,
		"STOP", "")
	resp, err := c.UpstreamToClaude(body, "claude-sonnet-4-6")
	if err != nil {
		t.Fatal(err)
	}
	var tool *ClaudeBlock
	for i := range resp.Content {
		if resp.Content[i].Type == "tool_use" {
			tool = &resp.Content[i]
		}
	}
	if tool == nil {
		t.Fatalf("no tool_use block: %+v", resp.Content)
	}
	if !strings.HasPrefix(tool.ID, "toolu_") {
		t.Errorf("generated id = %q", tool.ID)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop = %q", resp.StopReason)
	}
	entry, ok := c.Sig.ClaudeTooling(tool.ID)
	if !ok || entry.Signature != "sig-t" || entry.ThoughtText != "plan" {
		t.Errorf("tooling cache = %+v ok=%v", entry, ok)
	}
}
