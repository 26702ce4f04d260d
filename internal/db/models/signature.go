package models

// Signature kinds persisted from the in-process cache.
const (
	SignatureKindToolThought   = "tool_thought_signature"
	SignatureKindClaudeTooling = "claude_tool_thinking"
)

// SignatureRow is the persisted tier of the signature cache: tool-call id to
// the thinking signature (and, for Claude, the thought text) captured from a
// streamed response, replayed on the next turn.
type SignatureRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Kind        string `gorm:"uniqueIndex:idx_kind_tool_call"`
	ToolCallID  string `gorm:"uniqueIndex:idx_kind_tool_call"`
	Signature   string `gorm:"type:text"`
	ThoughtText string `gorm:"type:text"`
	SavedAt     int64  // ms epoch
}
