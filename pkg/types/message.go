package types

// MessageKind discriminates the message variants in a session history.
type MessageKind string

const (
	// MessageUser is a prompt submitted by the user.
	MessageUser MessageKind = "user"
	// MessageAssistant is streamed model output text.
	MessageAssistant MessageKind = "assistant"
	// MessageToolUse records a tool call the model requested.
	MessageToolUse MessageKind = "tool_use"
	// MessageToolResult records the outcome fed back to the model.
	MessageToolResult MessageKind = "tool_result"
	// MessageResult is the terminal backend message carrying token usage.
	MessageResult MessageKind = "result"
)

// Message belongs to exactly one session. Seq is the insertion sequence,
// strictly increasing per session and usable as a pagination cursor.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Seq       int64       `json:"seq"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	Usage *TokenUsage `json:"usage,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}
