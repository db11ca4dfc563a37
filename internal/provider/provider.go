// Package provider defines the model-backend collaborator interface. The
// engine treats the backend as an opaque streaming call that can be
// cancelled through its context.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/localdesk/localdesk/pkg/types"
)

// ChunkKind discriminates the streamed chunk variants.
type ChunkKind string

const (
	// ChunkText is a streamed assistant message.
	ChunkText ChunkKind = "text"
	// ChunkToolCall asks the orchestrator to run a named capability.
	// The stream will not progress until a tool result is sent back.
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkResult terminates the stream with usage and the resume token.
	ChunkResult ChunkKind = "result"
)

// Chunk is one streamed backend event.
type Chunk struct {
	Kind ChunkKind

	// Text chunks.
	Text string

	// Tool-call chunks.
	CallID   string
	ToolName string
	Input    json.RawMessage

	// Result chunks.
	Usage       types.TokenUsage
	ResumeToken string
	IsError     bool
	Error       string
}

// InvokeRequest carries everything the backend needs for one model step.
type InvokeRequest struct {
	SessionID   string
	Prompt      string
	ResumeToken string
	Model       string
	Temperature *float64
	CWD         string
	// History is supplied when no resume token exists, e.g. after an edit
	// rewrote the conversation.
	History []*types.Message
}

// Stream is the live handle to one backend invocation. Recv blocks until the
// next chunk or io.EOF; cancellation flows through the invoke context.
type Stream interface {
	Recv() (*Chunk, error)
	// SendToolResult feeds a capability outcome back for the given call so
	// the model step can continue.
	SendToolResult(callID, output string, isError bool) error
	Close() error
}

// Backend is the model invocation collaborator.
type Backend interface {
	Invoke(ctx context.Context, req *InvokeRequest) (Stream, error)
}

// ErrNotConfigured is returned by the placeholder backend the binary wires
// up until a concrete adapter is configured.
var ErrNotConfigured = errors.New("model backend not configured")

// Unconfigured is a Backend whose invocations always fail with
// ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Invoke(ctx context.Context, req *InvokeRequest) (Stream, error) {
	return nil, ErrNotConfigured
}
