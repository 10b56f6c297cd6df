package llm

import "context"

// Request is one completion call.
type Request struct {
	Model    string           `json:"model,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Response is the model's reply to a Request.
type Response struct {
	Message Message `json:"message"`
	// StopReason is provider-specific ("stop", "tool_use", ...).
	StopReason string `json:"stop_reason,omitempty"`
}

// StreamChunk is one increment of a streamed completion. Exactly one field
// group is set per chunk.
type StreamChunk struct {
	// TextDelta appends to the assistant message content.
	TextDelta string
	// ReasoningDelta appends to the model's reasoning trace.
	ReasoningDelta string
	// ToolCall is emitted once per requested tool, fully assembled.
	ToolCall *ToolCall
	// Done carries the final response when the stream ends.
	Done *Response
	// Err terminates the stream with a failure.
	Err error
}

// Client is a chat completion provider.
type Client interface {
	// Complete runs a single blocking completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream runs a completion and delivers increments on the returned
	// channel. The channel is closed after a Done or Err chunk.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
