// Package protocol defines the OpenAI-compatible wire schema the gateway
// speaks: chat completion requests, responses, streaming chunks and the
// error body, together with parsing and validation.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Tool execution modes accepted on the wire.
const (
	ToolExecutionNone = "none"
	ToolExecutionAuto = "auto"
)

// DefaultMaxToolRounds bounds auto tool execution when the client does not
// ask otherwise. Zero means unlimited.
const DefaultMaxToolRounds = 10

// ChatCompletionRequest is the request payload for /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`

	// ToolChoice is kept raw: it may be a mode string or a single-tool
	// selector object. The translator interprets it.
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	// UseHostTools asks the gateway to merge the host's registered tools
	// into the request. The wire name is kept for client compatibility.
	UseHostTools bool `json:"use_vscode_tools,omitempty"`

	ToolExecution string `json:"tool_execution,omitempty"`
	MaxToolRounds *int   `json:"max_tool_rounds,omitempty"`
}

// ChatMessage is a single turn on the wire. Content distinguishes the
// empty string from JSON null, which is legal on assistant tool-call turns.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	// badContent records a content value that was neither string, null nor
	// an array of text segments. Validation reports it with the message's
	// path; parsing stays lenient so the error carries an index.
	badContent bool
}

// UnmarshalJSON accepts string, null and array-of-text-segment content.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
		Name       string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	m.Name = strings.TrimSpace(raw.Name)

	content, ok := extractContent(raw.Content)
	m.Content = content
	m.badContent = !ok

	return nil
}

// MarshalJSON keeps round-tripped messages symmetric with the input shape.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role       string     `json:"role"`
		Content    *string    `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		Name       string     `json:"name,omitempty"`
	}
	return json.Marshal(alias{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	})
}

// Text returns the message content, treating null as empty.
func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func extractContent(raw json.RawMessage) (*string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return &text, true
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return nil, false
			}
			builder.WriteString(segment.Text)
		}
		joined := builder.String()
		return &joined, true
	}

	return nil, false
}

// Tool is a client-supplied tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the callable side of a tool. Parameters stays raw
// so validation can report non-object values rather than failing the parse.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-issued function call, round-tripped by clients as a
// tool message referencing the same ID.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the call target and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParseError marks a request body that is not a single well-formed JSON
// object. It is distinguishable from validation failures.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "invalid JSON payload: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseRequest decodes a request body strictly: exactly one JSON object,
// nothing trailing. Failures come back as *ParseError, never a panic.
func ParseRequest(data []byte) (*ChatCompletionRequest, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))

	var req ChatCompletionRequest
	if err := decoder.Decode(&req); err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, &ParseError{Err: fmt.Errorf("request body must contain a single JSON object")}
	}

	return &req, nil
}
