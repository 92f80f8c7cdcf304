// Package host defines the language model capability the gateway is built
// against: a model listing, a streaming chat request, and tool invocation.
// The gateway never talks to a backend directly; it only sees this port.
package host

import "context"

// ModelDescriptor is a read-only snapshot of one backend model.
type ModelDescriptor struct {
	ID             string
	Name           string
	Family         string
	Vendor         string
	MaxInputTokens int
}

// Role identifies the author of a message. The capability has no system
// role; system prompts travel as user turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one piece of a message or of a streamed response. It is a closed
// union: TextPart, ToolCallPart or ToolResultPart.
type Part interface {
	isPart()
}

// TextPart carries plain text, either a full message body or a streamed
// fragment.
type TextPart struct {
	Text string
}

// ToolCallPart carries a model-issued tool call, streamed incrementally.
// The first part for a given Index carries CallID and Name; later parts
// for the same index carry only additional Arguments bytes.
type ToolCallPart struct {
	Index     int
	CallID    string
	Name      string
	Arguments string
}

// ToolResultPart carries the outcome of a tool invocation back to the
// model, addressed by the call it answers. Results travel inside a
// user-authored turn.
type ToolResultPart struct {
	CallID  string
	Content string
}

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

// Message is a single turn in capability format.
type Message struct {
	Role  Role
	Parts []Part
}

// UserMessage builds a user turn from the given parts.
func UserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: parts}
}

// AssistantMessage builds an assistant turn from the given parts.
func AssistantMessage(parts ...Part) Message {
	return Message{Role: RoleAssistant, Parts: parts}
}

// UserText builds a user turn from plain text.
func UserText(text string) Message {
	return UserMessage(TextPart{Text: text})
}

// ToolMode controls how the model may use the supplied tools.
type ToolMode int

const (
	// ToolModeAuto lets the model decide whether to call a tool.
	ToolModeAuto ToolMode = iota
	// ToolModeRequired forces the model to call at least one tool.
	ToolModeRequired
)

// ToolDescriptor describes one invocable tool.
type ToolDescriptor struct {
	Name        string
	Description string
	Tags        []string
	InputSchema map[string]any
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Content string
}

// Options carries per-request parameters for a chat request.
type Options struct {
	Model       ModelDescriptor
	Temperature *float64
	MaxTokens   *int
	Tools       []ToolDescriptor
	ToolMode    ToolMode
}

// StreamEvent is one element of a chat response stream. Exactly one of
// Part and Err is set; an Err event is terminal and the channel is closed
// after it.
type StreamEvent struct {
	Part Part
	Err  error
}

// ModelStreamer is the model-facing half of the capability.
type ModelStreamer interface {
	// ListModels returns the models currently offered by the backend.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// SendChatRequest starts a chat request and returns a channel of
	// response parts. The channel is closed when the response is complete
	// or after a terminal error event. Cancelling ctx aborts the request
	// and the backend stops producing parts.
	SendChatRequest(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error)

	// OnModelsChanged registers a callback fired when the backend's model
	// offering changes.
	OnModelsChanged(func())
}

// ToolProvider is the tool-facing half of the capability.
type ToolProvider interface {
	// ListTools returns the tools registered with the host.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// InvokeTool executes a registered tool by name. A failed invocation
	// returns an error; callers decide whether to surface or absorb it.
	InvokeTool(ctx context.Context, name string, input map[string]any) (ToolResult, error)
}

// Capability is the full surface the gateway consumes.
type Capability interface {
	ModelStreamer
	ToolProvider
}

type composite struct {
	ModelStreamer
	ToolProvider
}

// Compose joins a model streamer and a tool provider into one capability.
func Compose(ms ModelStreamer, tp ToolProvider) Capability {
	return composite{ModelStreamer: ms, ToolProvider: tp}
}
