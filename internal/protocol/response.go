package protocol

// Object type markers on outgoing payloads.
const (
	ObjectChatCompletion = "chat.completion"
	ObjectChatChunk      = "chat.completion.chunk"
	ObjectList           = "list"
	ObjectModel          = "model"
)

// Finish reasons reported on choices.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
)

// Usage mirrors the OpenAI usage block. The host capability cannot report
// token counts, so every field is always zero; the block is still present
// because clients expect it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant message inside a completed choice.
// Content is null when the message is pure tool calls.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one completed alternative. The gateway always produces exactly
// one.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// Response is the non-streaming payload for /v1/chat/completions.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Warning annotates degraded results, e.g. an auto-execute run that
	// hit its round limit with tool calls still pending.
	Warning string `json:"warning,omitempty"`
}

// NewResponse assembles a completed chat response. finish_reason is
// "tool_calls" exactly when tool calls are present; content collapses to
// null on a pure tool-call message.
func NewResponse(id, model string, createdUnix int64, content string, toolCalls []ToolCall) Response {
	finishReason := FinishReasonStop
	if len(toolCalls) > 0 {
		finishReason = FinishReasonToolCalls
	}

	var body *string
	if content != "" || len(toolCalls) == 0 {
		body = &content
	}

	return Response{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: createdUnix,
		Model:   model,
		Choices: []Choice{{
			Index: 0,
			Message: ResponseMessage{
				Role:      "assistant",
				Content:   body,
				ToolCalls: toolCalls,
			},
			FinishReason: finishReason,
		}},
	}
}

// Delta is the incremental message fragment inside a streaming chunk.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta streams one tool call incrementally. The first delta for a
// given index carries ID, Type and the function name; subsequent deltas for
// that index carry only additional argument bytes.
type ToolCallDelta struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function *ToolCallFunctionDelta `json:"function,omitempty"`
}

// ToolCallFunctionDelta is the function fragment of a tool call delta.
type ToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChunkChoice is one choice inside a streaming chunk. FinishReason is a
// pointer so intermediate chunks serialize it as null.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamChunk is one SSE payload of a streaming response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

func newChunk(id, model string, createdUnix int64, delta Delta, finishReason *string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  ObjectChatChunk,
		Created: createdUnix,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

// RoleChunk opens a stream: the assistant role and nothing else.
func RoleChunk(id, model string, createdUnix int64) StreamChunk {
	return newChunk(id, model, createdUnix, Delta{Role: "assistant"}, nil)
}

// ContentChunk carries one text fragment.
func ContentChunk(id, model string, createdUnix int64, fragment string) StreamChunk {
	return newChunk(id, model, createdUnix, Delta{Content: fragment}, nil)
}

// ToolCallChunk carries one tool call delta.
func ToolCallChunk(id, model string, createdUnix int64, delta ToolCallDelta) StreamChunk {
	return newChunk(id, model, createdUnix, Delta{ToolCalls: []ToolCallDelta{delta}}, nil)
}

// FinalChunk terminates a stream with an empty delta and the finish reason.
func FinalChunk(id, model string, createdUnix int64, finishReason string) StreamChunk {
	return newChunk(id, model, createdUnix, Delta{}, &finishReason)
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	Created        int64  `json:"created"`
	OwnedBy        string `json:"owned_by"`
	Family         string `json:"family,omitempty"`
	MaxInputTokens int    `json:"max_input_tokens,omitempty"`
}

// ModelList is the /v1/models response payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ToolInfo is one entry of the /v1/tools listing.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolList is the /v1/tools response payload.
type ToolList struct {
	Object string     `json:"object"`
	Data   []ToolInfo `json:"data"`
}

// ErrorDetail is the inner error object of every non-2xx response.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ErrorBody is the wire shape of every error response, and of the error
// chunk emitted on a failed stream.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}
