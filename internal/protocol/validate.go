package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

var allowedRoles = []string{"system", "user", "assistant", "tool"}

// ValidationError reports the first schema violation found in a request,
// with a path-qualified message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Validate checks a parsed request against the wire schema invariants.
// It is a pure function and fails fast: the first violation wins.
func Validate(req *ChatCompletionRequest) *ValidationError {
	if len(req.Messages) == 0 {
		return invalid("messages cannot be empty")
	}

	for i, msg := range req.Messages {
		if err := validateMessage(i, msg); err != nil {
			return err
		}
	}

	for i, tool := range req.Tools {
		if err := validateTool(i, tool); err != nil {
			return err
		}
	}

	switch req.ToolExecution {
	case "", ToolExecutionNone, ToolExecutionAuto:
	default:
		return invalid("tool_execution must be one of: %s, %s", ToolExecutionNone, ToolExecutionAuto)
	}

	if req.MaxToolRounds != nil && *req.MaxToolRounds < 0 {
		return invalid("max_tool_rounds must not be negative")
	}

	return nil
}

func validateMessage(i int, msg ChatMessage) *ValidationError {
	if !roleAllowed(msg.Role) {
		return invalid("messages[%d].role must be one of: %s", i, strings.Join(allowedRoles, ", "))
	}

	if msg.badContent {
		return invalid("messages[%d].content must be a string or null", i)
	}

	if msg.Role == "tool" && msg.ToolCallID == "" {
		return invalid("messages[%d].tool_call_id is required for tool messages", i)
	}

	if len(msg.ToolCalls) > 0 && msg.Role != "assistant" {
		return invalid("messages[%d].tool_calls is only valid on assistant messages", i)
	}

	if msg.Content == nil && !(msg.Role == "assistant" && len(msg.ToolCalls) > 0) {
		return invalid("messages[%d].content may be null only on assistant messages with tool_calls", i)
	}

	for j, call := range msg.ToolCalls {
		if call.ID == "" {
			return invalid("messages[%d].tool_calls[%d].id must be a non-empty string", i, j)
		}
		if call.Type != "function" {
			return invalid("messages[%d].tool_calls[%d].type must be %q", i, j, "function")
		}
		if call.Function.Name == "" {
			return invalid("messages[%d].tool_calls[%d].function.name is required", i, j)
		}
	}

	return nil
}

func validateTool(i int, tool Tool) *ValidationError {
	if tool.Type != "function" {
		return invalid("tools[%d].type must be %q", i, "function")
	}
	if strings.TrimSpace(tool.Function.Name) == "" {
		return invalid("tools[%d].function.name must be a non-empty string", i)
	}
	if len(tool.Function.Parameters) > 0 && !isJSONObject(tool.Function.Parameters) {
		return invalid("tools[%d].function.parameters must be an object", i)
	}
	return nil
}

func roleAllowed(role string) bool {
	for _, allowed := range allowedRoles {
		if role == allowed {
			return true
		}
	}
	return false
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
