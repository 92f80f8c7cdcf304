// Package translator converts between the OpenAI wire schema and the host
// capability's message and tool schema, in both directions.
package translator

import (
	"encoding/json"
	"fmt"

	"lm-bridge/internal/host"
	"lm-bridge/internal/protocol"
)

// ToHostMessages maps wire messages into capability format. The capability
// has no system role, so system turns travel as user turns; this is a
// documented limitation of the backend, not a translation bug. Tool
// results are wrapped in a user turn per the capability's convention.
func ToHostMessages(messages []protocol.ChatMessage) ([]host.Message, error) {
	out := make([]host.Message, 0, len(messages))

	for i, msg := range messages {
		switch msg.Role {
		case "system", "user":
			out = append(out, host.UserText(msg.Text()))

		case "assistant":
			parts := make([]host.Part, 0, 1+len(msg.ToolCalls))
			if text := msg.Text(); text != "" {
				parts = append(parts, host.TextPart{Text: text})
			}
			for j, call := range msg.ToolCalls {
				parts = append(parts, host.ToolCallPart{
					Index:     j,
					CallID:    call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
			}
			out = append(out, host.AssistantMessage(parts...))

		case "tool":
			out = append(out, host.UserMessage(host.ToolResultPart{
				CallID:  msg.ToolCallID,
				Content: msg.Text(),
			}))

		default:
			return nil, fmt.Errorf("messages[%d]: role %q has no host mapping", i, msg.Role)
		}
	}

	return out, nil
}

// toolChoiceSelector is the object form of tool_choice.
type toolChoiceSelector struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// ToHostTools maps wire tool definitions and the tool_choice directive to
// capability form. "none" drops the tools entirely, "auto" keeps default
// behaviour, "required" forces a call, and the single-tool form filters the
// list down to exactly that entry.
func ToHostTools(tools []protocol.Tool, toolChoice json.RawMessage) ([]host.ToolDescriptor, host.ToolMode, error) {
	descriptors := make([]host.ToolDescriptor, 0, len(tools))
	for i, tool := range tools {
		descriptor, err := toDescriptor(tool)
		if err != nil {
			return nil, host.ToolModeAuto, fmt.Errorf("tools[%d]: %w", i, err)
		}
		descriptors = append(descriptors, descriptor)
	}

	if len(toolChoice) == 0 {
		return descriptors, host.ToolModeAuto, nil
	}

	var mode string
	if err := json.Unmarshal(toolChoice, &mode); err == nil {
		switch mode {
		case "none":
			return nil, host.ToolModeAuto, nil
		case "auto":
			return descriptors, host.ToolModeAuto, nil
		case "required":
			return descriptors, host.ToolModeRequired, nil
		default:
			return nil, host.ToolModeAuto, fmt.Errorf("tool_choice %q is not supported", mode)
		}
	}

	var selector toolChoiceSelector
	if err := json.Unmarshal(toolChoice, &selector); err != nil || selector.Function.Name == "" {
		return nil, host.ToolModeAuto, fmt.Errorf("tool_choice must be a mode string or a function selector")
	}

	for _, descriptor := range descriptors {
		if descriptor.Name == selector.Function.Name {
			return []host.ToolDescriptor{descriptor}, host.ToolModeRequired, nil
		}
	}
	return nil, host.ToolModeAuto, fmt.Errorf("tool_choice names unknown tool %q", selector.Function.Name)
}

func toDescriptor(tool protocol.Tool) (host.ToolDescriptor, error) {
	descriptor := host.ToolDescriptor{
		Name:        tool.Function.Name,
		Description: tool.Function.Description,
	}
	if len(tool.Function.Parameters) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
			return host.ToolDescriptor{}, fmt.Errorf("decode parameters: %w", err)
		}
		descriptor.InputSchema = schema
	}
	return descriptor, nil
}

// FromDescriptors converts host tool descriptors back to wire tool
// definitions, used when the host's registered tools are merged into a
// request.
func FromDescriptors(descriptors []host.ToolDescriptor) []protocol.Tool {
	tools := make([]protocol.Tool, 0, len(descriptors))
	for _, descriptor := range descriptors {
		tool := protocol.Tool{
			Type: "function",
			Function: protocol.ToolFunction{
				Name:        descriptor.Name,
				Description: descriptor.Description,
			},
		}
		if descriptor.InputSchema != nil {
			if raw, err := json.Marshal(descriptor.InputSchema); err == nil {
				tool.Function.Parameters = raw
			}
		}
		tools = append(tools, tool)
	}
	return tools
}
