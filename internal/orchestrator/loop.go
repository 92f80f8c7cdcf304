// Package orchestrator drives auto tool execution: repeated model rounds
// interleaved with host tool invocations until the model stops calling
// tools or the round limit runs out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"lm-bridge/internal/host"
	"lm-bridge/internal/protocol"
	"lm-bridge/internal/translator"
)

// Result is the outcome of an orchestration run. ToolCalls is non-empty
// only when the round limit was reached with calls still pending, in which
// case Warning explains the partial result.
type Result struct {
	Content   string
	ToolCalls []protocol.ToolCall
	Rounds    int
	Warning   string
}

// Run sends the message list to the capability and executes any returned
// tool calls, feeding the results back in, until the model produces a
// plain answer. maxRounds bounds the number of model invocations; zero
// means unlimited, which callers should treat with caution. Tool failures
// become tool-result content rather than aborting the round, so the model
// can react to them. Rounds run sequentially: each round's results feed
// the next round's message history.
func Run(ctx context.Context, capability host.Capability, messages []host.Message, opts host.Options, maxRounds int) (*Result, error) {
	round := 0
	for {
		round++

		acc, err := collectRound(ctx, capability, messages, opts)
		if err != nil {
			return nil, err
		}

		calls := acc.ToolCalls()
		if len(calls) == 0 {
			return &Result{Content: acc.Content(), Rounds: round}, nil
		}

		if maxRounds > 0 && round >= maxRounds {
			slog.Warn("tool round limit reached with calls still pending",
				"rounds", round, "pending_calls", len(calls))
			return &Result{
				Content:   acc.Content(),
				ToolCalls: calls,
				Rounds:    round,
				Warning:   fmt.Sprintf("tool execution stopped after %d rounds with tool calls still pending", round),
			}, nil
		}

		messages = append(messages, assistantTurn(acc.Content(), calls))
		for _, call := range calls {
			messages = append(messages, host.UserMessage(host.ToolResultPart{
				CallID:  call.ID,
				Content: executeCall(ctx, capability, call),
			}))
		}
	}
}

func collectRound(ctx context.Context, capability host.Capability, messages []host.Message, opts host.Options) (*translator.Accumulator, error) {
	stream, err := capability.SendChatRequest(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	acc := translator.NewAccumulator()
	for event := range stream {
		if event.Err != nil {
			return nil, event.Err
		}
		acc.Add(event.Part)
	}
	return acc, nil
}

func assistantTurn(content string, calls []protocol.ToolCall) host.Message {
	parts := make([]host.Part, 0, 1+len(calls))
	if content != "" {
		parts = append(parts, host.TextPart{Text: content})
	}
	for i, call := range calls {
		parts = append(parts, host.ToolCallPart{
			Index:     i,
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return host.AssistantMessage(parts...)
}

// executeCall invokes one tool and always produces result content: a
// failure is reported to the model as text, never raised.
func executeCall(ctx context.Context, capability host.Capability, call protocol.ToolCall) string {
	input := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
			return fmt.Sprintf("tool %s was called with invalid arguments: %v", call.Function.Name, err)
		}
	}

	result, err := capability.InvokeTool(ctx, call.Function.Name, input)
	if err != nil {
		slog.Warn("tool invocation failed", "tool", call.Function.Name, "err", err)
		return fmt.Sprintf("tool %s failed: %v", call.Function.Name, err)
	}
	return result.Content
}
