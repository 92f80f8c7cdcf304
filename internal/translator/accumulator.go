package translator

import (
	"strings"

	"lm-bridge/internal/host"
	"lm-bridge/internal/protocol"
)

// Delta is the wire-level increment produced by one host stream part.
// Exactly one field is set.
type Delta struct {
	Text     string
	ToolCall *protocol.ToolCallDelta
}

// Accumulator folds host stream parts into wire form. It yields one Delta
// per part for streaming emission and keeps the running totals for the
// buffered response. Tool calls accumulate by index: the first part for an
// index establishes id, type and name; later parts only extend the
// argument string.
type Accumulator struct {
	content strings.Builder
	order   []int
	calls   map[int]*callState
}

type callState struct {
	id        string
	name      string
	arguments strings.Builder
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*callState)}
}

// Add folds one part and returns its wire delta. Tool result parts never
// occur in a model response stream and fold to a zero delta.
func (a *Accumulator) Add(part host.Part) Delta {
	switch p := part.(type) {
	case host.TextPart:
		a.content.WriteString(p.Text)
		return Delta{Text: p.Text}

	case host.ToolCallPart:
		state, seen := a.calls[p.Index]
		if !seen {
			state = &callState{id: p.CallID, name: p.Name}
			a.calls[p.Index] = state
			a.order = append(a.order, p.Index)
		}
		state.arguments.WriteString(p.Arguments)

		delta := &protocol.ToolCallDelta{
			Index:    p.Index,
			Function: &protocol.ToolCallFunctionDelta{Arguments: p.Arguments},
		}
		if !seen {
			delta.ID = state.id
			delta.Type = "function"
			delta.Function.Name = state.name
		}
		return Delta{ToolCall: delta}
	}

	return Delta{}
}

// Content returns the accumulated response text.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// ToolCalls returns the completed tool calls in first-seen index order.
func (a *Accumulator) ToolCalls() []protocol.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]protocol.ToolCall, 0, len(a.order))
	for _, index := range a.order {
		state := a.calls[index]
		calls = append(calls, protocol.ToolCall{
			ID:   state.id,
			Type: "function",
			Function: protocol.ToolCallFunction{
				Name:      state.name,
				Arguments: state.arguments.String(),
			},
		})
	}
	return calls
}
