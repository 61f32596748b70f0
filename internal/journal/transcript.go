package journal

import (
	"fmt"

	json "github.com/bytedance/sonic"

	"github.com/duraflow/agentrun/internal/modelclient"
)

// delegateToolName mirrors the engine package's delegate pseudo-tool name.
// Duplicated here (rather than imported) because journal sits below engine
// in the dependency graph and must not import it back.
const delegateToolName = "delegate"

// BuildTranscript translates one run's journal entries into message form
// (text entries become assistant text, tool calls and their results
// become assistant tool messages), grouped by step so a step's proposed tool
// calls and their eventual results stay correctly paired. Used both by the
// Run Engine (to replay a run's own partial progress back to the model)
// and by session history building (to render completed prior runs
// verbatim).
func BuildTranscript(entries []Entry) []modelclient.Message {
	type stepBuf struct {
		text     string
		calls    []modelclient.ToolCall
		toolMsgs []modelclient.Message
	}
	order := make([]int, 0)
	steps := make(map[int]*stepBuf)

	get := func(step int) *stepBuf {
		b, ok := steps[step]
		if !ok {
			b = &stepBuf{}
			steps[step] = b
			order = append(order, step)
		}
		return b
	}

	for _, e := range entries {
		if e.StepNumber == nil {
			continue
		}
		step := *e.StepNumber
		b := get(step)

		switch e.Kind {
		case KindText:
			var p TextPayload
			if json.Unmarshal(e.Payload, &p) == nil {
				b.text = p.Text
			}
		case KindToolProposed:
			var p ToolProposedPayload
			if json.Unmarshal(e.Payload, &p) == nil {
				b.calls = append(b.calls, modelclient.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Args: p.Args})
			}
		case KindToolStarting:
			var p ToolStartingPayload
			if json.Unmarshal(e.Payload, &p) == nil && !hasCall(b.calls, p.ToolCallID) {
				b.calls = append(b.calls, modelclient.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Args: p.Args})
			}
		case KindToolComplete:
			var p ToolCompletePayload
			if json.Unmarshal(e.Payload, &p) == nil {
				b.toolMsgs = append(b.toolMsgs, modelclient.Message{
					Role:       modelclient.RoleTool,
					ToolCallID: p.ToolCallID,
					Content:    toolResultText(p),
				})
			}
		case KindChildRunStarted:
			var p ChildRunStartedPayload
			if json.Unmarshal(e.Payload, &p) == nil && !hasCall(b.calls, p.ToolCallID) {
				b.calls = append(b.calls, modelclient.ToolCall{
					ID:   p.ToolCallID,
					Name: delegateToolName,
					Args: map[string]any{"agentKind": p.AgentKind, "task": p.Task},
				})
			}
		case KindChildRunCompleted:
			var p ChildRunCompletedPayload
			if json.Unmarshal(e.Payload, &p) == nil {
				b.toolMsgs = append(b.toolMsgs, modelclient.Message{
					Role:       modelclient.RoleTool,
					ToolCallID: p.ToolCallID,
					Content:    childResultText(p),
				})
			}
		}
	}

	out := make([]modelclient.Message, 0, len(order)*2)
	for _, step := range order {
		b := steps[step]
		if b.text != "" || len(b.calls) > 0 {
			out = append(out, modelclient.Message{Role: modelclient.RoleAssistant, Content: b.text, ToolCalls: b.calls})
		}
		out = append(out, b.toolMsgs...)
	}
	return out
}

func hasCall(calls []modelclient.ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}

func childResultText(p ChildRunCompletedPayload) string {
	if !p.Success {
		return "error: child run did not complete successfully"
	}
	if p.Result == nil {
		return "ok"
	}
	b, err := json.Marshal(p.Result)
	if err != nil {
		return fmt.Sprintf("%v", p.Result)
	}
	return string(b)
}

func toolResultText(p ToolCompletePayload) string {
	if !p.Success {
		return "error: " + p.Summary
	}
	if p.Summary != "" {
		return p.Summary
	}
	if p.Output == nil {
		return "ok"
	}
	b, err := json.Marshal(p.Output)
	if err != nil {
		return fmt.Sprintf("%v", p.Output)
	}
	return string(b)
}
