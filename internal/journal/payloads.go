package journal

// Payload shapes for each entry kind, modeled as one variant per kind
// rather than a single catch-all struct, so each kind's JSON stays
// self-describing.

type RunStartedPayload struct {
	Task      string `json:"task"`
	MaxSteps  int    `json:"maxSteps"`
	AgentKind string `json:"agentKind"`
}

type RunResumedPayload struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

type TextPayload struct {
	Text string `json:"text"`
}

type ToolProposedPayload struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

type ToolStartingPayload struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

type ToolCompletePayload struct {
	ToolCallID string `json:"toolCallId"`
	Output     any    `json:"output,omitempty"`
	Success    bool   `json:"success"`
	Summary    string `json:"summary,omitempty"`
}

type StepCompletePayload struct {
	StepNumber int `json:"stepNumber"`
}

type RunSuspendedPayload struct {
	Reason            string `json:"reason"`
	PendingApprovalID string `json:"pendingApprovalId"`
}

type RunCompletePayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Steps   int    `json:"steps"`
}

type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type RunErrorPayload struct {
	Error string `json:"error"`
}

type ChildRunStartedPayload struct {
	ToolCallID string `json:"toolCallId"`
	ChildRunID string `json:"childRunId"`
	AgentKind  string `json:"agentKind"`
	Task       string `json:"task"`
}

type ChildRunCompletedPayload struct {
	ToolCallID string `json:"toolCallId"`
	ChildRunID string `json:"childRunId"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
}
