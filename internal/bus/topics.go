package bus

// Task lifecycle topics, published by the store as tasks move through their
// states.
const (
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskMetrics   = "task.metrics"
	TopicTaskTokens    = "task.tokens"
)

// Delegation topics, published around a blocking delegation's lifetime.
const (
	TopicDelegationStarted   = "delegation.started"
	TopicDelegationCompleted = "delegation.completed"
	TopicDelegationFailed    = "delegation.failed"
)

// Approval workflow topics. A privileged operation that lacks a live
// approval row publishes a request; a channel adapter renders it to the
// operator and publishes the resolution; the daemon turns an approving
// resolution into a durable single-use approvals row.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// Operator alert topic.
const TopicAgentAlert = "agent.alert"

// Streaming topics: per-chunk token delivery and end-of-stream.
const (
	TopicStreamToken = "stream.token"
	TopicStreamDone  = "stream.done"
)

// Inter-agent mailbox topic.
const TopicAgentMessage = "agent.mailbox"

// TaskMetricsEvent reports a finished task's token usage and cost.
type TaskMetricsEvent struct {
	TaskID           string
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	EstimatedCostUSD float64
}

// TaskTokensEvent reports incremental token counts while a task runs.
type TaskTokensEvent struct {
	TaskID           string
	PromptTokens     int
	CompletionTokens int
}

// ApprovalRequest asks the operator to consent to one privileged operation.
// Resource narrows the grant (for host.exec.sudo it is the exact command).
type ApprovalRequest struct {
	RequestID  string
	Capability string
	Resource   string
	Prompt     string
}

// ApprovalResponse is the operator's resolution of a request.
type ApprovalResponse struct {
	RequestID string
	Action    string // "approve" or "reject"
	Reason    string
}

// StreamTokenEvent carries one chunk of a streaming reply.
type StreamTokenEvent struct {
	TaskID    string
	SessionID string
	Token     string
}

// StreamDoneEvent marks a streaming reply fully flushed.
type StreamDoneEvent struct {
	TaskID    string
	SessionID string
}

// AgentMessageEvent wakes an idle recipient when another agent mails it.
type AgentMessageEvent struct {
	FromAgent string
	ToAgent   string
	Content   string
	Depth     int // inter-agent hop depth, for loop protection
}

// AgentAlert notifies operators out of band.
type AgentAlert struct {
	Severity string // "info", "warning", or "error"
	Message  string
}
