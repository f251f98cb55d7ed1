package pipeline

// Topics published on the registry event bus.
const (
	TopicWorkflowCompleted  = "workflow.completed"
	TopicWorkflowFailed     = "workflow.failed"
	TopicWorkflowError      = "workflow.error"
	TopicWorkflowStuck      = "workflow.stuck"
	TopicStageEscalation    = "stage.escalation"
	TopicOptimization       = "optimizer.adjustment"
	TopicOptimizationAdvice = "optimizer.recommendation"
	TopicNeedsHuman         = "case.needs_human"
	TopicAgentUnhealthy     = "agent.unhealthy"
)

// NotifyTopics are the topics forwarded to the notification sink.
var NotifyTopics = []string{
	TopicWorkflowFailed,
	TopicWorkflowError,
	TopicWorkflowStuck,
	TopicStageEscalation,
	TopicOptimization,
	TopicOptimizationAdvice,
	TopicNeedsHuman,
	TopicAgentUnhealthy,
}

// Event priorities carried in the "priority" payload field.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)
