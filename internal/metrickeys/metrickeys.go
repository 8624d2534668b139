package metrickeys

const (
	Prefix = "flowstate."

	// External tasks
	ExternalTaskCreated  = Prefix + "external_task.created"
	ExternalTaskClaimed  = Prefix + "external_task.claimed"
	ExternalTaskFinished = Prefix + "external_task.finished"
	ExternalTaskDelay    = Prefix + "external_task.time_in_queue"

	// Flow node instances
	FlowNodeTransition = Prefix + "flow_node.transition"

	// Worker
	WorkerTaskProcessed = Prefix + "worker.task.processed"
	WorkerTaskDuration  = Prefix + "worker.task.duration"

	// Correlation aggregator
	DefinitionCacheHit  = Prefix + "definition.cache.hit"
	DefinitionCacheMiss = Prefix + "definition.cache.miss"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	Topic = "topic"

	// Result of finishing a task, "success" or "error"
	Result = "result"

	// Target state of a flow node instance transition
	State = "state"
)
