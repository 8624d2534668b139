package log

const (
	NamespaceKey = "flowstate"

	TaskIDKey   = NamespaceKey + ".task.id"
	TopicKey    = NamespaceKey + ".task.topic"
	WorkerIDKey = NamespaceKey + ".worker.id"

	InstanceIDKey = NamespaceKey + ".instance.id"
	FlowNodeIDKey = NamespaceKey + ".flow_node.id"

	CorrelationIDKey     = NamespaceKey + ".correlation.id"
	ProcessInstanceIDKey = NamespaceKey + ".process_instance.id"
	ProcessModelIDKey    = NamespaceKey + ".process_model.id"

	StateKey    = NamespaceKey + ".state"
	DurationKey = NamespaceKey + ".duration_ms"
)
