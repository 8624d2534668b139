package backend

import (
	"time"

	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
)

type FlowNodeInstanceState string

const (
	FlowNodeInstanceStateRunning    FlowNodeInstanceState = "running"
	FlowNodeInstanceStateSuspended  FlowNodeInstanceState = "suspended"
	FlowNodeInstanceStateFinished   FlowNodeInstanceState = "finished"
	FlowNodeInstanceStateError      FlowNodeInstanceState = "error"
	FlowNodeInstanceStateTerminated FlowNodeInstanceState = "terminated"
)

// Final reports whether the state is terminal. No transition leaves a final
// state and no further token is appended after one is reached.
func (s FlowNodeInstanceState) Final() bool {
	switch s {
	case FlowNodeInstanceStateFinished, FlowNodeInstanceStateError, FlowNodeInstanceStateTerminated:
		return true
	}

	return false
}

type ProcessTokenType string

const (
	ProcessTokenTypeOnEnter   ProcessTokenType = "onEnter"
	ProcessTokenTypeOnExit    ProcessTokenType = "onExit"
	ProcessTokenTypeOnSuspend ProcessTokenType = "onSuspend"
	ProcessTokenTypeOnResume  ProcessTokenType = "onResume"
)

// ProcessToken is an immutable snapshot of the workflow data at one
// lifecycle event of a FlowNodeInstance. Tokens are append-only and ordered,
// together they reconstruct the instance's data history.
type ProcessToken struct {
	FlowNodeInstanceID string           `json:"flow_node_instance_id"`
	Type               ProcessTokenType `json:"type"`
	Payload            payload.Payload  `json:"payload,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// FlowNodeInstance is one execution of one workflow step. The flow node
// fields reference the workflow definition and are opaque here.
type FlowNodeInstance struct {
	// ID is the flow node instance id. Exactly one record exists per id.
	ID string `json:"id"`

	FlowNodeID   string `json:"flow_node_id"`
	FlowNodeName string `json:"flow_node_name,omitempty"`
	FlowNodeLane string `json:"flow_node_lane,omitempty"`
	FlowNodeType string `json:"flow_node_type,omitempty"`

	// EventType is set if the flow node is an event, e.g. a message or timer
	// event.
	EventType string `json:"event_type,omitempty"`

	CorrelationID     string `json:"correlation_id"`
	ProcessModelID    string `json:"process_model_id"`
	ProcessInstanceID string `json:"process_instance_id"`

	// ParentProcessInstanceID is set if the instance belongs to a
	// sub-process.
	ParentProcessInstanceID string `json:"parent_process_instance_id,omitempty"`

	Owner core.Identity `json:"owner"`

	State FlowNodeInstanceState `json:"state"`

	Error *Error `json:"error,omitempty"`

	// PreviousFlowNodeInstanceID is the predecessor in execution order.
	// Start events have none. A join gateway receiving a second incoming
	// branch gets this field updated in place instead of a second record.
	PreviousFlowNodeInstanceID string `json:"previous_flow_node_instance_id,omitempty"`

	// Tokens is the instance's token history, ordered by creation.
	Tokens []*ProcessToken `json:"tokens,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenByType returns the first token of the given type or nil.
func (fi *FlowNodeInstance) TokenByType(t ProcessTokenType) *ProcessToken {
	for _, token := range fi.Tokens {
		if token.Type == t {
			return token
		}
	}

	return nil
}

// FlowNodeInstanceFilter narrows QueryFlowNodeInstances. Zero-valued fields
// are ignored.
type FlowNodeInstanceFilter struct {
	CorrelationID     string
	ProcessModelID    string
	ProcessInstanceID string
	FlowNodeID        string
	States            []FlowNodeInstanceState
}

// ActiveStates are the non-final states, i.e. the working set an engine
// resumes after a restart.
var ActiveStates = []FlowNodeInstanceState{
	FlowNodeInstanceStateRunning,
	FlowNodeInstanceStateSuspended,
}
