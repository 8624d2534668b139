package backend

import (
	"time"

	"github.com/flowstate-io/flowstate/core"
)

type ProcessInstanceState string

const (
	ProcessInstanceStateRunning  ProcessInstanceState = "running"
	ProcessInstanceStateFinished ProcessInstanceState = "finished"
	ProcessInstanceStateError    ProcessInstanceState = "error"
)

// ProcessInstance is one run of a workflow definition. All instances sharing
// a correlation id form a Correlation, whose aggregate state is derived from
// these records.
type ProcessInstance struct {
	CorrelationID     string `json:"correlation_id"`
	ProcessInstanceID string `json:"process_instance_id"`
	ProcessModelID    string `json:"process_model_id"`

	// ProcessModelHash pins the exact definition version the instance runs.
	ProcessModelHash string `json:"process_model_hash"`

	// ParentProcessInstanceID is set for sub-process instances.
	ParentProcessInstanceID string `json:"parent_process_instance_id,omitempty"`

	Owner core.Identity `json:"owner"`

	State ProcessInstanceState `json:"state"`

	Error *Error `json:"error,omitempty"`

	// TerminatedBy is set if a user terminated the instance.
	TerminatedBy *core.Identity `json:"terminated_by,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ProcessInstanceFilter narrows QueryProcessInstances. Zero-valued fields
// are ignored.
type ProcessInstanceFilter struct {
	CorrelationID           string
	ProcessModelID          string
	ParentProcessInstanceID string
	States                  []ProcessInstanceState
}
