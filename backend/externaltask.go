package backend

import (
	"time"

	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
)

type ExternalTaskState string

const (
	ExternalTaskStatePending  ExternalTaskState = "pending"
	ExternalTaskStateFinished ExternalTaskState = "finished"
)

// ExternalTask is a unit of work a flow node delegated to an out-of-process
// worker. Workers poll tasks by topic and hold a time-bounded exclusive lease
// while working on one.
type ExternalTask struct {
	// ID is generated when the task is created and never changes.
	ID string `json:"id"`

	// Topic is the routing key workers poll by.
	Topic string `json:"topic"`

	CorrelationID      string `json:"correlation_id"`
	ProcessModelID     string `json:"process_model_id"`
	ProcessInstanceID  string `json:"process_instance_id"`
	FlowNodeInstanceID string `json:"flow_node_instance_id"`

	// Owner is the identity on whose behalf the task was created.
	Owner core.Identity `json:"owner"`

	Payload payload.Payload `json:"payload,omitempty"`

	State ExternalTaskState `json:"state"`

	// WorkerID identifies the worker holding the current lease, if any.
	WorkerID string `json:"worker_id,omitempty"`

	// LockExpirationTime is the instant the current lease expires. A nil
	// value means the task was never claimed.
	LockExpirationTime *time.Time `json:"lock_expiration_time,omitempty"`

	// Result is set exactly once when the task finishes successfully.
	Result payload.Payload `json:"result,omitempty"`

	// Error is set exactly once when the task finishes with an error.
	Error *Error `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Claimable reports whether the task could be handed to a worker at the
// given instant: it is pending and no unexpired lease exists. This is the
// same predicate the backends evaluate inside their conditional claim
// statements.
func (t *ExternalTask) Claimable(now time.Time) bool {
	if t.State != ExternalTaskStatePending {
		return false
	}

	return t.LockExpirationTime == nil || t.LockExpirationTime.Before(now)
}
