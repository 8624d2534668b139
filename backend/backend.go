package backend

import (
	"context"
	"errors"
	"time"

	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
)

var (
	// ErrTaskNotFound is returned when the referenced ExternalTask does not
	// exist.
	ErrTaskNotFound = errors.New("external task not found")

	// ErrTaskNotClaimable is returned by LockExternalTask when the task
	// exists but another worker holds an unexpired lease, or the task is
	// already finished.
	ErrTaskNotClaimable = errors.New("external task is not claimable")

	// ErrTaskAlreadyFinished is returned when finishing a task that already
	// reached its terminal state.
	ErrTaskAlreadyFinished = errors.New("external task is already finished")

	// ErrInstanceNotFound is returned when the referenced FlowNodeInstance
	// does not exist, or a transition targets an instance that is not in a
	// state the transition can leave from. Final instances are not part of
	// the active working set, so a transition out of one reports the same
	// error as a missing instance.
	ErrInstanceNotFound = errors.New("flow node instance not found")

	// ErrProcessInstanceNotFound is returned when the referenced
	// ProcessInstance does not exist.
	ErrProcessInstanceNotFound = errors.New("process instance not found")

	// ErrProcessInstanceAlreadyExists is returned when creating a
	// ProcessInstance with an id that is already taken.
	ErrProcessInstanceAlreadyExists = errors.New("process instance already exists")
)

const TracerName = "flowstate"

// Backend is the storage contract shared by all engine and worker processes.
//
// All timestamps a backend writes or compares come from its configured
// clock. Two guarantees are required from every implementation: a task claim
// is a single conditional write gated on the claimability predicate, and a
// flow node instance transition commits its state update and token append as
// one transaction.
type Backend interface {
	// CreateExternalTask stores a new pending task and returns its generated
	// id.
	CreateExternalTask(
		ctx context.Context,
		topic, correlationID, processModelID, processInstanceID, flowNodeInstanceID string,
		owner core.Identity,
		p payload.Payload,
	) (string, error)

	// GetExternalTask returns the task with the given id.
	GetExternalTask(ctx context.Context, taskID string) (*ExternalTask, error)

	// GetExternalTaskByInstance returns the task created for the given flow
	// node instance.
	GetExternalTaskByInstance(ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string) (*ExternalTask, error)

	// FetchAvailableExternalTasks returns up to max claimable tasks for the
	// topic, oldest first. A non-positive max returns all matching tasks.
	FetchAvailableExternalTasks(ctx context.Context, topic string, max int) ([]*ExternalTask, error)

	// LockExternalTask leases the task to the given worker until the given
	// instant. The lease is only written if the task is still claimable at
	// the moment of the write.
	LockExternalTask(ctx context.Context, workerID, taskID string, until time.Time) error

	// ExtendExternalTaskLock moves the lease expiry of a task the worker
	// already holds.
	ExtendExternalTaskLock(ctx context.Context, workerID, taskID string, until time.Time) error

	// FinishExternalTaskSuccess finishes a pending task with a result.
	FinishExternalTaskSuccess(ctx context.Context, taskID string, result payload.Payload) error

	// FinishExternalTaskError finishes a pending task with an error.
	FinishExternalTaskError(ctx context.Context, taskID string, taskErr *Error) error

	// DeleteExternalTasksByProcessModel removes all tasks created for the
	// given process model.
	DeleteExternalTasksByProcessModel(ctx context.Context, processModelID string) error

	// PersistOnEnter records the start of a flow node execution: the
	// instance in state running plus its onEnter token, in one transaction.
	// If an instance with the same id already exists, only its
	// PreviousFlowNodeInstanceID is updated and no token is appended.
	PersistOnEnter(ctx context.Context, instance *FlowNodeInstance, token payload.Payload) (*FlowNodeInstance, error)

	// PersistOnExit moves a running or suspended instance to finished and
	// appends an onExit token.
	PersistOnExit(ctx context.Context, instanceID string, token payload.Payload) (*FlowNodeInstance, error)

	// PersistOnError moves a running or suspended instance to error, attaches
	// the error and appends an onExit token.
	PersistOnError(ctx context.Context, instanceID string, token payload.Payload, instanceErr *Error) (*FlowNodeInstance, error)

	// PersistOnTerminate moves a running or suspended instance to terminated
	// and appends an onExit token.
	PersistOnTerminate(ctx context.Context, instanceID string, token payload.Payload) (*FlowNodeInstance, error)

	// SuspendFlowNodeInstance moves a running instance to suspended and
	// appends an onSuspend token.
	SuspendFlowNodeInstance(ctx context.Context, instanceID string, token payload.Payload) (*FlowNodeInstance, error)

	// ResumeFlowNodeInstance moves a suspended instance back to running and
	// appends an onResume token.
	ResumeFlowNodeInstance(ctx context.Context, instanceID string, token payload.Payload) (*FlowNodeInstance, error)

	// GetFlowNodeInstance returns the instance with the given id, tokens
	// included.
	GetFlowNodeInstance(ctx context.Context, instanceID string) (*FlowNodeInstance, error)

	// QueryFlowNodeInstances returns the instances matching the filter,
	// tokens included, in creation order.
	QueryFlowNodeInstances(ctx context.Context, filter FlowNodeInstanceFilter, offset, limit int) ([]*FlowNodeInstance, error)

	// GetProcessTokens returns all tokens of all flow node instances of a
	// process instance, flattened, in creation order.
	GetProcessTokens(ctx context.Context, processInstanceID string, offset, limit int) ([]*ProcessToken, error)

	// DeleteFlowNodeInstancesByProcessModel removes all instances of the
	// given process model together with their tokens, in one transaction.
	DeleteFlowNodeInstancesByProcessModel(ctx context.Context, processModelID string) error

	// CreateProcessInstance stores a new process instance in state running.
	CreateProcessInstance(ctx context.Context, instance *ProcessInstance) error

	// GetProcessInstance returns the process instance with the given id.
	GetProcessInstance(ctx context.Context, processInstanceID string) (*ProcessInstance, error)

	// QueryProcessInstances returns the process instances matching the
	// filter, ordered by creation time.
	QueryProcessInstances(ctx context.Context, filter ProcessInstanceFilter, offset, limit int) ([]*ProcessInstance, error)

	// FinishProcessInstance moves a process instance to finished.
	FinishProcessInstance(ctx context.Context, correlationID, processInstanceID string) error

	// FinishProcessInstanceWithError moves a process instance to error and
	// attaches the error.
	FinishProcessInstanceWithError(ctx context.Context, correlationID, processInstanceID string, instanceErr *Error) error

	// TerminateProcessInstance moves a process instance to finished and
	// records the identity that terminated it.
	TerminateProcessInstance(ctx context.Context, correlationID, processInstanceID string, terminatedBy core.Identity) error

	// DeleteProcessInstancesByProcessModel removes all process instances of
	// the given process model.
	DeleteProcessInstancesByProcessModel(ctx context.Context, processModelID string) error

	// CreateCronjobEntry records a past cronjob execution.
	CreateCronjobEntry(ctx context.Context, entry *Cronjob) error

	// QueryCronjobEntries returns recorded cronjob executions matching the
	// filter, newest first.
	QueryCronjobEntries(ctx context.Context, filter CronjobFilter, offset, limit int) ([]*Cronjob, error)

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
