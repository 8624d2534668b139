package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
)

// BackendTest runs the storage contract checks against a backend
// implementation. setup must honor the given options, the suite injects a
// mock clock to control lease expiry.
func BackendTest(
	t *testing.T,
	setup func(opts ...backend.BackendOption) backend.Backend,
	teardown func(b backend.Backend),
) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock)
	}{
		{
			name: "CreateExternalTask_RoundTrips",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				owner := core.Identity{UserID: "alice", Token: "token-a"}
				p := payload.Payload(`{"amount":42}`)

				taskID, err := b.CreateExternalTask(ctx, "invoices", "corr-1", "model-1", "pi-1", "fni-1", owner, p)
				require.NoError(t, err)
				require.NotEmpty(t, taskID)

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.Equal(t, taskID, task.ID)
				require.Equal(t, "invoices", task.Topic)
				require.Equal(t, "corr-1", task.CorrelationID)
				require.Equal(t, "model-1", task.ProcessModelID)
				require.Equal(t, "pi-1", task.ProcessInstanceID)
				require.Equal(t, "fni-1", task.FlowNodeInstanceID)
				require.Equal(t, owner, task.Owner)
				require.Equal(t, p, task.Payload)
				require.Equal(t, backend.ExternalTaskStatePending, task.State)
				require.Empty(t, task.WorkerID)
				require.Nil(t, task.LockExpirationTime)
				require.Nil(t, task.FinishedAt)
				require.True(t, task.Claimable(c.Now()))
			},
		},
		{
			name: "GetExternalTask_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.GetExternalTask(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "GetExternalTaskByInstance_ReturnsTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID, err := b.CreateExternalTask(ctx, "payments", "corr-1", "model-1", "pi-1", "fni-1", core.Anonymous(), nil)
				require.NoError(t, err)

				task, err := b.GetExternalTaskByInstance(ctx, "corr-1", "pi-1", "fni-1")
				require.NoError(t, err)
				require.Equal(t, taskID, task.ID)

				_, err = b.GetExternalTaskByInstance(ctx, "corr-1", "pi-1", "fni-other")
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "FetchAvailableExternalTasks_EmptyTopic",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				tasks, err := b.FetchAvailableExternalTasks(ctx, "no-such-topic", 10)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "FetchAvailableExternalTasks_OldestFirst",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				var ids []string
				for i := 0; i < 3; i++ {
					taskID, err := b.CreateExternalTask(ctx, "orders", "corr-1", "model-1", "pi-1", uuid.NewString(), core.Anonymous(), nil)
					require.NoError(t, err)
					ids = append(ids, taskID)
					c.Add(time.Second)
				}

				// A task for another topic must not show up.
				_, err := b.CreateExternalTask(ctx, "other", "corr-1", "model-1", "pi-1", uuid.NewString(), core.Anonymous(), nil)
				require.NoError(t, err)

				tasks, err := b.FetchAvailableExternalTasks(ctx, "orders", 0)
				require.NoError(t, err)
				require.Len(t, tasks, 3)
				for i, task := range tasks {
					require.Equal(t, ids[i], task.ID)
				}

				tasks, err = b.FetchAvailableExternalTasks(ctx, "orders", 2)
				require.NoError(t, err)
				require.Len(t, tasks, 2)
				require.Equal(t, ids[0], tasks[0].ID)
				require.Equal(t, ids[1], tasks[1].ID)
			},
		},
		{
			name: "LockExternalTask_Claims",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				until := c.Now().Add(time.Minute)
				require.NoError(t, b.LockExternalTask(ctx, "worker-1", taskID, until))

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.Equal(t, "worker-1", task.WorkerID)
				require.NotNil(t, task.LockExpirationTime)
				require.True(t, task.LockExpirationTime.Equal(until))
				require.False(t, task.Claimable(c.Now()))

				// A leased task is no longer offered.
				tasks, err := b.FetchAvailableExternalTasks(ctx, "orders", 0)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "LockExternalTask_SecondClaimFails",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				until := c.Now().Add(time.Minute)
				require.NoError(t, b.LockExternalTask(ctx, "worker-1", taskID, until))

				err := b.LockExternalTask(ctx, "worker-2", taskID, until)
				require.ErrorIs(t, err, backend.ErrTaskNotClaimable)
			},
		},
		{
			name: "LockExternalTask_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				err := b.LockExternalTask(ctx, "worker-1", uuid.NewString(), c.Now().Add(time.Minute))
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "LockExternalTask_ExpiredLeaseIsReclaimable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				require.NoError(t, b.LockExternalTask(ctx, "worker-1", taskID, c.Now().Add(time.Minute)))

				c.Add(2 * time.Minute)

				tasks, err := b.FetchAvailableExternalTasks(ctx, "orders", 0)
				require.NoError(t, err)
				require.Len(t, tasks, 1)

				require.NoError(t, b.LockExternalTask(ctx, "worker-2", taskID, c.Now().Add(time.Minute)))

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.Equal(t, "worker-2", task.WorkerID)
			},
		},
		{
			name: "ExtendExternalTaskLock_OwnerOnly",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				require.NoError(t, b.LockExternalTask(ctx, "worker-1", taskID, c.Now().Add(time.Minute)))

				extended := c.Now().Add(5 * time.Minute)
				require.NoError(t, b.ExtendExternalTaskLock(ctx, "worker-1", taskID, extended))

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.True(t, task.LockExpirationTime.Equal(extended))

				err = b.ExtendExternalTaskLock(ctx, "worker-2", taskID, c.Now().Add(time.Hour))
				require.ErrorIs(t, err, backend.ErrTaskNotClaimable)

				err = b.ExtendExternalTaskLock(ctx, "worker-1", uuid.NewString(), extended)
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "FinishExternalTaskSuccess_StoresResult",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")
				require.NoError(t, b.LockExternalTask(ctx, "worker-1", taskID, c.Now().Add(time.Minute)))

				result := payload.Payload(`{"status":"ok"}`)
				require.NoError(t, b.FinishExternalTaskSuccess(ctx, taskID, result))

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.Equal(t, backend.ExternalTaskStateFinished, task.State)
				require.Equal(t, result, task.Result)
				require.Nil(t, task.Error)
				require.NotNil(t, task.FinishedAt)

				tasks, err := b.FetchAvailableExternalTasks(ctx, "orders", 0)
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "FinishExternalTaskError_StoresError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				taskErr := &backend.Error{
					Message: "downstream unavailable",
					Code:    "503",
					Details: payload.Payload(`{"service":"billing"}`),
				}
				require.NoError(t, b.FinishExternalTaskError(ctx, taskID, taskErr))

				task, err := b.GetExternalTask(ctx, taskID)
				require.NoError(t, err)
				require.Equal(t, backend.ExternalTaskStateFinished, task.State)
				require.NotNil(t, task.Error)
				require.Equal(t, taskErr.Message, task.Error.Message)
				require.Equal(t, taskErr.Code, task.Error.Code)
				require.Equal(t, taskErr.Details, task.Error.Details)
			},
		},
		{
			name: "FinishExternalTask_SecondFinishFails",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")

				require.NoError(t, b.FinishExternalTaskSuccess(ctx, taskID, nil))

				err := b.FinishExternalTaskSuccess(ctx, taskID, nil)
				require.ErrorIs(t, err, backend.ErrTaskAlreadyFinished)

				err = b.FinishExternalTaskError(ctx, taskID, &backend.Error{Message: "late"})
				require.ErrorIs(t, err, backend.ErrTaskAlreadyFinished)

				err = b.FinishExternalTaskSuccess(ctx, uuid.NewString(), nil)
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "DeleteExternalTasksByProcessModel_RemovesOnlyModel",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID, err := b.CreateExternalTask(ctx, "orders", "corr-1", "model-1", "pi-1", uuid.NewString(), core.Anonymous(), nil)
				require.NoError(t, err)

				keepID, err := b.CreateExternalTask(ctx, "orders", "corr-1", "model-2", "pi-2", uuid.NewString(), core.Anonymous(), nil)
				require.NoError(t, err)

				require.NoError(t, b.DeleteExternalTasksByProcessModel(ctx, "model-1"))

				_, err = b.GetExternalTask(ctx, taskID)
				require.ErrorIs(t, err, backend.ErrTaskNotFound)

				_, err = b.GetExternalTask(ctx, keepID)
				require.NoError(t, err)
			},
		},
		{
			name: "LockExternalTask_ConcurrentClaims",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				taskID := createTask(t, ctx, b, "orders")
				until := c.Now().Add(time.Minute)

				const workers = 10

				var wg sync.WaitGroup
				errs := make([]error, workers)
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						errs[i] = b.LockExternalTask(ctx, uuid.NewString(), taskID, until)
					}(i)
				}
				wg.Wait()

				claimed := 0
				for _, err := range errs {
					if err == nil {
						claimed++
					} else {
						require.ErrorIs(t, err, backend.ErrTaskNotClaimable)
					}
				}
				require.Equal(t, 1, claimed)
			},
		},
		{
			name: "PersistOnEnter_CreatesRunningInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				token := payload.Payload(`{"x":1}`)
				fi, err := b.PersistOnEnter(ctx, newInstance("fni-1"), token)
				require.NoError(t, err)
				require.Equal(t, "fni-1", fi.ID)
				require.Equal(t, backend.FlowNodeInstanceStateRunning, fi.State)
				require.Len(t, fi.Tokens, 1)
				require.Equal(t, backend.ProcessTokenTypeOnEnter, fi.Tokens[0].Type)
				require.Equal(t, token, fi.Tokens[0].Payload)
			},
		},
		{
			name: "FlowNodeInstance_Lifecycle",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), payload.Payload(`{"x":1}`))
				require.NoError(t, err)
				c.Add(time.Second)

				fi, err := b.SuspendFlowNodeInstance(ctx, "fni-1", payload.Payload(`{"x":2}`))
				require.NoError(t, err)
				require.Equal(t, backend.FlowNodeInstanceStateSuspended, fi.State)
				c.Add(time.Second)

				fi, err = b.ResumeFlowNodeInstance(ctx, "fni-1", payload.Payload(`{"x":3}`))
				require.NoError(t, err)
				require.Equal(t, backend.FlowNodeInstanceStateRunning, fi.State)
				c.Add(time.Second)

				fi, err = b.PersistOnExit(ctx, "fni-1", payload.Payload(`{"x":4}`))
				require.NoError(t, err)
				require.Equal(t, backend.FlowNodeInstanceStateFinished, fi.State)
				require.True(t, fi.State.Final())

				require.Len(t, fi.Tokens, 4)
				wantTypes := []backend.ProcessTokenType{
					backend.ProcessTokenTypeOnEnter,
					backend.ProcessTokenTypeOnSuspend,
					backend.ProcessTokenTypeOnResume,
					backend.ProcessTokenTypeOnExit,
				}
				for i, token := range fi.Tokens {
					require.Equal(t, wantTypes[i], token.Type)
				}
				require.Equal(t, payload.Payload(`{"x":4}`), fi.TokenByType(backend.ProcessTokenTypeOnExit).Payload)
			},
		},
		{
			name: "FlowNodeInstance_InvalidTransitions",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), nil)
				require.NoError(t, err)

				// Resume requires a suspended instance.
				_, err = b.ResumeFlowNodeInstance(ctx, "fni-1", nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				_, err = b.SuspendFlowNodeInstance(ctx, "fni-1", nil)
				require.NoError(t, err)

				// Suspend requires a running instance.
				_, err = b.SuspendFlowNodeInstance(ctx, "fni-1", nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				// Unknown instance.
				_, err = b.PersistOnExit(ctx, uuid.NewString(), nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "FlowNodeInstance_FinalStatesAreImmutable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), nil)
				require.NoError(t, err)

				_, err = b.PersistOnExit(ctx, "fni-1", nil)
				require.NoError(t, err)

				_, err = b.PersistOnExit(ctx, "fni-1", nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				_, err = b.SuspendFlowNodeInstance(ctx, "fni-1", nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				_, err = b.PersistOnTerminate(ctx, "fni-1", nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				// No token was appended by the failed transitions.
				fi, err := b.GetFlowNodeInstance(ctx, "fni-1")
				require.NoError(t, err)
				require.Len(t, fi.Tokens, 2)
			},
		},
		{
			name: "PersistOnError_AttachesError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), nil)
				require.NoError(t, err)

				instanceErr := &backend.Error{Message: "script failed", Code: "500"}
				fi, err := b.PersistOnError(ctx, "fni-1", payload.Payload(`{}`), instanceErr)
				require.NoError(t, err)
				require.Equal(t, backend.FlowNodeInstanceStateError, fi.State)
				require.NotNil(t, fi.Error)
				require.Equal(t, "script failed", fi.Error.Message)
				require.Equal(t, backend.ProcessTokenTypeOnExit, fi.Tokens[len(fi.Tokens)-1].Type)
			},
		},
		{
			name: "PersistOnTerminate_Terminates",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), nil)
				require.NoError(t, err)

				fi, err := b.PersistOnTerminate(ctx, "fni-1", nil)
				require.NoError(t, err)
				require.Equal(t, backend.FlowNodeInstanceStateTerminated, fi.State)
				require.True(t, fi.State.Final())
			},
		},
		{
			name: "PersistOnEnter_ReentryUpdatesPredecessor",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				join := newInstance("fni-join")
				join.PreviousFlowNodeInstanceID = "fni-branch-a"

				_, err := b.PersistOnEnter(ctx, join, payload.Payload(`{"a":1}`))
				require.NoError(t, err)

				// Second incoming branch reaches the same join gateway.
				join.PreviousFlowNodeInstanceID = "fni-branch-b"
				fi, err := b.PersistOnEnter(ctx, join, payload.Payload(`{"b":2}`))
				require.NoError(t, err)

				require.Equal(t, "fni-branch-b", fi.PreviousFlowNodeInstanceID)
				require.Len(t, fi.Tokens, 1)
				require.Equal(t, payload.Payload(`{"a":1}`), fi.Tokens[0].Payload)

				instances, err := b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{ProcessInstanceID: join.ProcessInstanceID}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 1)
			},
		},
		{
			name: "QueryFlowNodeInstances_Filters",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				for i, id := range []string{"fni-1", "fni-2", "fni-3"} {
					fi := newInstance(id)
					fi.FlowNodeID = "node-" + id
					_, err := b.PersistOnEnter(ctx, fi, nil)
					require.NoError(t, err)
					c.Add(time.Second)

					if i == 0 {
						_, err = b.PersistOnExit(ctx, id, nil)
						require.NoError(t, err)
					}
				}

				other := newInstance("fni-other")
				other.ProcessInstanceID = "pi-other"
				_, err := b.PersistOnEnter(ctx, other, nil)
				require.NoError(t, err)

				instances, err := b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{ProcessInstanceID: "pi-1"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 3)
				require.Equal(t, "fni-1", instances[0].ID)
				require.NotEmpty(t, instances[0].Tokens)

				instances, err = b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
					ProcessInstanceID: "pi-1",
					States:            backend.ActiveStates,
				}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 2)

				instances, err = b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{FlowNodeID: "node-fni-2"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 1)
				require.Equal(t, "fni-2", instances[0].ID)

				// Pagination.
				instances, err = b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{ProcessInstanceID: "pi-1"}, 1, 1)
				require.NoError(t, err)
				require.Len(t, instances, 1)
				require.Equal(t, "fni-2", instances[0].ID)
			},
		},
		{
			name: "GetProcessTokens_FlattensInstanceHistories",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), payload.Payload(`{"s":1}`))
				require.NoError(t, err)
				c.Add(time.Second)

				_, err = b.PersistOnExit(ctx, "fni-1", payload.Payload(`{"s":2}`))
				require.NoError(t, err)
				c.Add(time.Second)

				_, err = b.PersistOnEnter(ctx, newInstance("fni-2"), payload.Payload(`{"s":3}`))
				require.NoError(t, err)

				tokens, err := b.GetProcessTokens(ctx, "pi-1", 0, 0)
				require.NoError(t, err)
				require.Len(t, tokens, 3)
				require.Equal(t, "fni-1", tokens[0].FlowNodeInstanceID)
				require.Equal(t, "fni-2", tokens[2].FlowNodeInstanceID)

				tokens, err = b.GetProcessTokens(ctx, "pi-1", 1, 1)
				require.NoError(t, err)
				require.Len(t, tokens, 1)
				require.Equal(t, backend.ProcessTokenTypeOnExit, tokens[0].Type)
			},
		},
		{
			name: "DeleteFlowNodeInstancesByProcessModel_CascadesTokens",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.PersistOnEnter(ctx, newInstance("fni-1"), nil)
				require.NoError(t, err)

				keep := newInstance("fni-keep")
				keep.ProcessModelID = "model-keep"
				keep.ProcessInstanceID = "pi-keep"
				_, err = b.PersistOnEnter(ctx, keep, nil)
				require.NoError(t, err)

				require.NoError(t, b.DeleteFlowNodeInstancesByProcessModel(ctx, "model-1"))

				_, err = b.GetFlowNodeInstance(ctx, "fni-1")
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				tokens, err := b.GetProcessTokens(ctx, "pi-1", 0, 0)
				require.NoError(t, err)
				require.Empty(t, tokens)

				fi, err := b.GetFlowNodeInstance(ctx, "fni-keep")
				require.NoError(t, err)
				require.Len(t, fi.Tokens, 1)
			},
		},
		{
			name: "CreateProcessInstance_RoundTrips",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				owner := core.Identity{UserID: "alice", Token: "token-a"}
				err := b.CreateProcessInstance(ctx, &backend.ProcessInstance{
					CorrelationID:     "corr-1",
					ProcessInstanceID: "pi-1",
					ProcessModelID:    "model-1",
					ProcessModelHash:  "hash-1",
					Owner:             owner,
				})
				require.NoError(t, err)

				pi, err := b.GetProcessInstance(ctx, "pi-1")
				require.NoError(t, err)
				require.Equal(t, "corr-1", pi.CorrelationID)
				require.Equal(t, "model-1", pi.ProcessModelID)
				require.Equal(t, "hash-1", pi.ProcessModelHash)
				require.Equal(t, owner, pi.Owner)
				require.Equal(t, backend.ProcessInstanceStateRunning, pi.State)
				require.Nil(t, pi.FinishedAt)

				_, err = b.GetProcessInstance(ctx, "pi-unknown")
				require.ErrorIs(t, err, backend.ErrProcessInstanceNotFound)
			},
		},
		{
			name: "CreateProcessInstance_DuplicateFails",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				pi := &backend.ProcessInstance{
					CorrelationID:     "corr-1",
					ProcessInstanceID: "pi-1",
					ProcessModelID:    "model-1",
					Owner:             core.Anonymous(),
				}
				require.NoError(t, b.CreateProcessInstance(ctx, pi))

				err := b.CreateProcessInstance(ctx, pi)
				require.ErrorIs(t, err, backend.ErrProcessInstanceAlreadyExists)
			},
		},
		{
			name: "FinishProcessInstance_Transitions",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				createProcessInstance(t, ctx, b, "corr-1", "pi-1")

				require.NoError(t, b.FinishProcessInstance(ctx, "corr-1", "pi-1"))

				pi, err := b.GetProcessInstance(ctx, "pi-1")
				require.NoError(t, err)
				require.Equal(t, backend.ProcessInstanceStateFinished, pi.State)
				require.NotNil(t, pi.FinishedAt)

				// A finished instance can not be finished again.
				err = b.FinishProcessInstance(ctx, "corr-1", "pi-1")
				require.ErrorIs(t, err, backend.ErrProcessInstanceNotFound)

				// The correlation id has to match.
				createProcessInstance(t, ctx, b, "corr-2", "pi-2")
				err = b.FinishProcessInstance(ctx, "corr-other", "pi-2")
				require.ErrorIs(t, err, backend.ErrProcessInstanceNotFound)
			},
		},
		{
			name: "FinishProcessInstanceWithError_AttachesError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				createProcessInstance(t, ctx, b, "corr-1", "pi-1")

				instanceErr := &backend.Error{Message: "boundary event", Code: "400"}
				require.NoError(t, b.FinishProcessInstanceWithError(ctx, "corr-1", "pi-1", instanceErr))

				pi, err := b.GetProcessInstance(ctx, "pi-1")
				require.NoError(t, err)
				require.Equal(t, backend.ProcessInstanceStateError, pi.State)
				require.NotNil(t, pi.Error)
				require.Equal(t, "boundary event", pi.Error.Message)
			},
		},
		{
			name: "TerminateProcessInstance_RecordsIdentity",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				createProcessInstance(t, ctx, b, "corr-1", "pi-1")

				admin := core.Identity{UserID: "admin", Token: "token-admin"}
				require.NoError(t, b.TerminateProcessInstance(ctx, "corr-1", "pi-1", admin))

				pi, err := b.GetProcessInstance(ctx, "pi-1")
				require.NoError(t, err)
				require.Equal(t, backend.ProcessInstanceStateFinished, pi.State)
				require.NotNil(t, pi.TerminatedBy)
				require.Equal(t, admin, *pi.TerminatedBy)
			},
		},
		{
			name: "QueryProcessInstances_Filters",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				createProcessInstance(t, ctx, b, "corr-1", "pi-1")
				c.Add(time.Second)
				createProcessInstance(t, ctx, b, "corr-1", "pi-2")
				c.Add(time.Second)
				createProcessInstance(t, ctx, b, "corr-2", "pi-3")

				require.NoError(t, b.CreateProcessInstance(ctx, &backend.ProcessInstance{
					CorrelationID:           "corr-1",
					ProcessInstanceID:       "pi-sub",
					ProcessModelID:          "model-sub",
					ParentProcessInstanceID: "pi-1",
					Owner:                   core.Anonymous(),
				}))

				require.NoError(t, b.FinishProcessInstance(ctx, "corr-1", "pi-2"))

				instances, err := b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{CorrelationID: "corr-1"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 3)
				require.Equal(t, "pi-1", instances[0].ProcessInstanceID)

				instances, err = b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{
					CorrelationID: "corr-1",
					States:        []backend.ProcessInstanceState{backend.ProcessInstanceStateRunning},
				}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 2)

				instances, err = b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{ParentProcessInstanceID: "pi-1"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, instances, 1)
				require.Equal(t, "pi-sub", instances[0].ProcessInstanceID)

				instances, err = b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{}, 1, 2)
				require.NoError(t, err)
				require.Len(t, instances, 2)
			},
		},
		{
			name: "CronjobEntries_NewestFirst",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				for i, crontab := range []string{"0 * * * *", "30 * * * *", "0 * * * *"} {
					require.NoError(t, b.CreateCronjobEntry(ctx, &backend.Cronjob{
						ProcessModelID: "model-1",
						StartEventID:   "start-1",
						Crontab:        crontab,
						ExecutedAt:     c.Now().Add(time.Duration(i) * time.Hour),
					}))
				}

				require.NoError(t, b.CreateCronjobEntry(ctx, &backend.Cronjob{
					ProcessModelID: "model-2",
					Crontab:        "0 0 * * *",
					ExecutedAt:     c.Now(),
				}))

				entries, err := b.QueryCronjobEntries(ctx, backend.CronjobFilter{ProcessModelID: "model-1"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, entries, 3)
				require.Equal(t, "0 * * * *", entries[0].Crontab)
				require.True(t, entries[0].ExecutedAt.After(entries[1].ExecutedAt))

				entries, err = b.QueryCronjobEntries(ctx, backend.CronjobFilter{Crontab: "0 * * * *"}, 0, 0)
				require.NoError(t, err)
				require.Len(t, entries, 2)

				entries, err = b.QueryCronjobEntries(ctx, backend.CronjobFilter{ProcessModelID: "model-1"}, 1, 1)
				require.NoError(t, err)
				require.Len(t, entries, 1)
				require.Equal(t, "30 * * * *", entries[0].Crontab)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			c.Set(time.Now().UTC())

			b := setup(backend.WithClock(c))
			ctx := context.Background()
			tt.f(t, ctx, b, c)
			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func createTask(t *testing.T, ctx context.Context, b backend.Backend, topic string) string {
	t.Helper()

	taskID, err := b.CreateExternalTask(ctx, topic, "corr-1", "model-1", "pi-1", uuid.NewString(), core.Anonymous(), nil)
	require.NoError(t, err)

	return taskID
}

func newInstance(id string) *backend.FlowNodeInstance {
	return &backend.FlowNodeInstance{
		ID:                id,
		FlowNodeID:        "node-1",
		FlowNodeType:      "bpmn:ServiceTask",
		CorrelationID:     "corr-1",
		ProcessModelID:    "model-1",
		ProcessInstanceID: "pi-1",
		Owner:             core.Anonymous(),
	}
}

func createProcessInstance(t *testing.T, ctx context.Context, b backend.Backend, correlationID, processInstanceID string) {
	t.Helper()

	require.NoError(t, b.CreateProcessInstance(ctx, &backend.ProcessInstance{
		CorrelationID:     correlationID,
		ProcessInstanceID: processInstanceID,
		ProcessModelID:    "model-1",
		ProcessModelHash:  "hash-1",
		Owner:             core.Anonymous(),
	}))
}
