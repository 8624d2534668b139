package externaltask

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/backend/sqlite"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/iam"
)

var (
	worker  = core.Identity{UserID: "worker-user", Token: "t-worker"}
	admin   = core.Identity{UserID: "admin", Token: "t-admin"}
	nobody  = core.Identity{UserID: "nobody", Token: "t-nobody"}
	janitor = core.Identity{UserID: "janitor", Token: "t-janitor"}
)

func newTestService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()

	c := clock.NewMock()
	c.Set(time.Now().UTC())

	b, err := sqlite.NewInMemoryBackend(backend.WithClock(c))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	cc := &iam.StaticClaimChecker{
		Claims: map[string][]string{
			"worker-user": {iam.AccessExternalTasksClaim},
			"admin":       {iam.SuperAdminClaim},
			"janitor":     {iam.DeleteProcessModelClaim},
		},
	}

	return NewService(b, cc), c
}

func Test_Service_RequiresClaim(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, nobody, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.ErrorIs(t, err, iam.ErrForbidden)

	_, err = s.FetchAvailable(ctx, nobody, "orders", 0)
	require.ErrorIs(t, err, iam.ErrForbidden)

	err = s.FinishWithSuccess(ctx, nobody, "task-1", nil)
	require.ErrorIs(t, err, iam.ErrForbidden)
}

func Test_Service_SuperAdminBypassesClaim(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	taskID, err := s.Create(ctx, admin, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.NoError(t, err)

	task, err := s.GetByID(ctx, admin, taskID)
	require.NoError(t, err)
	require.Equal(t, admin, task.Owner)
}

func Test_Service_WorkflowRoundTrip(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()

	p := payload.Payload(`{"order":"o-1"}`)
	taskID, err := s.Create(ctx, worker, "orders", "corr-1", "model-1", "pi-1", "fni-1", p)
	require.NoError(t, err)

	tasks, err := s.FetchAvailable(ctx, worker, "orders", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, p, tasks[0].Payload)

	require.NoError(t, s.Lock(ctx, worker, "w-1", taskID, c.Now().Add(time.Minute)))

	// The leased task is no longer visible to other workers.
	tasks, err = s.FetchAvailable(ctx, worker, "orders", 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	require.NoError(t, s.ExtendLock(ctx, worker, "w-1", taskID, c.Now().Add(time.Hour)))

	result := payload.Payload(`{"ok":true}`)
	require.NoError(t, s.FinishWithSuccess(ctx, worker, taskID, result))

	task, err := s.GetByID(ctx, worker, taskID)
	require.NoError(t, err)
	require.Equal(t, backend.ExternalTaskStateFinished, task.State)
	require.Equal(t, result, task.Result)

	err = s.FinishWithError(ctx, worker, taskID, &backend.Error{Message: "late"})
	require.ErrorIs(t, err, backend.ErrTaskAlreadyFinished)
}

func Test_Service_GetByInstance(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	taskID, err := s.Create(ctx, worker, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.NoError(t, err)

	task, err := s.GetByInstance(ctx, worker, "corr-1", "pi-1", "fni-1")
	require.NoError(t, err)
	require.Equal(t, taskID, task.ID)
}

func Test_Service_DeleteByProcessModel(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	taskID, err := s.Create(ctx, worker, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.NoError(t, err)

	// Deleting requires the process model deletion claim, task access is not
	// enough.
	err = s.DeleteByProcessModel(ctx, worker, "model-1")
	require.ErrorIs(t, err, iam.ErrForbidden)

	require.NoError(t, s.DeleteByProcessModel(ctx, janitor, "model-1"))

	_, err = s.GetByID(ctx, worker, taskID)
	require.ErrorIs(t, err, backend.ErrTaskNotFound)
}
