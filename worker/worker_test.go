package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/backend/sqlite"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/externaltask"
	"github.com/flowstate-io/flowstate/iam"
)

var workerIdentity = core.Identity{UserID: "worker-user", Token: "t-worker"}

func newTestWorker(t *testing.T, options *Options) (*Worker, *externaltask.Service) {
	t.Helper()

	b, err := sqlite.NewInMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	svc := externaltask.NewService(b, iam.AllowAll{})

	if options == nil {
		options = &Options{
			Pollers:         1,
			PollingInterval: 10 * time.Millisecond,
			MaxTasksPerPoll: 10,
			LockDuration:    5 * time.Second,
		}
	}

	return New(svc, workerIdentity, options), svc
}

func Test_Worker_RequiresHandler(t *testing.T) {
	w, _ := newTestWorker(t, nil)

	require.Error(t, w.Start(context.Background()))
}

func Test_Worker_ProcessesTask(t *testing.T) {
	w, svc := newTestWorker(t, nil)
	ctx := context.Background()

	taskID, err := svc.Create(ctx, workerIdentity, "orders", "corr-1", "model-1", "pi-1", "fni-1", payload.Payload(`{"order":"o-1"}`))
	require.NoError(t, err)

	w.RegisterHandler("orders", func(ctx context.Context, task *backend.ExternalTask) (any, error) {
		var input struct {
			Order string `json:"order"`
		}
		require.NoError(t, svc.Options().Converter.From(task.Payload, &input))

		return map[string]string{"processed": input.Order}, nil
	})

	pollCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, w.Start(pollCtx))

	require.Eventually(t, func() bool {
		task, err := svc.GetByID(ctx, workerIdentity, taskID)
		return err == nil && task.State == backend.ExternalTaskStateFinished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, w.WaitForCompletion())

	task, err := svc.GetByID(ctx, workerIdentity, taskID)
	require.NoError(t, err)
	require.Nil(t, task.Error)
	require.JSONEq(t, `{"processed":"o-1"}`, string(task.Result))
	require.Equal(t, w.workerID, task.WorkerID)
}

func Test_Worker_HandlerError(t *testing.T) {
	w, svc := newTestWorker(t, nil)
	ctx := context.Background()

	taskID, err := svc.Create(ctx, workerIdentity, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.NoError(t, err)

	w.RegisterHandler("orders", func(ctx context.Context, task *backend.ExternalTask) (any, error) {
		return nil, errors.New("downstream unavailable")
	})

	pollCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, w.Start(pollCtx))

	require.Eventually(t, func() bool {
		task, err := svc.GetByID(ctx, workerIdentity, taskID)
		return err == nil && task.State == backend.ExternalTaskStateFinished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, w.WaitForCompletion())

	task, err := svc.GetByID(ctx, workerIdentity, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.Error)
	require.Equal(t, "downstream unavailable", task.Error.Message)
	require.NotEmpty(t, task.Error.Stack)
}

func Test_Worker_MultipleTopics(t *testing.T) {
	w, svc := newTestWorker(t, nil)
	ctx := context.Background()

	orderID, err := svc.Create(ctx, workerIdentity, "orders", "corr-1", "model-1", "pi-1", "fni-1", nil)
	require.NoError(t, err)

	invoiceID, err := svc.Create(ctx, workerIdentity, "invoices", "corr-1", "model-1", "pi-1", "fni-2", nil)
	require.NoError(t, err)

	handler := func(ctx context.Context, task *backend.ExternalTask) (any, error) {
		return task.Topic, nil
	}
	w.RegisterHandler("orders", handler)
	w.RegisterHandler("invoices", handler)

	pollCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, w.Start(pollCtx))

	require.Eventually(t, func() bool {
		for _, id := range []string{orderID, invoiceID} {
			task, err := svc.GetByID(ctx, workerIdentity, id)
			if err != nil || task.State != backend.ExternalTaskStateFinished {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, w.WaitForCompletion())
}

func Test_Worker_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, err := sqlite.NewInMemoryBackend()
	require.NoError(t, err)

	svc := externaltask.NewService(b, iam.AllowAll{})
	w := New(svc, workerIdentity, &Options{
		Pollers:         2,
		PollingInterval: 10 * time.Millisecond,
		MaxTasksPerPoll: 10,
		LockDuration:    5 * time.Second,
	})

	w.RegisterHandler("orders", func(ctx context.Context, task *backend.ExternalTask) (any, error) {
		return nil, nil
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(pollCtx))

	time.Sleep(50 * time.Millisecond)

	cancel()
	require.NoError(t, w.WaitForCompletion())
	require.NoError(t, b.Close())
}
