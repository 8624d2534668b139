package flownode

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

	return NewService(b), c
}

func enter(t *testing.T, s *Service, id, processInstanceID string) *backend.FlowNodeInstance {
	t.Helper()

	fi, err := s.PersistOnEnter(context.Background(), &backend.FlowNodeInstance{
		ID:                id,
		FlowNodeID:        "node-" + id,
		FlowNodeType:      "bpmn:UserTask",
		CorrelationID:     "corr-1",
		ProcessModelID:    "model-1",
		ProcessInstanceID: processInstanceID,
		Owner:             core.Anonymous(),
	}, payload.Payload(`{"step":"`+id+`"}`))
	require.NoError(t, err)

	return fi
}

func Test_Service_Lifecycle(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()

	enter(t, s, "fni-1", "pi-1")
	c.Add(time.Second)

	fi, err := s.Suspend(ctx, "fni-1", payload.Payload(`{"waiting":true}`))
	require.NoError(t, err)
	require.Equal(t, backend.FlowNodeInstanceStateSuspended, fi.State)
	c.Add(time.Second)

	fi, err = s.Resume(ctx, "fni-1", nil)
	require.NoError(t, err)
	require.Equal(t, backend.FlowNodeInstanceStateRunning, fi.State)
	c.Add(time.Second)

	fi, err = s.PersistOnExit(ctx, "fni-1", payload.Payload(`{"done":true}`))
	require.NoError(t, err)
	require.Equal(t, backend.FlowNodeInstanceStateFinished, fi.State)
	require.Len(t, fi.Tokens, 4)
}

func Test_Service_Queries(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()

	enter(t, s, "fni-1", "pi-1")
	c.Add(time.Second)
	enter(t, s, "fni-2", "pi-1")
	c.Add(time.Second)
	enter(t, s, "fni-3", "pi-2")

	_, err := s.PersistOnExit(ctx, "fni-1", nil)
	require.NoError(t, err)

	_, err = s.Suspend(ctx, "fni-2", nil)
	require.NoError(t, err)

	instances, err := s.QueryByProcessInstance(ctx, "pi-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	instances, err = s.QueryByCorrelation(ctx, "corr-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 3)

	instances, err = s.QueryActive(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	instances, err = s.QueryActiveByProcessInstance(ctx, "pi-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "fni-2", instances[0].ID)

	instances, err = s.QuerySuspendedByCorrelation(ctx, "corr-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "fni-2", instances[0].ID)

	instances, err = s.QueryByState(ctx, backend.FlowNodeInstanceStateFinished, 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "fni-1", instances[0].ID)

	instances, err = s.QuerySpecificFlowNode(ctx, "corr-1", "model-1", "node-fni-3")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	instances, err = s.QueryByProcessInstanceAndFlowNode(ctx, "pi-1", "node-fni-2", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "fni-2", instances[0].ID)

	tokens, err := s.QueryProcessTokensByProcessInstance(ctx, "pi-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, tokens, 4)
}

func Test_Service_DeleteByProcessModel(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	enter(t, s, "fni-1", "pi-1")

	require.NoError(t, s.DeleteByProcessModel(ctx, "model-1"))

	_, err := s.GetByInstanceID(ctx, "fni-1")
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)
}
