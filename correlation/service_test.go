package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/sqlite"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/iam"
)

var (
	alice    = core.Identity{UserID: "alice", Token: "t-alice"}
	bob      = core.Identity{UserID: "bob", Token: "t-bob"}
	admin    = core.Identity{UserID: "admin", Token: "t-admin"}
	stranger = core.Identity{UserID: "stranger", Token: "t-stranger"}
)

type countingDefinitionStore struct {
	calls int
	defs  map[string]*Definition
}

func (c *countingDefinitionStore) GetByHash(ctx context.Context, hash string) (*Definition, error) {
	c.calls++

	if def, ok := c.defs[hash]; ok {
		return def, nil
	}

	return nil, context.Canceled
}

func newTestService(t *testing.T, defs DefinitionStore) (*Service, backend.Backend, *clock.Mock) {
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
			"alice":    {iam.ReadProcessModelClaim, iam.DeleteProcessModelClaim},
			"bob":      {iam.ReadProcessModelClaim},
			"admin":    {iam.SuperAdminClaim},
			"stranger": {},
		},
	}

	return NewService(b, cc, defs), b, c
}

func createEntry(t *testing.T, s *Service, identity core.Identity, correlationID, processInstanceID string) {
	t.Helper()

	require.NoError(t, s.CreateEntry(context.Background(), identity, correlationID, processInstanceID, "model-1", "hash-1", ""))
}

func Test_Service_RequiresClaim(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := s.GetAll(ctx, stranger, 0, 0)
	require.ErrorIs(t, err, iam.ErrForbidden)

	_, err = s.GetByCorrelationID(ctx, stranger, "corr-1")
	require.ErrorIs(t, err, iam.ErrForbidden)

	err = s.DeleteByProcessModel(ctx, bob, "model-1")
	require.ErrorIs(t, err, iam.ErrForbidden)
}

func Test_Service_VisibilityFilter(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-alice", "pi-alice")
	createEntry(t, s, core.Anonymous(), "corr-anon", "pi-anon")
	createEntry(t, s, core.Internal(), "corr-internal", "pi-internal")

	// Bob sees the anonymous and internal records but not Alice's.
	correlations, err := s.GetAll(ctx, bob, 0, 0)
	require.NoError(t, err)
	require.Len(t, correlations, 2)

	// Alice sees her own record on top of those.
	correlations, err = s.GetAll(ctx, alice, 0, 0)
	require.NoError(t, err)
	require.Len(t, correlations, 3)

	// The super admin sees everything without holding the read claim.
	correlations, err = s.GetAll(ctx, admin, 0, 0)
	require.NoError(t, err)
	require.Len(t, correlations, 3)

	// A hidden correlation reads as missing, not as forbidden.
	_, err = s.GetByCorrelationID(ctx, bob, "corr-alice")
	require.ErrorIs(t, err, ErrCorrelationNotFound)

	_, err = s.GetByProcessInstanceID(ctx, bob, "pi-alice")
	require.ErrorIs(t, err, backend.ErrProcessInstanceNotFound)
}

func Test_Service_StateRollup(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")
	createEntry(t, s, alice, "corr-1", "pi-2")
	createEntry(t, s, alice, "corr-1", "pi-3")

	// One instance fails while another still runs: the correlation keeps
	// running.
	require.NoError(t, s.FinishProcessInstanceWithError(ctx, alice, "corr-1", "pi-1", &backend.Error{Message: "step failed"}))

	c, err := s.GetByCorrelationID(ctx, alice, "corr-1")
	require.NoError(t, err)
	require.Equal(t, CorrelationStateRunning, c.State)
	require.Len(t, c.ProcessInstances, 3)

	require.NoError(t, s.FinishProcessInstance(ctx, alice, "corr-1", "pi-2"))
	require.NoError(t, s.FinishProcessInstance(ctx, alice, "corr-1", "pi-3"))

	// Nothing runs anymore, the earlier failure now surfaces.
	c, err = s.GetByCorrelationID(ctx, alice, "corr-1")
	require.NoError(t, err)
	require.Equal(t, CorrelationStateError, c.State)
	require.NotNil(t, c.Error)
	require.Equal(t, "step failed", c.Error.Message)
}

func Test_Service_GetActive(t *testing.T) {
	s, _, c := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")
	c.Add(time.Second)
	createEntry(t, s, alice, "corr-2", "pi-2")

	require.NoError(t, s.FinishProcessInstance(ctx, alice, "corr-1", "pi-1"))

	active, err := s.GetActive(ctx, alice, 0, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "corr-2", active[0].ID)
}

func Test_Service_Subprocesses(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-parent")
	require.NoError(t, s.CreateEntry(ctx, alice, "corr-1", "pi-child-1", "model-sub", "hash-1", "pi-parent"))
	require.NoError(t, s.CreateEntry(ctx, alice, "corr-1", "pi-child-2", "model-sub", "hash-1", "pi-parent"))

	c, err := s.GetSubprocessesForProcessInstance(ctx, alice, "pi-parent")
	require.NoError(t, err)
	require.Len(t, c.ProcessInstances, 2)

	_, err = s.GetSubprocessesForProcessInstance(ctx, alice, "pi-child-1")
	require.ErrorIs(t, err, ErrCorrelationNotFound)
}

func Test_Service_TerminateRecordsIdentity(t *testing.T) {
	s, b, _ := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")

	require.NoError(t, s.TerminateProcessInstance(ctx, alice, "corr-1", "pi-1"))

	pi, err := b.GetProcessInstance(ctx, "pi-1")
	require.NoError(t, err)
	require.Equal(t, backend.ProcessInstanceStateFinished, pi.State)
	require.NotNil(t, pi.TerminatedBy)
	require.Equal(t, "alice", pi.TerminatedBy.UserID)
}

func Test_Service_DefinitionCache(t *testing.T) {
	defs := &countingDefinitionStore{
		defs: map[string]*Definition{
			"hash-1": {Name: "Order Fulfillment", XML: "<definitions/>"},
		},
	}

	s, _, _ := newTestService(t, defs)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")
	createEntry(t, s, alice, "corr-1", "pi-2")

	c, err := s.GetByCorrelationID(ctx, alice, "corr-1")
	require.NoError(t, err)
	require.Len(t, c.ProcessInstances, 2)
	require.Equal(t, "Order Fulfillment", c.ProcessInstances[0].ProcessModelName)
	require.Equal(t, "<definitions/>", c.ProcessInstances[0].ProcessModelXML)

	// Both instances share the hash, the store is hit once.
	require.Equal(t, 1, defs.calls)

	_, err = s.GetByCorrelationID(ctx, alice, "corr-1")
	require.NoError(t, err)
	require.Equal(t, 1, defs.calls)
}

func Test_Service_ProcessInstanceQueries(t *testing.T) {
	s, _, c := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")
	c.Add(time.Second)
	createEntry(t, s, alice, "corr-1", "pi-2")
	c.Add(time.Second)
	createEntry(t, s, alice, "corr-2", "pi-3")

	require.NoError(t, s.FinishProcessInstance(ctx, alice, "corr-1", "pi-1"))

	instances, err := s.GetProcessInstancesForCorrelation(ctx, alice, "corr-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	instances, err = s.GetProcessInstancesForProcessModel(ctx, alice, "model-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 3)

	instances, err = s.GetProcessInstancesByState(ctx, alice, backend.ProcessInstanceStateRunning, 0, 0)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	instances, err = s.GetProcessInstancesForProcessModel(ctx, alice, "model-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "pi-2", instances[0].ProcessInstanceID)
}

func Test_Service_DeleteByProcessModel(t *testing.T) {
	s, b, _ := newTestService(t, nil)
	ctx := context.Background()

	createEntry(t, s, alice, "corr-1", "pi-1")

	require.NoError(t, s.DeleteByProcessModel(ctx, alice, "model-1"))

	_, err := b.GetProcessInstance(ctx, "pi-1")
	require.ErrorIs(t, err, backend.ErrProcessInstanceNotFound)
}
