package cronjob

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
	auditor = core.Identity{UserID: "auditor", Token: "t-auditor"}
	nobody  = core.Identity{UserID: "nobody", Token: "t-nobody"}
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
			"auditor": {iam.ReadCronjobHistoryClaim},
		},
	}

	return NewService(b, cc), c
}

func Test_Service_RecordExecution(t *testing.T) {
	s, c := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, "model-1", "start-1", "0 * * * *"))
	c.Add(time.Hour)
	require.NoError(t, s.RecordExecution(ctx, "model-1", "start-1", "0 * * * *"))
	require.NoError(t, s.RecordExecution(ctx, "model-2", "start-2", "30 6 * * *"))

	entries, err := s.GetByProcessModel(ctx, auditor, "model-1", "start-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].ExecutedAt.After(entries[1].ExecutedAt))

	entries, err = s.GetByCrontab(ctx, auditor, "30 6 * * *", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "model-2", entries[0].ProcessModelID)

	entries, err = s.GetAll(ctx, auditor, 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func Test_Service_RejectsInvalidCrontab(t *testing.T) {
	s, _ := newTestService(t)

	err := s.RecordExecution(context.Background(), "model-1", "start-1", "not a crontab")
	require.Error(t, err)

	entries, err := s.GetAll(context.Background(), auditor, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func Test_Service_RequiresClaim(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.GetAll(context.Background(), nobody, 0, 0)
	require.ErrorIs(t, err, iam.ErrForbidden)
}
