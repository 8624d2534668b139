package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/test"
)

func Test_SqliteBackend(t *testing.T) {
	test.BackendTest(t, func(opts ...backend.BackendOption) backend.Backend {
		b, err := NewInMemoryBackend(opts...)
		require.NoError(t, err)
		return b
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())
	})
}
