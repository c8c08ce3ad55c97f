package sentinel

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func Test_Unit_InitCheckInterrupt_FirstRun_NoPrior(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	prior, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)
	require.False(t, prior)

	exists, err := afero.Exists(fsys, "/cache/rirb/stat/uuid-1")
	require.NoError(t, err)
	require.True(t, exists)
}

func Test_Unit_InitCheckInterrupt_SentinelLeftBehind_ReportsPrior(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	_, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)

	prior, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)
	require.True(t, prior)
}

func Test_Unit_InitCheckInterrupt_DifferentUUID_NoPrior(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	_, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)

	prior, err := InitCheckInterrupt(fsys, "/cache", "uuid-2")
	require.NoError(t, err)
	require.False(t, prior)
}

func Test_Unit_EndCheckInterrupt_RemovesSentinel(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	_, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)

	require.NoError(t, EndCheckInterrupt(fsys, "/cache", "uuid-1"))

	exists, err := afero.Exists(fsys, "/cache/rirb/stat/uuid-1")
	require.NoError(t, err)
	require.False(t, exists)

	prior, err := InitCheckInterrupt(fsys, "/cache", "uuid-1")
	require.NoError(t, err)
	require.False(t, prior)
}

func Test_Unit_EndCheckInterrupt_AlreadyRemoved_NoError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	require.NoError(t, EndCheckInterrupt(fsys, "/cache", "never-started"))
}
