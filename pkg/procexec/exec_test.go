package procexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), t.TempDir(), time.Second, "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello")
	require.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), t.TempDir(), time.Second, "sh", "-c", "exit 3")
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), t.TempDir(), 50*time.Millisecond, "sleep", "5")
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}
