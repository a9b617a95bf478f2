// ABOUTME: Tests for ExecRunner against real child processes
// ABOUTME: Skipped when no POSIX shell is available

package ops

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecRunner_ExitCode(t *testing.T) {
	sh := requireShell(t)

	res, err := ExecRunner{}.Run(context.Background(), t.TempDir(), []string{sh, "-c", "echo hi; echo oops >&2; exit 3"})

	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "hi")
	assert.Contains(t, res.Output, "oops")
}

func TestExecRunner_Timeout(t *testing.T) {
	sh := requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ExecRunner{}.Run(ctx, "", []string{sh, "-c", "sleep 5"})
	assert.ErrorIs(t, err, ErrCommandTimeout)
}

func TestExecRunner_Errors(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = ExecRunner{}.Run(context.Background(), "", []string{"/definitely/not/a/binary"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
}
