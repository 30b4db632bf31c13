package trace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jailctl/internal/structures"
)

func testSession(t *testing.T) (*Session, *[][]string) {
	t.Helper()

	dir := t.TempDir()
	cfg := &structures.JailConfig{
		ChrootDir:   filepath.Join(dir, "root"),
		Shell:       "/bin/bash",
		LogDir:      filepath.Join(dir, "logs"),
		TracePrefix: "daemon",
	}

	calls := &[][]string{}
	s := NewSession(cfg, testLogger())
	s.command = func(name string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string{name}, args...))
		return exec.Command("true")
	}
	return s, calls
}

func TestSessionRunBuildsTracerCommand(t *testing.T) {
	s, calls := testSession(t)

	require.NoError(t, s.Run())

	require.Len(t, *calls, 1)
	assert.Equal(t, []string{
		"strace", "-ff", "-tt",
		"-o", filepath.Join(s.config.LogDir, "daemon"),
		"chroot", s.config.ChrootDir, "/bin/bash",
	}, (*calls)[0])
}

func TestSessionRunSplitsShellArguments(t *testing.T) {
	s, calls := testSession(t)
	s.config.Shell = "/bin/bash --login"

	require.NoError(t, s.Run())

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, []string{"/bin/bash", "--login"}, call[len(call)-2:])
}

func TestSessionRunRejectsStaleTraceFiles(t *testing.T) {
	s, calls := testSession(t)

	require.NoError(t, os.MkdirAll(s.config.LogDir, 0o755))
	writeTrace(t, s.config.LogDir, "daemon.99", "leftover\n")

	err := s.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace files")
	assert.Empty(t, *calls)

	// The rejected session never started, so the stale file must survive
	// for the operator to move aside, not get swept into reconciliation.
	assert.False(t, s.Started())
	assert.FileExists(t, filepath.Join(s.config.LogDir, "daemon.99"))
}

func TestSessionStartedOnlyAfterTracerLaunch(t *testing.T) {
	s, _ := testSession(t)
	assert.False(t, s.Started())

	require.NoError(t, s.Run())
	assert.True(t, s.Started())
}

func TestSessionNotStartedWhenTracerFailsToLaunch(t *testing.T) {
	s, _ := testSession(t)
	s.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("jailctl-no-such-binary")
	}

	err := s.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start tracer")
	assert.False(t, s.Started())
}

func TestSessionRunIgnoresForeignFiles(t *testing.T) {
	s, _ := testSession(t)

	require.NoError(t, os.MkdirAll(s.config.LogDir, 0o755))
	writeTrace(t, s.config.LogDir, "vim_777.log", "already reconciled\n")
	writeTrace(t, s.config.LogDir, "README", "notes\n")

	assert.NoError(t, s.Run())
}
