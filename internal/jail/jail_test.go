package jail

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jailctl/internal/structures"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testManager returns a Manager whose mount table is an ordinary temp file
// and whose mount/umount commands edit that file instead of touching the
// kernel. Every issued command is recorded in calls.
func testManager(t *testing.T) (*Manager, *[][]string) {
	t.Helper()

	dir := t.TempDir()
	mountsFile := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mountsFile, nil, 0o644))

	cfg := &structures.JailConfig{
		ChrootDir: filepath.Join(dir, "root"),
		Shell:     "/bin/sh",
	}

	calls := &[][]string{}
	m := NewManager(cfg, testLogger())
	m.mountsFile = mountsFile
	m.command = func(name string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string{name}, args...))
		switch name {
		case "mount":
			target := args[len(args)-1]
			return exec.Command("sh", "-c",
				fmt.Sprintf("echo 'none %s none rw 0 0' >> %s", target, mountsFile))
		case "umount":
			target := args[0]
			return exec.Command("sh", "-c",
				fmt.Sprintf("grep -v ' %s ' %s > %s.tmp; mv %s.tmp %s",
					target, mountsFile, mountsFile, mountsFile, mountsFile))
		}
		return exec.Command("true")
	}
	return m, calls
}

func countCalls(calls [][]string, name string) int {
	count := 0
	for _, call := range calls {
		if call[0] == name {
			count++
		}
	}
	return count
}

func TestMountAllThenUnmountAll(t *testing.T) {
	m, _ := testManager(t)

	require.NoError(t, m.MountAll())

	statuses, err := m.Status()
	require.NoError(t, err)
	require.Len(t, statuses, len(MountTable))
	for _, s := range statuses {
		assert.True(t, s.Mounted, s.Target)
	}

	assert.True(t, m.UnmountAll())

	statuses, err = m.Status()
	require.NoError(t, err)
	for _, s := range statuses {
		assert.False(t, s.Mounted, s.Target)
	}
}

func TestMountAllIdempotent(t *testing.T) {
	m, calls := testManager(t)

	require.NoError(t, m.MountAll())
	require.NoError(t, m.MountAll())

	assert.Equal(t, len(MountTable), countCalls(*calls, "mount"))
}

func TestUnmountAllWhenNothingMounted(t *testing.T) {
	m, calls := testManager(t)

	assert.False(t, m.UnmountAll())
	assert.Zero(t, countCalls(*calls, "umount"))
}

func TestMountAllFailsFast(t *testing.T) {
	m, calls := testManager(t)

	inner := m.command
	m.command = func(name string, args ...string) *exec.Cmd {
		if name == "mount" && args[1] == "/proc" {
			*calls = append(*calls, append([]string{name}, args...))
			return exec.Command("false")
		}
		return inner(name, args...)
	}

	err := m.MountAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/proc")

	// dev succeeded, proc failed, nothing after proc was attempted.
	assert.Equal(t, 2, countCalls(*calls, "mount"))
}

func TestUnmountOrderIsReversed(t *testing.T) {
	m, calls := testManager(t)

	require.NoError(t, m.MountAll())
	*calls = nil
	require.True(t, m.UnmountAll())

	var unmounted []string
	for _, call := range *calls {
		if call[0] == "umount" {
			unmounted = append(unmounted, call[1])
		}
	}

	require.Len(t, unmounted, len(MountTable))
	for i, mp := range MountTable {
		expected := filepath.Join(m.config.ChrootDir, mp.RelPath)
		assert.Equal(t, expected, unmounted[len(unmounted)-1-i])
	}
}

func TestUnmountAllToleratesFailures(t *testing.T) {
	m, _ := testManager(t)

	require.NoError(t, m.MountAll())
	m.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("false")
	}

	// Every umount fails; the pass still completes and reports that it
	// found mounted targets.
	assert.True(t, m.UnmountAll())
}

func TestCreateFailsWhenRootExists(t *testing.T) {
	m, calls := testManager(t)

	require.NoError(t, os.MkdirAll(m.config.ChrootDir, 0o755))

	err := m.Create()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Zero(t, countCalls(*calls, "debootstrap"))
}

func TestCreateRunsDebootstrap(t *testing.T) {
	m, calls := testManager(t)
	m.config.Suite = "stable"
	m.config.Mirror = "http://deb.debian.org/debian"

	require.NoError(t, m.Create())

	require.Equal(t, 1, countCalls(*calls, "debootstrap"))
	assert.Equal(t,
		[]string{"debootstrap", "stable", m.config.ChrootDir, "http://deb.debian.org/debian"},
		(*calls)[0])
}

func TestCheckDependencies(t *testing.T) {
	assert.NoError(t, CheckDependencies("sh"))

	err := CheckDependencies("sh", "jailctl-no-such-binary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jailctl-no-such-binary")
}
