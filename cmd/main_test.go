package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportFatalAppendsToPersistentLog(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "jailctl.log")
	cfgFile := filepath.Join(dir, "jailctl.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log_file: "+logFile+"\n"), 0o644))

	prevConfigPath, prevLog := configPath, activeLog
	configPath, activeLog = cfgFile, nil
	t.Cleanup(func() { configPath, activeLog = prevConfigPath, prevLog })

	reportFatal(fmt.Errorf("failed to mount /dev to /var/chroot/dev"))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "time=")
	assert.Contains(t, string(data), "level=error")
	assert.Contains(t, string(data), "failed to mount /dev")
}

func TestReportFatalUsesCommandLogger(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "jailctl.log")
	cfgFile := filepath.Join(dir, "jailctl.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log_file: "+logFile+"\n"), 0o644))

	prevConfigPath, prevLog := configPath, activeLog
	configPath, activeLog = cfgFile, nil
	t.Cleanup(func() { configPath, activeLog = prevConfigPath, prevLog })

	// setup() keeps its logger around for the fatal path.
	_, log, err := setup()
	require.NoError(t, err)
	require.Same(t, log, activeLog)

	reportFatal(fmt.Errorf("debootstrap failed: exit status 1"))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=error")
	assert.Contains(t, string(data), "debootstrap failed")
}
