package trace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"

	"jailctl/internal/structures"
)

// Session runs the jail shell under strace, fanning out one trace file per
// process so every forked descendant is captured independently.
type Session struct {
	config  *structures.JailConfig
	log     *logrus.Entry
	mutex   sync.Mutex
	started bool

	// Injectable for tests.
	command func(string, ...string) *exec.Cmd
}

func NewSession(cfg *structures.JailConfig, log *logrus.Entry) *Session {
	return &Session{
		config:  cfg,
		log:     log,
		command: exec.Command,
	}
}

// Run blocks until the traced jail shell exits. It refuses to start when the
// log directory already holds trace files with this session's prefix:
// reconciliation cannot tell a stale file from a live one, so a dirty
// directory is rejected up front instead of silently misattributing logs.
func (s *Session) Run() error {
	if err := os.MkdirAll(s.config.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	stale, err := s.staleTraceFiles()
	if err != nil {
		return fmt.Errorf("scanning log directory: %w", err)
	}
	if len(stale) > 0 {
		return fmt.Errorf("log directory %s already holds %d trace files with prefix %q; move them aside before connecting",
			s.config.LogDir, len(stale), s.config.TracePrefix)
	}

	outPrefix := filepath.Join(s.config.LogDir, s.config.TracePrefix)
	shell := str.ToArgv(s.config.Shell)

	args := []string{"-ff", "-tt", "-o", outPrefix, "chroot", s.config.ChrootDir}
	args = append(args, shell...)

	cmd := s.command("strace", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	s.log.Infof("entering traced jail at %s, trace logs under %s", s.config.ChrootDir, s.config.LogDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tracer: %w", err)
	}

	s.mutex.Lock()
	s.started = true
	s.mutex.Unlock()

	return cmd.Wait()
}

// Started reports whether the tracer was launched, meaning the log directory
// may hold trace files worth reconciling.
func (s *Session) Started() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.started
}

func (s *Session) staleTraceFiles() ([]string, error) {
	entries, err := os.ReadDir(s.config.LogDir)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := pidFromName(entry.Name(), s.config.TracePrefix); ok {
			stale = append(stale, entry.Name())
		}
	}
	return stale, nil
}
