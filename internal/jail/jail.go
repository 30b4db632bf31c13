package jail

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mgutz/str"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"jailctl/internal/structures"
)

// MountTable is the fixed set of filesystems bound into the jail, in mount
// order. dev must come before dev/pts; unmounting walks this table in
// reverse so children are released before their parents.
var MountTable = []structures.MountPoint{
	{RelPath: "dev", Source: "/dev", FSType: "bind"},
	{RelPath: "proc", Source: "/proc", FSType: "bind"},
	{RelPath: "sys", Source: "/sys", FSType: "bind"},
	{RelPath: "tmp", Source: "/tmp", FSType: "bind"},
	{RelPath: "dev/pts", Source: "devpts", FSType: "devpts"},
}

// Manager drives the mount lifecycle of a single jail root. The jail root
// and its mount table are host-global state; at most one live session per
// jail root is assumed, with no locking.
type Manager struct {
	config *structures.JailConfig
	log    *logrus.Entry

	// Injectable for tests.
	command    func(string, ...string) *exec.Cmd
	mountsFile string
}

func NewManager(cfg *structures.JailConfig, log *logrus.Entry) *Manager {
	return &Manager{
		config:     cfg,
		log:        log,
		command:    exec.Command,
		mountsFile: "/proc/mounts",
	}
}

// MountStatus is the observed state of one mount target.
type MountStatus struct {
	Target  string
	Mounted bool
}

// CheckDependencies fails on the first named command missing from PATH.
func CheckDependencies(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("required command %q not found in PATH", name)
		}
	}
	return nil
}

// Exists reports whether the jail root directory is present.
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.config.ChrootDir)
	return err == nil && info.IsDir()
}

// MountAll binds every entry of MountTable into the jail root, in order,
// skipping targets that are already mounted. The first mount failure aborts
// the remaining mounts; mounts already made in this call are left in place
// for the cleanup path to release.
func (m *Manager) MountAll() error {
	mounted, err := m.mountedTargets()
	if err != nil {
		return fmt.Errorf("reading mount table: %w", err)
	}

	for _, mp := range MountTable {
		target := filepath.Join(m.config.ChrootDir, mp.RelPath)

		if mounted[target] {
			m.log.Debugf("%s already mounted, skipping", target)
			continue
		}

		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create mount target %s: %w", target, err)
		}

		var cmd *exec.Cmd
		if mp.FSType == "bind" {
			cmd = m.command("mount", "--bind", mp.Source, target)
		} else {
			cmd = m.command("mount", "-t", mp.FSType, mp.Source, target)
		}

		m.log.Debugf("mounting %s on %s", mp.Source, target)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to mount %s to %s: %w (%s)",
				mp.Source, target, err, strings.TrimSpace(string(out)))
		}
	}

	return nil
}

// UnmountAll releases every mounted entry of MountTable in reverse order.
// Individual unmount failures are logged but never abort the pass. The
// return value reports whether at least one target was found mounted, so
// disconnect can short-circuit when there is nothing to do.
func (m *Manager) UnmountAll() bool {
	mounted, err := m.mountedTargets()
	if err != nil {
		m.log.Warnf("reading mount table: %v", err)
		return false
	}

	found := false
	for _, mp := range lo.Reverse(append([]structures.MountPoint{}, MountTable...)) {
		target := filepath.Join(m.config.ChrootDir, mp.RelPath)

		if !mounted[target] {
			m.log.Debugf("%s not mounted, skipping", target)
			continue
		}
		found = true

		if out, err := m.command("umount", target).CombinedOutput(); err != nil {
			m.log.Warnf("failed to unmount %s: %v (%s)", target, err, strings.TrimSpace(string(out)))
			continue
		}
		m.log.Infof("unmounted %s", target)
	}

	return found
}

// Status reports the jail's mount targets in table order.
func (m *Manager) Status() ([]MountStatus, error) {
	mounted, err := m.mountedTargets()
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}

	statuses := make([]MountStatus, 0, len(MountTable))
	for _, mp := range MountTable {
		target := filepath.Join(m.config.ChrootDir, mp.RelPath)
		statuses = append(statuses, MountStatus{Target: target, Mounted: mounted[target]})
	}
	return statuses, nil
}

// Create bootstraps a fresh base system into the jail root. The root must
// not already exist; a failed bootstrap leaves whatever debootstrap wrote.
func (m *Manager) Create() error {
	if _, err := os.Stat(m.config.ChrootDir); err == nil {
		return fmt.Errorf("jail root %s already exists", m.config.ChrootDir)
	}

	if err := os.MkdirAll(m.config.ChrootDir, 0o755); err != nil {
		return fmt.Errorf("failed to create jail root: %w", err)
	}

	m.log.Infof("bootstrapping %s from %s into %s", m.config.Suite, m.config.Mirror, m.config.ChrootDir)

	cmd := m.command("debootstrap", m.config.Suite, m.config.ChrootDir, m.config.Mirror)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("debootstrap failed: %w", err)
	}

	m.log.Infof("jail root %s created", m.config.ChrootDir)
	return nil
}

// Enter runs the configured shell inside the jail with the operator's
// terminal attached, blocking until the shell exits.
func (m *Manager) Enter() error {
	shell := str.ToArgv(m.config.Shell)
	args := append([]string{m.config.ChrootDir}, shell...)

	cmd := m.command("chroot", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	m.log.Infof("entering jail at %s", m.config.ChrootDir)
	return cmd.Run()
}

// mountedTargets parses the mounts table into a set of mount-point paths.
func (m *Manager) mountedTargets() (map[string]bool, error) {
	data, err := os.ReadFile(m.mountsFile)
	if err != nil {
		return nil, err
	}

	mounted := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			mounted[fields[1]] = true
		}
	}
	return mounted, nil
}
