package trace

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

// IgnoreSet holds program basenames whose trace logs are noise. Membership
// is exact-basename equality.
type IgnoreSet map[string]struct{}

func NewIgnoreSet(names ...string) IgnoreSet {
	set := make(IgnoreSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (s IgnoreSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Report summarizes one reconciliation pass. Kept holds final file names,
// Discarded and Skipped hold the original trace file names.
type Report struct {
	Kept      []string
	Discarded []string
	Skipped   []string
}

// Reconcile resolves every per-process trace file in logDir to a stable
// identity. Each "{prefix}.{pid}" file is scanned for its first execve
// record; the executed image's basename (or the synthetic name "pid{pid}"
// when the process never executed one) decides its fate: deleted when the
// basename is in the ignore set, otherwise renamed to
// "{basename}_{pid}.log". Distinct pids guarantee distinct final names even
// when two processes ran the same program. Per-file failures are logged and
// skipped, never fatal.
func Reconcile(logDir, prefix string, ignore IgnoreSet, log *logrus.Entry) (*Report, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory: %w", err)
	}

	report := &Report{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pid, ok := pidFromName(entry.Name(), prefix)
		if !ok {
			continue
		}
		path := filepath.Join(logDir, entry.Name())

		name := "pid" + strconv.Itoa(pid)
		file, err := os.Open(path)
		if err != nil {
			log.Warnf("skipping %s: %v", path, err)
			report.Skipped = append(report.Skipped, entry.Name())
			continue
		}
		if progPath, found := FirstExecPath(file); found {
			name = filepath.Base(progPath)
		}
		file.Close()

		if ignore.Contains(name) {
			if err := os.Remove(path); err != nil {
				log.Warnf("failed to remove %s: %v", path, err)
				report.Skipped = append(report.Skipped, entry.Name())
				continue
			}
			log.Debugf("discarded %s (%s)", entry.Name(), name)
			report.Discarded = append(report.Discarded, entry.Name())
			continue
		}

		final := fmt.Sprintf("%s_%d.log", name, pid)
		if err := os.Rename(path, filepath.Join(logDir, final)); err != nil {
			log.Warnf("failed to rename %s: %v", path, err)
			report.Skipped = append(report.Skipped, entry.Name())
			continue
		}
		log.Debugf("kept %s as %s", entry.Name(), final)
		report.Kept = append(report.Kept, final)
	}

	return report, nil
}

// NormalizeOwnership hands the log directory back to the non-privileged
// user the session ran on behalf of. Name resolution failure is an error;
// everything past it is best-effort.
func NormalizeOwnership(logDir, username string, log *logrus.Entry) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}

	NormalizeTree(logDir, uid, gid, log)
	return nil
}

// NormalizeTree chowns every entry under dir to uid/gid and sets directories
// to rwxr-xr-x and files to rw-r--r--. Failures on individual entries are
// logged and do not stop the walk.
func NormalizeTree(dir string, uid, gid int, log *logrus.Entry) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("skipping %s: %v", path, err)
			return nil
		}
		if err := os.Chown(path, uid, gid); err != nil {
			log.Warnf("failed to chown %s: %v", path, err)
		}
		mode := fs.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		if err := os.Chmod(path, mode); err != nil {
			log.Warnf("failed to chmod %s: %v", path, err)
		}
		return nil
	})
}
