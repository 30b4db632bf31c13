package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"jailctl/internal/config"
	"jailctl/internal/jail"
	"jailctl/internal/logging"
	"jailctl/internal/structures"
	"jailctl/internal/trace"
)

const (
	installPath    = "/usr/local/bin/jailctl"
	completionPath = "/etc/bash_completion.d/jailctl"
)

var (
	configPath string
	verbose    bool
	daemon     bool

	// activeLog is the logger setup() built for the running command, kept
	// so a fatal error on the way out still reaches the persistent log.
	activeLog *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:   "jailctl",
	Short: "jailctl - create and manage a chroot jail",
	Long: `jailctl creates a Debian-style chroot jail with debootstrap, binds the
host's /dev, /proc, /sys and /tmp into it, and opens an interactive shell
inside. With --daemon the session runs under strace and the per-process
trace logs are renamed after the resolved program of each traced process.
`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Bootstrap a new jail root",
	Long: `Bootstrap a fresh base system into the jail root with debootstrap.
The jail root must not already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureRoot(); err != nil {
			return err
		}
		if err := jail.CheckDependencies("debootstrap"); err != nil {
			return err
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return jail.NewManager(cfg, log).Create()
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Mount the jail filesystems and open a shell inside",
	Long: `Mount /dev, /proc, /sys, /tmp and devpts into the jail root and open an
interactive shell inside it. Everything mounted here is unmounted again when
the shell exits, on error, or on SIGINT/SIGTERM/SIGHUP.

With --daemon the shell runs under strace following every fork; after the
session the per-process trace logs are renamed to {program}_{pid}.log,
noise programs are discarded, and the log directory is handed back to the
invoking user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureRoot(); err != nil {
			return err
		}

		deps := []string{"mount", "umount", "chroot"}
		if daemon {
			deps = append(deps, "strace")
		}
		if err := jail.CheckDependencies(deps...); err != nil {
			return err
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return runConnect(cfg, log)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Unmount the jail filesystems",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureRoot(); err != nil {
			return err
		}
		if err := jail.CheckDependencies("umount"); err != nil {
			return err
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}

		if !jail.NewManager(cfg, log).UnmountAll() {
			fmt.Println("Nothing to disconnect.")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the jail root and mount state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		manager := jail.NewManager(cfg, log)

		if !manager.Exists() {
			color.New(color.FgRed).Printf("Jail root %s does not exist. Run 'jailctl create' first.\n", cfg.ChrootDir)
			return nil
		}
		color.New(color.FgGreen).Printf("Jail root: %s\n", cfg.ChrootDir)

		statuses, err := manager.Status()
		if err != nil {
			return err
		}
		for _, s := range statuses {
			if s.Mounted {
				color.New(color.FgGreen).Printf("  mounted      %s\n", s.Target)
			} else {
				color.New(color.FgYellow).Printf("  not mounted  %s\n", s.Target)
			}
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install jailctl to " + installPath,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureRoot(); err != nil {
			return err
		}

		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving own executable: %w", err)
		}
		if err := copyFile(self, installPath, 0o755); err != nil {
			return fmt.Errorf("installing to %s: %w", installPath, err)
		}
		fmt.Printf("Installed %s\n", installPath)

		// Shell completion is optional: only written when the host has the
		// bash-completion drop-in directory.
		if info, err := os.Stat("/etc/bash_completion.d"); err == nil && info.IsDir() {
			if err := rootCmd.GenBashCompletionFile(completionPath); err != nil {
				fmt.Printf("Warning: could not write completion file: %v\n", err)
			} else {
				fmt.Printf("Installed %s\n", completionPath)
			}
		}
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove jailctl from " + installPath,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureRoot(); err != nil {
			return err
		}

		removed := false
		for _, path := range []string{installPath, completionPath} {
			err := os.Remove(path)
			if err == nil {
				fmt.Printf("Removed %s\n", path)
				removed = true
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
		if !removed {
			fmt.Println("jailctl is not installed.")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of jailctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("jailctl v0.1.0")
	},
}

// runConnect drives a full session: mount, shell (traced or plain), cleanup.
// The release function runs exactly once on every exit path, including the
// termination signals, so the mount table never leaks past the session.
func runConnect(cfg *structures.JailConfig, log *logrus.Entry) error {
	manager := jail.NewManager(cfg, log)

	if !manager.Exists() {
		return fmt.Errorf("jail root %s does not exist, run 'jailctl create' first", cfg.ChrootDir)
	}

	if !confirm(fmt.Sprintf("Connect to jail at %s?", cfg.ChrootDir)) {
		fmt.Println("Aborted.")
		return nil
	}

	// Reconciliation only makes sense once the tracer actually produced
	// files: an aborted prompt, a failed mount, or a rejected stale log
	// directory must leave the directory untouched.
	var session *trace.Session
	var once sync.Once
	release := func() {
		once.Do(func() {
			if !manager.UnmountAll() {
				log.Debug("no mounts left to release")
			}
			if session != nil && session.Started() {
				reconcileLogs(cfg, log)
			}
		})
	}
	defer release()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Warnf("received %s, cleaning up", sig)
		release()
		os.Exit(1)
	}()

	if err := manager.MountAll(); err != nil {
		return err
	}

	var err error
	if daemon {
		session = trace.NewSession(cfg, log)
		err = session.Run()
	} else {
		err = manager.Enter()
	}

	// A shell the operator left with a non-zero status is a normal session
	// end, not a jailctl failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Infof("session ended with status %d", exitErr.ExitCode())
		return nil
	}
	return err
}

// reconcileLogs turns the raw per-process trace files into their final
// {program}_{pid}.log identities and hands the directory back to the
// invoking user. Best-effort: failures here never mask the session result.
func reconcileLogs(cfg *structures.JailConfig, log *logrus.Entry) {
	ignore := trace.NewIgnoreSet(cfg.IgnorePrograms...)

	report, err := trace.Reconcile(cfg.LogDir, cfg.TracePrefix, ignore, log)
	if err != nil {
		log.Warnf("reconciling trace logs: %v", err)
		return
	}
	log.Infof("trace logs reconciled: %d kept, %d discarded, %d skipped",
		len(report.Kept), len(report.Discarded), len(report.Skipped))

	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		log.Debug("SUDO_USER not set, leaving log ownership unchanged")
		return
	}
	if err := trace.NormalizeOwnership(cfg.LogDir, sudoUser, log); err != nil {
		log.Warnf("normalizing log ownership: %v", err)
	}
}

// ensureRoot re-executes the current invocation under sudo with the
// environment preserved when not already running as root. On re-execution
// the parent exits with the child's status and never returns.
func ensureRoot() error {
	if os.Geteuid() == 0 {
		return nil
	}

	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("this command requires root and sudo is not available: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}

	cmd := exec.Command(sudoPath, append([]string{"-E", self}, os.Args[1:]...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("re-executing under sudo: %w", err)
	}
	os.Exit(0)
	return nil
}

// confirm blocks on a yes/no prompt, defaulting to no.
func confirm(prompt string) bool {
	color.New(color.FgYellow).Printf("%s [y/N]: ", prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// setup loads the config and builds the shared logger.
func setup() (*structures.JailConfig, *logrus.Entry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Verbose = verbose
	activeLog = logging.NewLogger(cfg)
	return cfg, activeLog, nil
}

// reportFatal prints the error for the operator and records it in the
// persistent log before the process exits non-zero. Errors raised before
// setup() ran (privilege and dependency checks) get a logger built from the
// configured log file.
func reportFatal(err error) {
	log := activeLog
	if log == nil {
		if cfg, cfgErr := config.Load(configPath); cfgErr == nil {
			cfg.Verbose = verbose
			log = logging.NewLogger(cfg)
		}
	}
	if log != nil {
		log.Error(err)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if verbose {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, 0).ErrorStack())
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/jailctl.yaml", "Path to the configuration file")

	connectCmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run the session under strace and reconcile the trace logs afterwards")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportFatal(err)
		os.Exit(1)
	}
}
