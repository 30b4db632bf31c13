package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jailctl/internal/structures"
)

// Defaults used when the config file is absent or leaves a field empty.
const (
	DefaultChrootDir   = "/var/chroot"
	DefaultSuite       = "stable"
	DefaultMirror      = "http://deb.debian.org/debian"
	DefaultShell       = "/bin/bash"
	DefaultLogDir      = "./chroot_daemon_logs"
	DefaultTracePrefix = "daemon"
	DefaultLogFile     = "/var/log/jailctl.log"
)

// DefaultIgnorePrograms are basenames of programs whose trace logs are noise:
// shells and the coreutils a login shell touches on its way up.
var DefaultIgnorePrograms = []string{
	"bash", "sh", "dash",
	"ls", "cat", "cp", "mv", "rm",
	"grep", "sed", "awk",
	"dircolors", "lesspipe", "basename", "dirname",
	"env", "id", "uname", "mesg", "touch", "clear",
}

// LoadConfig loads a YAML file into the given structure.
func LoadConfig(path string, config interface{}) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	return nil
}

// Default returns a JailConfig with every field set to its default.
func Default() *structures.JailConfig {
	return &structures.JailConfig{
		ChrootDir:      DefaultChrootDir,
		Suite:          DefaultSuite,
		Mirror:         DefaultMirror,
		Shell:          DefaultShell,
		LogDir:         DefaultLogDir,
		TracePrefix:    DefaultTracePrefix,
		LogFile:        DefaultLogFile,
		IgnorePrograms: DefaultIgnorePrograms,
	}
}

// Load reads the config file at path and backfills defaults for any field
// left empty. An empty path or a missing file yields the defaults.
func Load(path string) (*structures.JailConfig, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	loaded := &structures.JailConfig{}
	if err := LoadConfig(path, loaded); err != nil {
		return nil, err
	}

	if loaded.ChrootDir != "" {
		cfg.ChrootDir = loaded.ChrootDir
	}
	if loaded.Suite != "" {
		cfg.Suite = loaded.Suite
	}
	if loaded.Mirror != "" {
		cfg.Mirror = loaded.Mirror
	}
	if loaded.Shell != "" {
		cfg.Shell = loaded.Shell
	}
	if loaded.LogDir != "" {
		cfg.LogDir = loaded.LogDir
	}
	if loaded.TracePrefix != "" {
		cfg.TracePrefix = loaded.TracePrefix
	}
	if loaded.LogFile != "" {
		cfg.LogFile = loaded.LogFile
	}
	if len(loaded.IgnorePrograms) > 0 {
		cfg.IgnorePrograms = loaded.IgnorePrograms
	}

	return cfg, nil
}
