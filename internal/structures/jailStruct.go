package structures

// JailConfig holds everything the jail commands need. It is loaded from a
// YAML file (or filled with defaults when none exists) and passed by pointer
// into every component.
type JailConfig struct {
	ChrootDir      string   `yaml:"chroot_dir"`
	Suite          string   `yaml:"suite"`
	Mirror         string   `yaml:"mirror"`
	Shell          string   `yaml:"shell"`
	LogDir         string   `yaml:"log_dir"`
	TracePrefix    string   `yaml:"trace_prefix"`
	LogFile        string   `yaml:"log_file"`
	IgnorePrograms []string `yaml:"ignore_programs"`

	// Verbose comes from the command line, not the config file.
	Verbose bool `yaml:"-"`
}

// MountPoint describes one filesystem bound into the jail.
type MountPoint struct {
	RelPath string `yaml:"rel_path"`
	Source  string `yaml:"source"`
	FSType  string `yaml:"fstype"`
}
