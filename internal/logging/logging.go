package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"jailctl/internal/structures"
)

// NewLogger returns a logger that writes timestamped, severity-tagged lines
// to the operator's stderr and, when the config names a log file, appends the
// same lines there. A log file that cannot be opened degrades to stderr only.
func NewLogger(cfg *structures.JailConfig) *logrus.Entry {
	log := logrus.New()

	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}

	out := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open log file %s: %v\n", cfg.LogFile, err)
		} else {
			out = io.MultiWriter(os.Stderr, file)
		}
	}
	log.SetOutput(out)

	return log.WithField("jail", cfg.ChrootDir)
}
