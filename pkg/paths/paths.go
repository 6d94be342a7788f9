// Package paths centralizes filesystem locations used by the pulse daemon.
package paths

import (
	"os"
	"path/filepath"
)

// RuntimeDir returns the pulse runtime directory, ~/.pulse by default.
// PULSE_RUNTIME_DIR overrides it, mainly for tests.
func RuntimeDir() string {
	if dir := os.Getenv("PULSE_RUNTIME_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse"
	}
	return filepath.Join(home, ".pulse")
}

// PidFilePath returns the daemon pidfile location.
func PidFilePath() string {
	return filepath.Join(RuntimeDir(), "pulsed.pid")
}

// LogDir returns the directory for component log files.
func LogDir() string {
	return filepath.Join(RuntimeDir(), "logs")
}
