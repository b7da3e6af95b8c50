package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.seagoat/logs/).
// Falls back to the temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".seagoat", "logs")
	}
	return filepath.Join(home, ".seagoat", "logs")
}

// DefaultLogPath returns the default engine log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "engine.log")
}
