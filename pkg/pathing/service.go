package pathing

import (
	"os"
	"path/filepath"
)

// EnsureDirs creates the required directories.
// Called once from main, before the database is opened.
func EnsureDirs() error {
	dirs := []string{
		GetDataDir(),
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	}
	return nil
}

func GetTotalsDbPath() string {
	return filepath.Join(GetDataDir(), "s0pcm-totals.db")
}

func GetDataDir() string {
	if dir := os.Getenv("S0PCM_BRIDGE_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/s0pcm-bridge"
}

func GetConfigDir() string {
	if dir := os.Getenv("S0PCM_BRIDGE_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/s0pcm-bridge"
}
