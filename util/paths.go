package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("COMPANION_BLUE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".companion-blue-data")
}

// SetRandom points the data directory at a fresh temporary directory so
// concurrent test runs cannot see each other's sockets or device files.
func SetRandom() {
	dir, err := os.MkdirTemp("", "companion-blue-test-")
	if err != nil {
		panic(err)
	}
	os.Setenv("COMPANION_BLUE_DIR", dir)
}

// GetDeviceDir returns the per-device directory (advertising data, GATT table)
func GetDeviceDir(deviceUUID string) string {
	return filepath.Join(GetDataDir(), deviceUUID)
}

// GetSocketDir returns the directory where Unix domain sockets are stored
func GetSocketDir() string {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	// Ensure the directory exists
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		panic(err)
	}
	return socketDir
}
