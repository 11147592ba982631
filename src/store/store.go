// Package store owns the daemon's persistent state files under
// $HOME/.terminal-tunnel: the tab index, PIN settings and the favorites
// and commands collections. Every file is read and written as a whole
// under a single-writer mutex, with atomic rename writes and owner-only
// permissions.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// dirName is the state directory under the user's home.
	dirName = ".terminal-tunnel"

	dirPerm  = 0o700
	filePerm = 0o600
)

// DefaultDir returns the daemon's state directory, creating it with
// owner-only permissions if needed.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

// writeFileAtomic writes data to path via a temp file and rename, so a
// crash mid-write never leaves a truncated store behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
