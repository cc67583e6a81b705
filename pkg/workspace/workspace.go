package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sambigeara/lonip/pkg/perm"
)

const (
	rootDir   = ".lonip"
	stateFile = "channel.cfg"
)

// EnsureDir returns dir, or ~/.lonip when dir is empty, creating it.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		base, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("unable to retrieve user home dir: %w", err)
		}
		dir = filepath.Join(base, rootDir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create state dir: %w", err)
	}
	if err := perm.SetGroupDir(dir); err != nil {
		return "", err
	}

	return dir, nil
}

// StateFile is the name of the persisted channel blob inside the state dir.
func StateFile() string {
	return stateFile
}
