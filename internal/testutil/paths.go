// Package testutil holds fixtures shared by unit and integration tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
)

// FindProjectRoot returns the closest directory at or above the working
// directory that holds go.mod. Go runs tests inside their package
// directory, so this is the module root.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above the working directory")
		}
		dir = parent
	}
}
