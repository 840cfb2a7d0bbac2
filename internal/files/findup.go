package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and then in each of its parents, returning the first match.
// It returns "" if there is none.
// Directories that can't be read are skipped.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		path := filepath.Join(curDir, name)
		fi, err := os.Stat(path)
		switch {
		case err == nil && fi.Mode().IsRegular():
			return path, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission):
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
