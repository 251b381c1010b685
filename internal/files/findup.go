package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and each of its parents, and returns the first path found.
// It returns fs.ErrNotExist if no directory up to the root has it.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fs.ErrNotExist
		}
		curDir = newDir
	}
}
