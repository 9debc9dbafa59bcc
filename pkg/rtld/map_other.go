//go:build !unix

package rtld

import (
	"os"
	"path/filepath"
)

type fileID struct {
	dev, ino uint64
	path     string
}

func identify(path string) (fileID, error) {
	if _, err := os.Stat(path); err != nil {
		return fileID{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fileID{}, err
	}
	return fileID{path: filepath.Clean(abs)}, nil
}

func readImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}
