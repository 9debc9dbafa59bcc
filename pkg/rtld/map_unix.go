//go:build unix

package rtld

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileID identifies a mapped file independent of the name it was found by.
type fileID struct {
	dev, ino uint64
	path     string
}

func identify(path string) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileID{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// readImage maps path read-only and returns a private copy of it.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	n := int(st.Size())
	if n == 0 {
		return nil, nil
	}
	m, err := unix.Mmap(int(f.Fd()), 0, n, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	b := make([]byte, n)
	copy(b, m)
	if err := unix.Munmap(m); err != nil {
		return nil, os.NewSyscallError("munmap", err)
	}
	return b, nil
}
