// Package shlib names and finds shared libraries of the form
// lib<name>.so.<major>.<minor>.
package shlib

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/semver"
)

var ErrNotFound = errors.New("library not found")

// AnyMajor matches every major version.
const AnyMajor = -1

type Name struct {
	Lib   string
	Major int
	Minor int
}

func (n Name) String() string {
	return fmt.Sprintf("lib%s.so.%d.%d", n.Lib, n.Major, n.Minor)
}

func (n Name) version() string {
	return fmt.Sprintf("v%d.%d.0", n.Major, n.Minor)
}

// ParseName splits a file name like libc.so.12.3. A missing minor is 0.
func ParseName(file string) (Name, bool) {
	file = path.Base(filepath.ToSlash(file))
	if !strings.HasPrefix(file, "lib") {
		return Name{}, false
	}
	i := strings.Index(file, ".so.")
	if i < 4 {
		return Name{}, false
	}
	n := Name{Lib: file[3:i]}
	vers := strings.Split(file[i+4:], ".")
	if len(vers) < 1 || len(vers) > 2 {
		return Name{}, false
	}
	var err error
	if n.Major, err = strconv.Atoi(vers[0]); err != nil || n.Major < 0 {
		return Name{}, false
	}
	if len(vers) == 2 {
		if n.Minor, err = strconv.Atoi(vers[1]); err != nil || n.Minor < 0 {
			return Name{}, false
		}
	}
	return n, true
}

// SplitPath splits a colon separated search path, dropping empty entries.
func SplitPath(s string) []string {
	var dirs []string
	for _, d := range strings.Split(s, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Searcher looks for libraries in Dirs, in order.
type Searcher struct {
	Dirs []string
	// Open returns the file system rooted at dir; os.DirFS when nil.
	Open func(dir string) fs.FS
}

func (s *Searcher) fsys(dir string) fs.FS {
	if s.Open != nil {
		return s.Open(dir)
	}
	return os.DirFS(dir)
}

// Match is a library found on the search path.
type Match struct {
	Path string
	Name Name
	// Older is set when the best minor found is below the one asked for.
	Older bool
}

func validLib(lib string) bool {
	return lib != "" && !strings.ContainsAny(lib, "*?[]{}\\/")
}

func (s *Searcher) candidates(dir, lib string, major int) []Name {
	pattern := "lib" + lib + ".so.*"
	files, err := doublestar.Glob(s.fsys(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil
	}
	var names []Name
	for _, f := range files {
		n, ok := ParseName(f)
		if !ok || n.Lib != lib {
			continue
		}
		if major != AnyMajor && n.Major != major {
			continue
		}
		names = append(names, n)
	}
	return names
}

// Find returns the highest version of lib<lib>.so.<major>.* in the first
// directory that has one. A minor below the requested one is accepted and
// flagged Older.
func (s *Searcher) Find(lib string, major, minor int) (Match, error) {
	if !validLib(lib) {
		return Match{}, fmt.Errorf("%w: bad library name %q", ErrNotFound, lib)
	}
	for _, dir := range s.Dirs {
		names := s.candidates(dir, lib, major)
		if len(names) == 0 {
			continue
		}
		best := names[0]
		for _, n := range names[1:] {
			if semver.Compare(n.version(), best.version()) > 0 {
				best = n
			}
		}
		m := Match{Path: filepath.Join(dir, best.String()), Name: best}
		if major != AnyMajor && best.Minor < minor {
			m.Older = true
		}
		return m, nil
	}
	if major == AnyMajor {
		return Match{}, fmt.Errorf("%w: -l%s", ErrNotFound, lib)
	}
	return Match{}, fmt.Errorf("%w: -l%s.%d", ErrNotFound, lib, major)
}

// FindLibrary resolves a link-time -l<lib>. Each directory is tried in
// order, preferring a shared library over lib<lib>.a unless static is set.
func (s *Searcher) FindLibrary(lib string, static bool) (string, bool, error) {
	if !validLib(lib) {
		return "", false, fmt.Errorf("%w: bad library name %q", ErrNotFound, lib)
	}
	for _, dir := range s.Dirs {
		if !static {
			if names := s.candidates(dir, lib, AnyMajor); len(names) > 0 {
				m, err := (&Searcher{Dirs: []string{dir}, Open: s.Open}).Find(lib, AnyMajor, 0)
				if err == nil {
					return m.Path, true, nil
				}
			}
		}
		archive := "lib" + lib + ".a"
		if fi, err := fs.Stat(s.fsys(dir), archive); err == nil && !fi.IsDir() {
			return filepath.Join(dir, archive), false, nil
		}
	}
	return "", false, fmt.Errorf("%w: -l%s", ErrNotFound, lib)
}
