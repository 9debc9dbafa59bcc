package shlib

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
		ok   bool
	}{
		{"libc.so.12.3", Name{"c", 12, 3}, true},
		{"/usr/lib/libm.so.2", Name{"m", 2, 0}, true},
		{"libfoo.bar.so.1.10", Name{"foo.bar", 1, 10}, true},
		{"libc.a", Name{}, false},
		{"lib.so.1.0", Name{}, false},
		{"libc.so.x.1", Name{}, false},
		{"libc.so.1.2.3", Name{}, false},
		{"crt0.o", Name{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseName(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseName(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if s := (Name{"c", 12, 3}).String(); s != "libc.so.12.3" {
		t.Errorf("String() = %q", s)
	}
}

func mapSearcher(dirs map[string]fstest.MapFS, order ...string) *Searcher {
	return &Searcher{
		Dirs: order,
		Open: func(dir string) fs.FS {
			if m, ok := dirs[dir]; ok {
				return m
			}
			return fstest.MapFS{}
		},
	}
}

func TestFind(t *testing.T) {
	s := mapSearcher(map[string]fstest.MapFS{
		"/a": {"libfoo.so.1.2": {}, "libfoo.so.1.10": {}, "libfoo.so.2.0": {}, "libbar.a": {}},
		"/b": {"libfoo.so.1.99": {}, "libbaz.so.3.1": {}},
	}, "/a", "/b")

	m, err := s.Find("foo", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Path != filepath.Join("/a", "libfoo.so.1.10") || m.Older {
		t.Errorf("Find(foo, 1) = %+v", m)
	}

	m, err = s.Find("foo", AnyMajor, 0)
	if err != nil || m.Name != (Name{"foo", 2, 0}) {
		t.Errorf("Find(foo, any) = %+v, %v", m, err)
	}

	m, err = s.Find("baz", 3, 4)
	if err != nil || !m.Older || m.Path != filepath.Join("/b", "libbaz.so.3.1") {
		t.Errorf("Find(baz, 3.4) = %+v, %v", m, err)
	}

	if _, err := s.Find("foo", 7, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(foo, 7) err = %v", err)
	}
	if _, err := s.Find("f*", 1, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("pattern name err = %v", err)
	}
}

func TestFindLibrary(t *testing.T) {
	s := mapSearcher(map[string]fstest.MapFS{
		"/a": {"libbar.a": {}},
		"/b": {"libfoo.so.1.0": {}, "libfoo.a": {}, "libbar.so.2.0": {}},
	}, "/a", "/b")

	tests := []struct {
		lib    string
		static bool
		path   string
		shared bool
	}{
		{"foo", false, filepath.Join("/b", "libfoo.so.1.0"), true},
		{"foo", true, filepath.Join("/b", "libfoo.a"), false},
		{"bar", false, filepath.Join("/a", "libbar.a"), false},
	}
	for _, tt := range tests {
		p, shared, err := s.FindLibrary(tt.lib, tt.static)
		if err != nil || p != tt.path || shared != tt.shared {
			t.Errorf("FindLibrary(%s, %v) = %s, %v, %v", tt.lib, tt.static, p, shared, err)
		}
	}
	if _, _, err := s.FindLibrary("nope", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestFindOnDisk(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"libz.so.1.1", "libz.so.1.3"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := &Searcher{Dirs: []string{filepath.Join(dir, "missing"), dir}}
	m, err := s.Find("z", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if m.Path != filepath.Join(dir, "libz.so.1.3") || m.Older {
		t.Errorf("Find = %+v", m)
	}
}

func TestSplitPath(t *testing.T) {
	got := SplitPath("/a::/b:")
	if len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("SplitPath = %q", got)
	}
}
