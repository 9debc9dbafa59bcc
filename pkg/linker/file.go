package linker

import (
	"bytes"
	"fmt"
	"os"

	"rrsld/pkg/aout"
	"rrsld/pkg/shlib"
)

type File struct {
	Name     string
	Contents []byte
	Parent   *File
}

func NewFile(filename string) (*File, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return &File{Name: filename, Contents: contents}, nil
}

// DisplayName names archive members as archive(member).
func (f *File) DisplayName() string {
	if f.Parent != nil {
		return fmt.Sprintf("%s(%s)", f.Parent.Name, f.Name)
	}
	return f.Name
}

type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeArchive
	FileTypeSharedLib
)

const ArMagic = "!<arch>\n"

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}
	if bytes.HasPrefix(contents, []byte(ArMagic)) {
		return FileTypeArchive
	}
	if aout.IsObject(contents) {
		f, err := aout.Parse(contents)
		if err == nil && f.Header.IsDynamic() && f.Header.IsPIC() {
			return FileTypeSharedLib
		}
		return FileTypeObject
	}
	return FileTypeUnknown
}

// FindLibrary resolves -l<name> against the library search path.
func FindLibrary(ctx *Context, name string) (*File, error) {
	s := &shlib.Searcher{Dirs: ctx.Args.LibraryPaths}
	path, _, err := s.FindLibrary(name, ctx.Args.Static)
	if err != nil {
		return nil, err
	}
	return NewFile(path)
}
