package linker

import (
	"fmt"

	"rrsld/pkg/utils"
)

func ReadInputFiles(ctx *Context, remaining []string) error {
	for _, arg := range remaining {
		switch arg {
		case "--whole-archive":
			ctx.Args.WholeArchive = true
			continue
		case "--no-whole-archive":
			ctx.Args.WholeArchive = false
			continue
		}
		var file *File
		var err error
		if name, ok := utils.RemovePrefix(arg, "-l"); ok {
			file, err = FindLibrary(ctx, name)
		} else {
			file, err = NewFile(arg)
		}
		if err != nil {
			return err
		}
		if err := ReadFile(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func ReadFile(ctx *Context, file *File) error {
	switch GetFileType(file.Contents) {
	case FileTypeObject:
		obj, err := CreateObjectFile(ctx, file, false)
		if err != nil {
			return err
		}
		ctx.Objs = append(ctx.Objs, obj)
		return obj.ResolveSymbols(ctx)
	case FileTypeArchive:
		ar, err := ReadArchive(file)
		if err != nil {
			return err
		}
		for _, m := range ar.Members {
			if err := checkMachine(ctx, m.File); err != nil {
				return err
			}
		}
		ar.whole = ctx.Args.WholeArchive
		ctx.Archives = append(ctx.Archives, ar)
		return ResolveArchive(ctx, ar)
	case FileTypeSharedLib:
		if ctx.Args.Static {
			return fmt.Errorf("%s: shared library in a static link", file.Name)
		}
		if err := checkMachine(ctx, file); err != nil {
			return err
		}
		lib, err := ReadSharedLib(ctx, file)
		if err != nil {
			return err
		}
		ctx.Shlibs = append(ctx.Shlibs, lib)
		return nil
	case FileTypeEmpty:
		return fmt.Errorf("%w: %s: empty file", ErrMalformed, file.Name)
	}
	return fmt.Errorf("%w: %s: unknown file type", ErrMalformed, file.Name)
}

func CreateObjectFile(ctx *Context, file *File, inLib bool) (*ObjectFile, error) {
	if err := checkMachine(ctx, file); err != nil {
		return nil, err
	}
	obj := NewObjectFile(file, !inLib)
	if err := obj.Parse(); err != nil {
		return nil, err
	}
	return obj, nil
}
