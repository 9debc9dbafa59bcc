package linker

import (
	"fmt"

	"rrsld/pkg/aout"
	"rrsld/pkg/shlib"
)

// SharedLib is a shared object named on the command line. Its dynamic
// section is read the same way the run-time loader reads it.
type SharedLib struct {
	File    *File
	Aout    *aout.File
	Dynamic *aout.Dynamic
	Needed  aout.Needed
}

// SharedDef is a definition exported by a shared library input.
type SharedDef struct {
	Lib *SharedLib
	Sym *aout.DynSymbol
}

func ReadSharedLib(ctx *Context, file *File) (*SharedLib, error) {
	f, err := aout.Parse(file.Contents)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Name, err)
	}
	mem := aout.NewImageMemory(f, ctx.Backend.PageSize(), 0)
	dynAddr := aout.DataAddr(&f.Header, ctx.Backend.PageSize())
	d, err := aout.ReadDynamic(mem, dynAddr, 0, f.Order, f.PtrSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Name, err)
	}
	lib := &SharedLib{File: file, Aout: f, Dynamic: d}
	if n, ok := shlib.ParseName(file.Name); ok {
		lib.Needed = aout.Needed{Name: n.Lib, Library: true, Major: n.Major, Minor: n.Minor}
	} else {
		lib.Needed = aout.Needed{Name: file.Name}
	}

	for i := range d.Symbols {
		s := &d.Symbols[i]
		if !s.IsExt() || !s.IsDefined() {
			continue
		}
		if _, ok := ctx.SharedSyms[s.Name]; ok {
			continue
		}
		def := &SharedDef{Lib: lib, Sym: s}
		ctx.SharedSyms[s.Name] = def
		if sym, ok := LookupSymbol(ctx, s.Name); ok && sym.SharedDef == nil {
			sym.SharedDef = def
		}
	}
	return lib, nil
}
