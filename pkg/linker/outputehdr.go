package linker

import (
	"os"

	"rrsld/pkg/aout"
)

// OutputEhdr assembles the exec header, the segments and the global
// symbol table of the output file.
type OutputEhdr struct {
	File *aout.File
}

func NewOutputEhdr(ctx *Context) *OutputEhdr {
	l := ctx.Layout
	hdr := ctx.Header
	hdr.Bss = uint32(l.BssSize)
	hdr.Entry = uint32(EntryAddr(ctx))
	f := &aout.File{
		Header:  hdr,
		Order:   ctx.Backend.ByteOrder(),
		PtrSize: ctx.Backend.PtrSize(),
		Text:    l.Text,
		Data:    l.Data,
		Symbols: OutputSymbols(ctx),
	}
	return &OutputEhdr{File: f}
}

// OutputSymbols lists the global symbols in symbol table order.
func OutputSymbols(ctx *Context) []aout.Symbol {
	var out []aout.Symbol
	for _, sym := range ctx.Symbols {
		if sym.Refs == 0 && sym.Def == nil && !sym.Synthetic {
			continue
		}
		s := aout.Symbol{Name: sym.Name, Value: uint32(sym.Value)}
		if sym.Def != nil {
			s.Other = sym.Def.Sym.Other
			s.Desc = sym.Def.Sym.Desc
		}
		switch {
		case sym.Kind == SymIndirect:
			s.Type = aout.NIndr | aout.NExt
			out = append(out, s)
			s = aout.Symbol{Name: sym.Alias.Name, Type: aout.NUndf | aout.NExt}
		case sym.Copy:
			s.Type = aout.NBss | aout.NExt
		case sym.Kind == SymCommon && ctx.Args.Shared:
			s.Type = aout.NUndf | aout.NExt
			s.Value = uint32(sym.CommonSize)
		case sym.Kind == SymCommon:
			s.Type = aout.NBss | aout.NExt
		case sym.IsDefined():
			s.Type = typeOf(sym.Kind) | aout.NExt
		default:
			s.Type = aout.NUndf | aout.NExt
			s.Value = 0
		}
		out = append(out, s)
	}
	return out
}

func (o *OutputEhdr) Encode() ([]byte, error) {
	return o.File.Encode()
}

// WriteOutput writes the linked image to path.
func WriteOutput(ctx *Context, path string) error {
	b, err := NewOutputEhdr(ctx).Encode()
	if err != nil {
		return err
	}
	ctx.Buf = b
	return os.WriteFile(path, b, 0o755)
}
