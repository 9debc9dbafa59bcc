package linker

import (
	"fmt"

	"rrsld/pkg/aout"
)

// LocalSymbol is one nlist entry of an input object.
type LocalSymbol struct {
	File      *ObjectFile
	Index     int
	Sym       *aout.Symbol
	GotOffset int64
}

// Addr is the output address of a defined entry.
func (l *LocalSymbol) Addr() uint64 {
	return l.File.Relocate(l.Sym.Kind(), uint64(l.Sym.Value))
}

type ObjectFile struct {
	File    *File
	Aout    *aout.File
	IsAlive bool
	// Position is the member index within its archive.
	Position int

	Locals  []LocalSymbol
	Symbols []*Symbol

	TextAddr uint64
	DataAddr uint64
	BssAddr  uint64
}

func NewObjectFile(file *File, isAlive bool) *ObjectFile {
	return &ObjectFile{File: file, IsAlive: isAlive}
}

func (o *ObjectFile) Parse() error {
	f, err := aout.Parse(o.File.Contents)
	if err != nil {
		return fmt.Errorf("%s: %w", o.File.DisplayName(), err)
	}
	if f.Header.Magic() != aout.OMAGIC {
		return fmt.Errorf("%w: %s: not a relocatable object", ErrMalformed, o.File.DisplayName())
	}
	o.Aout = f
	o.Locals = make([]LocalSymbol, len(f.Symbols))
	for i := range f.Symbols {
		o.Locals[i] = LocalSymbol{File: o, Index: i, Sym: &f.Symbols[i], GotOffset: -1}
	}
	o.Symbols = make([]*Symbol, len(f.Symbols))
	return nil
}

func (o *ObjectFile) TextSize() uint64 { return uint64(o.Aout.Header.Text) }
func (o *ObjectFile) DataSize() uint64 { return uint64(o.Aout.Header.Data) }
func (o *ObjectFile) BssSize() uint64  { return uint64(o.Aout.Header.Bss) }

// localStart is where a segment begins in the object's own address space:
// text at 0, data after text, bss after data.
func (o *ObjectFile) localStart(kind uint8) uint64 {
	switch kind {
	case aout.NData:
		return o.TextSize()
	case aout.NBss:
		return o.TextSize() + o.DataSize()
	}
	return 0
}

func (o *ObjectFile) outStart(kind uint8) uint64 {
	switch kind {
	case aout.NText:
		return o.TextAddr
	case aout.NData:
		return o.DataAddr
	case aout.NBss:
		return o.BssAddr
	}
	return 0
}

// Delta is the displacement applied to addresses in a segment.
func (o *ObjectFile) Delta(kind uint8) uint64 {
	if kind == aout.NAbs || kind == aout.NUndf {
		return 0
	}
	return o.outStart(kind) - o.localStart(kind)
}

// Relocate maps an object-local address in segment kind to its output
// address.
func (o *ObjectFile) Relocate(kind uint8, v uint64) uint64 {
	return v + o.Delta(kind)
}

// GlobalNames lists the external definitions of the object without
// entering them into the symbol table: defs maps each defined name to
// whether the definition is real, commons holds the declared common sizes.
// Archive members are scanned this way before they are pulled in.
func (o *ObjectFile) GlobalNames() (defs map[string]bool, commons map[string]uint64) {
	defs = map[string]bool{}
	commons = map[string]uint64{}
	syms := o.Aout.Symbols
	for i := range syms {
		s := &syms[i]
		if s.IsStab() || !s.IsExt() || s.Type == aout.NFn {
			continue
		}
		switch {
		case s.Kind() == aout.NIndr:
			defs[s.Name] = true
		case s.Kind() == aout.NSize:
		case s.IsCommon():
			if _, ok := defs[s.Name]; !ok {
				defs[s.Name] = false
			}
			commons[s.Name] = max(commons[s.Name], uint64(s.Value))
		case s.IsDefinition():
			defs[s.Name] = true
		}
	}
	return defs, commons
}

// ResolveSymbols enters the object's external symbols into the symbol
// table.
func (o *ObjectFile) ResolveSymbols(ctx *Context) error {
	syms := o.Aout.Symbols
	warning := ""
	for i := 0; i < len(syms); i++ {
		s := &syms[i]
		if s.Type == aout.NWarning {
			warning = s.Name
			continue
		}
		if s.IsStab() || !s.IsExt() || s.Type == aout.NFn {
			continue
		}
		sym := GetSymbolByName(ctx, s.Name)
		o.Symbols[i] = sym
		if warning != "" {
			sym.Warning = warning
			warning = ""
		}
		local := &o.Locals[i]

		switch {
		case s.Kind() == aout.NSize:
			sym.Size = uint64(s.Value)
		case s.Kind() == aout.NIndr:
			if i+1 >= len(syms) {
				return fmt.Errorf("%w: %s: indirect symbol `%s' without target",
					ErrMalformed, o.File.DisplayName(), s.Name)
			}
			target := GetSymbolByName(ctx, syms[i+1].Name)
			if sym.IsDefined() {
				sym.Defs = append(sym.Defs, local)
				continue
			}
			target.Refs++
			target.StrongRefs++
			sym.Kind = SymIndirect
			sym.Alias = target
			sym.Def = local
			sym.Defs = append(sym.Defs, local)
		case s.IsCommon():
			o.enterCommon(sym, uint64(s.Value))
		case s.IsUndefined():
			sym.Refs++
			if !s.IsWeak() {
				sym.StrongRefs++
			}
		case s.IsDefinition():
			o.enterDefinition(sym, local)
		}
	}
	return nil
}

func (o *ObjectFile) enterCommon(sym *Symbol, size uint64) {
	sym.Refs++
	sym.StrongRefs++
	if size > sym.CommonSize {
		sym.CommonSize = size
	}
	if sym.Kind == SymUndefined {
		sym.Kind = SymCommon
	}
}

func (o *ObjectFile) enterDefinition(sym *Symbol, local *LocalSymbol) {
	weak := local.Sym.IsWeak()
	switch {
	case sym.Kind == SymUndefined, sym.Kind == SymCommon:
	case sym.IsDefined() && sym.Weak && !weak:
		// a strong definition replaces a weak one
	default:
		if !weak {
			sym.Defs = append(sym.Defs, local)
		}
		return
	}
	sym.Kind = kindOf(local.Sym.Type)
	sym.Def = local
	sym.Weak = weak
	sym.Defs = append(sym.Defs, local)
}

// Relocs returns the text and data relocations with their segment kind.
func (o *ObjectFile) Relocs() []SegmentRelocs {
	return []SegmentRelocs{
		{Kind: aout.NText, Relocs: o.Aout.TextRelocs},
		{Kind: aout.NData, Relocs: o.Aout.DataRelocs},
	}
}

type SegmentRelocs struct {
	Kind   uint8
	Relocs []aout.Reloc
}

// target returns the global symbol or local entry an extern or base
// relative record refers to.
func (o *ObjectFile) target(r *aout.Reloc) (*Symbol, *LocalSymbol, error) {
	if !r.Extern && !r.BaseRel {
		return nil, nil, nil
	}
	if int(r.SymbolNum) >= len(o.Locals) {
		return nil, nil, fmt.Errorf("%w: %s: relocation at %#x names symbol %d of %d",
			ErrMalformed, o.File.DisplayName(), r.Address, r.SymbolNum, len(o.Locals))
	}
	if sym := o.Symbols[r.SymbolNum]; sym != nil {
		return sym, nil, nil
	}
	if r.Extern {
		return nil, nil, fmt.Errorf("%w: %s: external relocation at %#x names local symbol %d",
			ErrMalformed, o.File.DisplayName(), r.Address, r.SymbolNum)
	}
	return nil, &o.Locals[r.SymbolNum], nil
}
