package linker

import (
	"fmt"

	"rrsld/pkg/aout"
)

type SymbolKind uint8

const (
	SymUndefined SymbolKind = iota
	SymText
	SymData
	SymBss
	SymAbs
	SymCommon
	SymIndirect
)

func (k SymbolKind) String() string {
	switch k {
	case SymUndefined:
		return "undefined"
	case SymText:
		return "text"
	case SymData:
		return "data"
	case SymBss:
		return "bss"
	case SymAbs:
		return "abs"
	case SymCommon:
		return "common"
	case SymIndirect:
		return "indirect"
	}
	return fmt.Sprintf("SymbolKind(%d)", uint8(k))
}

func kindOf(typ uint8) SymbolKind {
	switch typ & aout.NType {
	case aout.NText:
		return SymText
	case aout.NData:
		return SymData
	case aout.NBss:
		return SymBss
	case aout.NAbs:
		return SymAbs
	case aout.NIndr:
		return SymIndirect
	}
	return SymUndefined
}

// Symbol is a global symbol. There is one per name per link.
type Symbol struct {
	Name       string
	Value      uint64
	Kind       SymbolKind
	CommonSize uint64
	Size       uint64
	Weak       bool
	Refs       int
	StrongRefs int

	GotOffset int64
	PltOffset int64
	RRSIndex  int

	Def       *LocalSymbol
	Defs      []*LocalSymbol
	Alias     *Symbol
	SharedDef *SharedDef

	Warning string
	warned  bool

	// Synthetic symbols are defined by the link editor itself.
	Synthetic bool
	// Copy is set for data symbols copied into the executable's bss.
	Copy bool
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:      name,
		GotOffset: -1,
		PltOffset: -1,
		RRSIndex:  -1,
	}
}

// GetSymbolByName returns the symbol named name, creating an undefined one
// on first use.
func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	sym := NewSymbol(name)
	ctx.SymbolMap[name] = sym
	ctx.Symbols = append(ctx.Symbols, sym)
	ctx.SymbolCount++
	if sd, ok := ctx.SharedSyms[name]; ok {
		sym.SharedDef = sd
	}
	return sym
}

func LookupSymbol(ctx *Context, name string) (*Symbol, bool) {
	sym, ok := ctx.SymbolMap[name]
	return sym, ok
}

// Real follows indirect symbols to the symbol they stand for.
func (s *Symbol) Real() (*Symbol, error) {
	seen := 0
	for s.Kind == SymIndirect {
		if s.Alias == nil {
			return nil, fmt.Errorf("indirect symbol `%s' has no target", s.Name)
		}
		s = s.Alias
		if seen++; seen > 64 {
			return nil, fmt.Errorf("indirect symbol loop at `%s'", s.Name)
		}
	}
	return s, nil
}

// IsDefined reports whether an included object (or the link editor)
// defines the symbol. Commons and shared library definitions do not count.
func (s *Symbol) IsDefined() bool {
	switch s.Kind {
	case SymText, SymData, SymBss, SymAbs:
		return true
	}
	return false
}

// InShared reports whether only a shared library input defines the symbol.
func (s *Symbol) InShared() bool {
	return !s.IsDefined() && s.Kind != SymCommon && s.SharedDef != nil
}

func (s *Symbol) IsFunc() bool {
	if s.IsDefined() {
		return s.Kind == SymText
	}
	return s.SharedDef != nil && s.SharedDef.Sym.Kind() == aout.NText
}

// DefinedIn returns the name of the input that supplies the definition.
func (s *Symbol) DefinedIn() string {
	switch {
	case s.Def != nil:
		return s.Def.File.File.Name
	case s.SharedDef != nil:
		return s.SharedDef.Lib.File.Name
	case s.Synthetic:
		return "linker"
	}
	return ""
}

func (s *Symbol) String() string { return s.Name }
