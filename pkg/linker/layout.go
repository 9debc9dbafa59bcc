package linker

import (
	"fmt"

	"rrsld/pkg/aout"
	"rrsld/pkg/utils"
)

// Layout maps output addresses to the text and data images.
type Layout struct {
	TextAddr uint64
	TextSize uint64
	DataAddr uint64
	DataSize uint64
	BssAddr  uint64
	BssSize  uint64

	Text []byte
	Data []byte
}

func (l *Layout) Bytes(addr uint64, n int) ([]byte, error) {
	if addr >= l.TextAddr && addr-l.TextAddr+uint64(n) <= uint64(len(l.Text)) {
		off := addr - l.TextAddr
		return l.Text[off : off+uint64(n)], nil
	}
	if addr >= l.DataAddr && addr-l.DataAddr+uint64(n) <= uint64(len(l.Data)) {
		off := addr - l.DataAddr
		return l.Data[off : off+uint64(n)], nil
	}
	return nil, fmt.Errorf("%w: address %#x+%d outside text and data", ErrInternal, addr, n)
}

var syntheticSymbols = []struct {
	name string
	kind SymbolKind
}{
	{"__DYNAMIC", SymData},
	{"_GLOBAL_OFFSET_TABLE_", SymData},
	{"_etext", SymText},
	{"_edata", SymData},
	{"_end", SymBss},
}

// DefineSyntheticSymbols defines the link editor's own symbols that an
// input references and nothing defines.
func DefineSyntheticSymbols(ctx *Context) {
	for _, s := range syntheticSymbols {
		sym, ok := LookupSymbol(ctx, s.name)
		if !ok || sym.Kind != SymUndefined {
			continue
		}
		sym.Kind = s.kind
		sym.Synthetic = true
		if ctx.RRS.Type == SectionNone && s.name == "__DYNAMIC" {
			sym.Kind = SymAbs
		}
	}
}

// CreateChunks lists the pieces of the output in address order.
func CreateChunks(ctx *Context) {
	push := func(c Chunker) { ctx.Chunks = append(ctx.Chunks, c) }
	rrs := ctx.RRS

	for _, o := range ctx.Objs {
		push(NewObjectSection(o, aout.NText))
	}
	if rrs.full() {
		push(NewDynamicText())
		push(NewDynamicHeader())
	}
	for _, o := range ctx.Objs {
		push(NewObjectSection(o, aout.NData))
	}
	if rrs.Type != SectionNone {
		push(NewGotSection())
	}
	if rrs.full() {
		push(NewPltSection())
	}
	for _, o := range ctx.Objs {
		push(NewObjectSection(o, aout.NBss))
	}
	if !ctx.Args.Shared {
		for _, sym := range ctx.Symbols {
			if sym.Kind == SymCommon {
				rrs.Commons = append(rrs.Commons, sym)
			}
		}
		push(NewCommonSection(rrs.Commons))
	}
	if len(rrs.Copies) > 0 {
		push(NewCopySection(rrs.Copies))
	}
}

type addrSetter interface {
	SetAddr(addr uint64)
}

func (ctx *Context) header() aout.Exec {
	var flags uint8
	switch {
	case ctx.Args.Shared:
		flags = aout.ExDynamic | aout.ExPIC
	case ctx.RRS.full():
		flags = aout.ExDynamic
	}
	return aout.Exec{Midmag: aout.Midmag(aout.ZMAGIC, ctx.Backend.Mid(), flags)}
}

// SetOutputSectionOffsets assigns addresses segment by segment and sizes
// the output images.
func SetOutputSectionOffsets(ctx *Context) {
	for _, c := range ctx.Chunks {
		c.UpdateSize(ctx)
	}
	page := ctx.Backend.PageSize()
	hdr := ctx.header()
	l := &Layout{TextAddr: aout.TextAddr(&hdr, page)}

	place := func(seg Segment, start uint64) uint64 {
		addr := start
		for _, c := range ctx.Chunks {
			ch := c.GetChunk()
			if ch.Seg != seg {
				continue
			}
			addr = utils.AlignTo(addr, ch.Align)
			if s, ok := c.(addrSetter); ok {
				s.SetAddr(addr)
			} else {
				ch.Addr = addr
			}
			addr += ch.Size
		}
		return addr
	}

	textEnd := place(SegText, l.TextAddr)
	l.TextSize = utils.AlignTo(textEnd-l.TextAddr, 4)
	hdr.Text = uint32(l.TextSize)
	l.DataAddr = aout.DataAddr(&hdr, page)
	dataEnd := place(SegData, l.DataAddr)
	l.DataSize = utils.AlignTo(dataEnd-l.DataAddr, 4)
	l.BssAddr = l.DataAddr + l.DataSize
	bssEnd := place(SegBss, l.BssAddr)
	l.BssSize = utils.AlignTo(bssEnd-l.BssAddr, 4)

	l.Text = make([]byte, l.TextSize)
	l.Data = make([]byte, l.DataSize)
	ctx.Layout = l
	ctx.Header = hdr

	for _, c := range ctx.Chunks {
		switch ch := c.(type) {
		case *GotSection:
			ctx.RRS.GotAddr = ch.Addr
		case *PltSection:
			ctx.RRS.PltAddr = ch.Addr
		case *DynamicHeader:
			ctx.RRS.DynamicAddr = ch.Addr
		}
	}
	assignSymbolValues(ctx)
}

func assignSymbolValues(ctx *Context) {
	l := ctx.Layout
	for _, sym := range ctx.Symbols {
		switch {
		case sym.Synthetic:
			switch sym.Name {
			case "__DYNAMIC":
				sym.Value = ctx.RRS.DynamicAddr
			case "_GLOBAL_OFFSET_TABLE_":
				sym.Value = ctx.RRS.GotAddr
			case "_etext":
				sym.Value = l.TextAddr + l.TextSize
			case "_edata":
				sym.Value = l.DataAddr + l.DataSize
			case "_end":
				sym.Value = l.BssAddr + l.BssSize
			}
		case sym.Kind == SymIndirect:
		case sym.IsDefined() && sym.Def != nil:
			sym.Value = sym.Def.Addr()
		}
	}
	for _, sym := range ctx.Symbols {
		if sym.Kind == SymIndirect {
			if real, err := sym.Real(); err == nil {
				sym.Value = real.Value
			}
		}
	}
}

// EntryAddr is the address of the entry symbol, or the start of text.
func EntryAddr(ctx *Context) uint64 {
	if ctx.Args.Shared {
		return 0
	}
	if sym, ok := LookupSymbol(ctx, ctx.Args.Entry); ok && sym.IsDefined() {
		return sym.Value
	}
	return ctx.Layout.TextAddr
}
