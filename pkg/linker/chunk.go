package linker

import (
	"fmt"

	"rrsld/pkg/aout"
	"rrsld/pkg/utils"
)

type Segment uint8

const (
	SegText Segment = iota
	SegData
	SegBss
)

type Chunk struct {
	Name  string
	Seg   Segment
	Addr  uint64
	Size  uint64
	Align uint64
}

func NewChunk(name string, seg Segment, align uint64) Chunk {
	return Chunk{Name: name, Seg: seg, Align: align}
}

func (c *Chunk) GetChunk() *Chunk { return c }

type Chunker interface {
	GetChunk() *Chunk
	UpdateSize(ctx *Context)
	CopyBuf(ctx *Context) error
}

// ObjectSection is one segment of one input object.
type ObjectSection struct {
	Chunk
	Obj  *ObjectFile
	Kind uint8
}

func NewObjectSection(obj *ObjectFile, kind uint8) *ObjectSection {
	seg := map[uint8]Segment{aout.NText: SegText, aout.NData: SegData, aout.NBss: SegBss}[kind]
	return &ObjectSection{Chunk: NewChunk(obj.File.DisplayName(), seg, 4), Obj: obj, Kind: kind}
}

func (o *ObjectSection) UpdateSize(ctx *Context) {
	switch o.Kind {
	case aout.NText:
		o.Size = o.Obj.TextSize()
	case aout.NData:
		o.Size = o.Obj.DataSize()
	case aout.NBss:
		o.Size = o.Obj.BssSize()
	}
}

// SetAddr records the output address on the object.
func (o *ObjectSection) SetAddr(addr uint64) {
	o.Addr = addr
	switch o.Kind {
	case aout.NText:
		o.Obj.TextAddr = addr
	case aout.NData:
		o.Obj.DataAddr = addr
	case aout.NBss:
		o.Obj.BssAddr = addr
	}
}

func (o *ObjectSection) CopyBuf(ctx *Context) error {
	var src []byte
	switch o.Kind {
	case aout.NText:
		src = o.Obj.Aout.Text
	case aout.NData:
		src = o.Obj.Aout.Data
	default:
		return nil
	}
	dst, err := ctx.Layout.Bytes(o.Addr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// SymbolSection allocates bss space for commons or copied data.
type SymbolSection struct {
	Chunk
	Syms []*Symbol
	size func(*Symbol) uint64
}

func NewCommonSection(syms []*Symbol) *SymbolSection {
	return &SymbolSection{
		Chunk: NewChunk("COMMON", SegBss, 8),
		Syms:  syms,
		size:  func(s *Symbol) uint64 { return s.CommonSize },
	}
}

func NewCopySection(syms []*Symbol) *SymbolSection {
	return &SymbolSection{
		Chunk: NewChunk("COPY", SegBss, 8),
		Syms:  syms,
		size:  func(s *Symbol) uint64 { return s.Size },
	}
}

func symbolAlign(size uint64) uint64 {
	switch {
	case size >= 8:
		return 8
	case size >= 4:
		return 4
	case size >= 2:
		return 2
	}
	return 1
}

func (s *SymbolSection) UpdateSize(ctx *Context) {
	var off uint64
	for _, sym := range s.Syms {
		off = utils.AlignTo(off, symbolAlign(s.size(sym)))
		off += s.size(sym)
	}
	s.Size = off
}

// SetAddr places each symbol.
func (s *SymbolSection) SetAddr(addr uint64) {
	s.Addr = addr
	var off uint64
	for _, sym := range s.Syms {
		off = utils.AlignTo(off, symbolAlign(s.size(sym)))
		sym.Value = addr + off
		off += s.size(sym)
	}
}

func (s *SymbolSection) CopyBuf(ctx *Context) error { return nil }

type GotSection struct {
	Chunk
}

func NewGotSection() *GotSection {
	return &GotSection{Chunk: NewChunk("GOT", SegData, 4)}
}

func (g *GotSection) UpdateSize(ctx *Context) { g.Size = uint64(len(ctx.RRS.Got)) }

func (g *GotSection) CopyBuf(ctx *Context) error {
	dst, err := ctx.Layout.Bytes(g.Addr, len(ctx.RRS.Got))
	if err != nil {
		return err
	}
	copy(dst, ctx.RRS.Got)
	return nil
}

type PltSection struct {
	Chunk
}

func NewPltSection() *PltSection {
	return &PltSection{Chunk: NewChunk("PLT", SegData, 4)}
}

func (p *PltSection) UpdateSize(ctx *Context) { p.Size = uint64(len(ctx.RRS.Plt)) }

func (p *PltSection) CopyBuf(ctx *Context) error {
	dst, err := ctx.Layout.Bytes(p.Addr, len(ctx.RRS.Plt))
	if err != nil {
		return err
	}
	copy(dst, ctx.RRS.Plt)
	return nil
}

// DynamicHeader is link_dynamic, the dispatch table and the debugger
// block at __DYNAMIC.
type DynamicHeader struct {
	Chunk
}

func NewDynamicHeader() *DynamicHeader {
	return &DynamicHeader{Chunk: NewChunk("__DYNAMIC", SegData, 4)}
}

func (d *DynamicHeader) UpdateSize(ctx *Context) { d.Size = uint64(aout.DynamicHeaderSize) }

func (d *DynamicHeader) CopyBuf(ctx *Context) error {
	b, err := ctx.RRS.Dynamic.EncodeHeader(uint32(d.Addr), ctx.Backend.ByteOrder())
	if err != nil {
		return err
	}
	dst, err := ctx.Layout.Bytes(d.Addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// DynamicText holds relocations, hash table, symbols, strings and the
// needed list.
type DynamicText struct {
	Chunk
}

func NewDynamicText() *DynamicText {
	return &DynamicText{Chunk: NewChunk("RRS", SegText, 4)}
}

func (d *DynamicText) UpdateSize(ctx *Context) { d.Size = uint64(ctx.RRS.textSize) }

func (d *DynamicText) CopyBuf(ctx *Context) error {
	b, err := ctx.RRS.Dynamic.EncodeText(uint32(d.Addr), ctx.Backend.ByteOrder(), ctx.Backend.PtrSize())
	if err != nil {
		return err
	}
	if uint64(len(b)) != d.Size {
		return fmt.Errorf("%w: RRS text is %d bytes, %d allocated", ErrInternal, len(b), d.Size)
	}
	dst, err := ctx.Layout.Bytes(d.Addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}
