package aout

import (
	"encoding/binary"

	"rrsld/pkg/utils"
)

type File struct {
	Header     Exec
	Order      binary.ByteOrder
	PtrSize    int
	Text       []byte
	Data       []byte
	TextRelocs []Reloc
	DataRelocs []Reloc
	Symbols    []Symbol
}

func NewFile(magic uint16, mid uint16, flags uint8) (*File, error) {
	order, ok := ByteOrderFor(mid)
	if !ok {
		return nil, formatError("unknown machine id %d", mid)
	}
	return &File{
		Header:  Exec{Midmag: Midmag(magic, mid, flags)},
		Order:   order,
		PtrSize: PtrSizeFor(mid),
	}, nil
}

// IsObject reports whether contents start with an a.out header this
// package understands.
func IsObject(contents []byte) bool {
	if len(contents) < ExecSize {
		return false
	}
	e := Exec{Midmag: binary.BigEndian.Uint32(contents)}
	switch e.Magic() {
	case OMAGIC, NMAGIC, ZMAGIC, QMAGIC:
	default:
		return false
	}
	_, ok := ByteOrderFor(e.Mid())
	return ok
}

func Parse(contents []byte) (*File, error) {
	if len(contents) < ExecSize {
		return nil, formatError("file too small for an a.out header")
	}
	if !IsObject(contents) {
		return nil, formatError("bad magic %#x", binary.BigEndian.Uint32(contents))
	}

	midmag := binary.BigEndian.Uint32(contents)
	order, _ := ByteOrderFor(Exec{Midmag: midmag}.Mid())
	hdr, err := utils.Read[Exec](contents, order)
	if err != nil {
		return nil, formatError("%v", err)
	}
	hdr.Midmag = midmag

	f := &File{Header: hdr, Order: order, PtrSize: PtrSizeFor(hdr.Mid())}

	pos := uint64(ExecSize)
	next := func(size uint32, what string) ([]byte, error) {
		end := pos + uint64(size)
		if end > uint64(len(contents)) {
			return nil, formatError("%s extends past end of file (%d > %d)", what, end, len(contents))
		}
		b := contents[pos:end]
		pos = end
		return b, nil
	}

	if f.Text, err = next(hdr.Text, "text segment"); err != nil {
		return nil, err
	}
	if f.Data, err = next(hdr.Data, "data segment"); err != nil {
		return nil, err
	}
	trel, err := next(hdr.Trsize, "text relocations")
	if err != nil {
		return nil, err
	}
	drel, err := next(hdr.Drsize, "data relocations")
	if err != nil {
		return nil, err
	}
	syms, err := next(hdr.Syms, "symbol table")
	if err != nil {
		return nil, err
	}

	if f.TextRelocs, err = decodeRelocs(trel, order, f.PtrSize); err != nil {
		return nil, err
	}
	if f.DataRelocs, err = decodeRelocs(drel, order, f.PtrSize); err != nil {
		return nil, err
	}

	var strtab []byte
	if rest := contents[pos:]; len(rest) >= 4 {
		size := order.Uint32(rest)
		if uint64(size) > uint64(len(rest)) || size < 4 {
			return nil, formatError("string table size %d out of range", size)
		}
		strtab = rest[:size]
	}

	if len(syms)%NlistSize != 0 {
		return nil, formatError("symbol table size %d is not a multiple of %d", len(syms), NlistSize)
	}
	f.Symbols = make([]Symbol, 0, len(syms)/NlistSize)
	for ; len(syms) > 0; syms = syms[NlistSize:] {
		nl, err := utils.Read[nlist](syms, order)
		if err != nil {
			return nil, formatError("%v", err)
		}
		sym := Symbol{Type: nl.Type, Other: nl.Other, Desc: nl.Desc, Value: nl.Value}
		if nl.Strx != 0 {
			name, ok := utils.CString(strtab, nl.Strx)
			if !ok {
				return nil, formatError("symbol name offset %d out of range", nl.Strx)
			}
			sym.Name = name
		}
		f.Symbols = append(f.Symbols, sym)
	}
	return f, nil
}

// StringTable accumulates NUL-terminated strings, sharing duplicates.
type StringTable struct {
	buf     []byte
	offsets map[string]uint32
}

// NewStringTable returns a table whose contents start at reserved bytes of
// zero, so offset 0 never names a real string.
func NewStringTable(reserved int) *StringTable {
	return &StringTable{buf: make([]byte, reserved), offsets: map[string]uint32{}}
}

func (t *StringTable) Add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	return off
}

func (t *StringTable) Bytes() []byte { return t.buf }
func (t *StringTable) Len() int      { return len(t.buf) }

func (f *File) Encode() ([]byte, error) {
	trel, err := encodeRelocs(f.TextRelocs, f.Order, f.PtrSize)
	if err != nil {
		return nil, err
	}
	drel, err := encodeRelocs(f.DataRelocs, f.Order, f.PtrSize)
	if err != nil {
		return nil, err
	}

	strtab := NewStringTable(4)
	syms := make([]byte, len(f.Symbols)*NlistSize)
	for i, sym := range f.Symbols {
		nl := nlist{Type: sym.Type, Other: sym.Other, Desc: sym.Desc, Value: sym.Value}
		if sym.Name != "" {
			nl.Strx = strtab.Add(sym.Name)
		}
		if err := utils.Write(syms[i*NlistSize:], f.Order, nl); err != nil {
			return nil, err
		}
	}
	strs := strtab.Bytes()
	f.Order.PutUint32(strs, uint32(len(strs)))

	hdr := f.Header
	hdr.Text = uint32(len(f.Text))
	hdr.Data = uint32(len(f.Data))
	hdr.Trsize = uint32(len(trel))
	hdr.Drsize = uint32(len(drel))
	hdr.Syms = uint32(len(syms))

	out := make([]byte, ExecSize, ExecSize+len(f.Text)+len(f.Data)+len(trel)+len(drel)+len(syms)+len(strs))
	if err := utils.Write(out, f.Order, hdr); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(out, hdr.Midmag)
	out = append(out, f.Text...)
	out = append(out, f.Data...)
	out = append(out, trel...)
	out = append(out, drel...)
	out = append(out, syms...)
	out = append(out, strs...)
	f.Header = hdr
	return out, nil
}
