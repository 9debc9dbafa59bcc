package aout

import (
	"encoding/binary"
	"fmt"
)

// Reloc is a standard a.out relocation_info record.
//
// For extern records SymbolNum indexes the symbol table; otherwise it holds
// the segment tag (NText, NData, NBss, NAbs) of the target, except for
// base-relative records, which index the local symbol that owns the GOT slot.
type Reloc struct {
	Address   uint64
	SymbolNum uint32
	PCRel     bool
	Length    uint8
	Extern    bool
	BaseRel   bool
	JmpTable  bool
	Relative  bool
	Copy      bool
}

const maxSymbolNum = 1<<24 - 1

// Size is the width in bytes of the field patched by the record.
func (r *Reloc) Size() int { return 1 << r.Length }

func (r Reloc) String() string {
	s := fmt.Sprintf("%#x sym=%d len=%d", r.Address, r.SymbolNum, r.Size())
	flag := func(b bool, name string) {
		if b {
			s += " " + name
		}
	}
	flag(r.PCRel, "pcrel")
	flag(r.Extern, "extern")
	flag(r.BaseRel, "baserel")
	flag(r.JmpTable, "jmptable")
	flag(r.Relative, "relative")
	flag(r.Copy, "copy")
	return s
}

// RelocSize is the wire size of one record for the given address width.
func RelocSize(ptrSize int) int { return ptrSize + 4 }

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func packInfo(r *Reloc, order binary.ByteOrder) uint32 {
	if order == binary.BigEndian {
		return r.SymbolNum<<8 | b2u(r.PCRel)<<7 | uint32(r.Length&3)<<5 |
			b2u(r.Extern)<<4 | b2u(r.BaseRel)<<3 | b2u(r.JmpTable)<<2 |
			b2u(r.Relative)<<1 | b2u(r.Copy)
	}
	return r.SymbolNum&maxSymbolNum | b2u(r.PCRel)<<24 | uint32(r.Length&3)<<25 |
		b2u(r.Extern)<<27 | b2u(r.BaseRel)<<28 | b2u(r.JmpTable)<<29 |
		b2u(r.Relative)<<30 | b2u(r.Copy)<<31
}

func unpackInfo(info uint32, r *Reloc, order binary.ByteOrder) {
	if order == binary.BigEndian {
		r.SymbolNum = info >> 8
		r.PCRel = info>>7&1 != 0
		r.Length = uint8(info >> 5 & 3)
		r.Extern = info>>4&1 != 0
		r.BaseRel = info>>3&1 != 0
		r.JmpTable = info>>2&1 != 0
		r.Relative = info>>1&1 != 0
		r.Copy = info&1 != 0
		return
	}
	r.SymbolNum = info & maxSymbolNum
	r.PCRel = info>>24&1 != 0
	r.Length = uint8(info >> 25 & 3)
	r.Extern = info>>27&1 != 0
	r.BaseRel = info>>28&1 != 0
	r.JmpTable = info>>29&1 != 0
	r.Relative = info>>30&1 != 0
	r.Copy = info>>31&1 != 0
}

func EncodeReloc(b []byte, r *Reloc, order binary.ByteOrder, ptrSize int) error {
	if len(b) < RelocSize(ptrSize) {
		return formatError("relocation buffer too small")
	}
	if r.SymbolNum > maxSymbolNum {
		return formatError("symbol number %d does not fit in a relocation", r.SymbolNum)
	}
	switch ptrSize {
	case 4:
		order.PutUint32(b, uint32(r.Address))
	case 8:
		order.PutUint64(b, r.Address)
	default:
		return formatError("unsupported address width %d", ptrSize)
	}
	order.PutUint32(b[ptrSize:], packInfo(r, order))
	return nil
}

func DecodeReloc(b []byte, order binary.ByteOrder, ptrSize int) (Reloc, error) {
	var r Reloc
	if len(b) < RelocSize(ptrSize) {
		return r, formatError("truncated relocation record")
	}
	switch ptrSize {
	case 4:
		r.Address = uint64(order.Uint32(b))
	case 8:
		r.Address = order.Uint64(b)
	default:
		return r, formatError("unsupported address width %d", ptrSize)
	}
	unpackInfo(order.Uint32(b[ptrSize:]), &r, order)
	return r, nil
}

func decodeRelocs(b []byte, order binary.ByteOrder, ptrSize int) ([]Reloc, error) {
	size := RelocSize(ptrSize)
	if len(b)%size != 0 {
		return nil, formatError("relocation table size %d is not a multiple of %d", len(b), size)
	}
	relocs := make([]Reloc, 0, len(b)/size)
	for len(b) > 0 {
		r, err := DecodeReloc(b, order, ptrSize)
		if err != nil {
			return nil, err
		}
		relocs = append(relocs, r)
		b = b[size:]
	}
	return relocs, nil
}

func encodeRelocs(relocs []Reloc, order binary.ByteOrder, ptrSize int) ([]byte, error) {
	size := RelocSize(ptrSize)
	b := make([]byte, len(relocs)*size)
	for i := range relocs {
		if err := EncodeReloc(b[i*size:], &relocs[i], order, ptrSize); err != nil {
			return nil, err
		}
	}
	return b, nil
}
