// Package machine holds the per-architecture relocation back ends shared by
// the link editor and the run-time loader.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"rrsld/pkg/aout"
)

var (
	ErrOverflow = errors.New("relocation overflow")
	ErrBounds   = errors.New("relocation outside image")
	ErrSlot     = errors.New("malformed jump slot")
)

// RelocKind selects how a build-time record is re-emitted for the loader.
type RelocKind int

const (
	KindSymbol RelocKind = iota
	KindRelative
	KindGlobDat
	KindJmpSlot
	KindCopy
)

func (k RelocKind) String() string {
	switch k {
	case KindSymbol:
		return "symbol"
	case KindRelative:
		return "relative"
	case KindGlobDat:
		return "globdat"
	case KindJmpSlot:
		return "jmpslot"
	case KindCopy:
		return "copy"
	}
	return fmt.Sprintf("RelocKind(%d)", int(k))
}

// KindOf classifies a run-time record. A GOT record reads back as
// KindSymbol: the two share a wire form.
func KindOf(r *aout.Reloc) RelocKind {
	switch {
	case r.Relative:
		return KindRelative
	case r.JmpTable:
		return KindJmpSlot
	case r.Copy:
		return KindCopy
	}
	return KindSymbol
}

// Slot is the decoded state of one jump slot. An unbound slot transfers to
// PLT slot 0 (Target) carrying RelIndex for the binder.
type Slot struct {
	Bound    bool
	Target   uint64
	RelIndex uint32
}

type Backend interface {
	Name() string
	Mid() uint16
	ByteOrder() binary.ByteOrder
	PtrSize() int
	PageSize() uint64
	JmpSlotSize() int

	// DecodeAddend returns the addend stored in the field at mem.
	DecodeAddend(r *aout.Reloc, mem []byte) (int64, error)
	// Apply patches the field at mem with value. For relocatable output
	// GOT and PLT references are left for the final link.
	Apply(r *aout.Reloc, value uint64, mem []byte, relocatable bool) error
	// BuildLazyJmpSlot writes a slot that enters PLT slot 0 with relIndex.
	// slotOffset is the slot's distance from the start of the PLT.
	BuildLazyJmpSlot(slot []byte, slotOffset uint64, relIndex uint32) error
	// FixJmpSlot writes a slot that transfers straight to target.
	FixJmpSlot(slot []byte, slotAddr, target uint64) error
	JmpSlot(slot []byte, slotAddr uint64) (Slot, error)
	MakeReloc(tmpl *aout.Reloc, kind RelocKind) aout.Reloc
	Describe(slot []byte, slotAddr uint64) string
}

var backends = map[string]Backend{}

func register(b Backend) { backends[b.Name()] = b }

func Lookup(name string) (Backend, bool) {
	b, ok := backends[name]
	return b, ok
}

func ForMid(mid uint16) (Backend, bool) {
	for _, b := range backends {
		if b.Mid() == mid {
			return b, true
		}
	}
	return nil, false
}

func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type base struct {
	name     string
	mid      uint16
	order    binary.ByteOrder
	ptrSize  int
	pageSize uint64
	slotSize int
}

func (b *base) Name() string                { return b.name }
func (b *base) Mid() uint16                 { return b.mid }
func (b *base) ByteOrder() binary.ByteOrder { return b.order }
func (b *base) PtrSize() int                { return b.ptrSize }
func (b *base) PageSize() uint64            { return b.pageSize }
func (b *base) JmpSlotSize() int            { return b.slotSize }

func (b *base) ptrLength() uint8 {
	if b.ptrSize == 8 {
		return 3
	}
	return 2
}

func (b *base) DecodeAddend(r *aout.Reloc, mem []byte) (int64, error) {
	return HowtoFor(r).Addend(mem, b.order)
}

func (b *base) Apply(r *aout.Reloc, value uint64, mem []byte, relocatable bool) error {
	if relocatable && (r.BaseRel || r.JmpTable) {
		return nil
	}
	return HowtoFor(r).Apply(mem, b.order, value)
}

func (b *base) MakeReloc(tmpl *aout.Reloc, kind RelocKind) aout.Reloc {
	r := aout.Reloc{Address: tmpl.Address, SymbolNum: tmpl.SymbolNum, Length: tmpl.Length}
	switch kind {
	case KindRelative:
		r.Relative = true
		r.SymbolNum = 0
	case KindSymbol:
		r.Extern = true
		r.PCRel = tmpl.PCRel
	case KindGlobDat:
		r.Extern = true
		r.Length = b.ptrLength()
	case KindJmpSlot:
		r.Extern = true
		r.JmpTable = true
		r.Length = b.ptrLength()
	case KindCopy:
		r.Extern = true
		r.Copy = true
		r.Length = b.ptrLength()
	}
	return r
}

func checkSlot(slot []byte, size int) error {
	if len(slot) < size {
		return fmt.Errorf("%w: %d bytes, need %d", ErrSlot, len(slot), size)
	}
	return nil
}
