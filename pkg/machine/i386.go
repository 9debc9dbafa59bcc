package machine

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"rrsld/pkg/aout"
)

// i386 jump slots are 8 bytes:
//
//	lazy:  nop; call PLT0     (90 e8 rel32) followed by the reloc index
//	bound: nop; jmp target    (90 e9 rel32)
//
// rel32 is relative to the end of the call/jmp, slot+6.
const (
	i386Nop  = 0x90
	i386Call = 0xe8
	i386Jmp  = 0xe9
)

type i386 struct{ base }

func NewI386() Backend {
	return &i386{base{
		name:     "i386",
		mid:      aout.MidI386,
		order:    binary.LittleEndian,
		ptrSize:  4,
		pageSize: 4096,
		slotSize: 8,
	}}
}

func init() { register(NewI386()) }

func rel32(from, to uint64) (uint32, error) {
	d := int64(to - from)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("%w: branch displacement %#x", ErrOverflow, d)
	}
	return uint32(int32(d)), nil
}

func (m *i386) BuildLazyJmpSlot(slot []byte, slotOffset uint64, relIndex uint32) error {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return err
	}
	if relIndex > math.MaxUint16 {
		return fmt.Errorf("%w: relocation index %d", ErrOverflow, relIndex)
	}
	d, err := rel32(slotOffset+6, 0)
	if err != nil {
		return err
	}
	slot[0] = i386Nop
	slot[1] = i386Call
	m.order.PutUint32(slot[2:], d)
	m.order.PutUint16(slot[6:], uint16(relIndex))
	return nil
}

func (m *i386) FixJmpSlot(slot []byte, slotAddr, target uint64) error {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return err
	}
	d, err := rel32(slotAddr+6, target)
	if err != nil {
		return err
	}
	slot[0] = i386Nop
	slot[1] = i386Jmp
	m.order.PutUint32(slot[2:], d)
	return nil
}

func (m *i386) JmpSlot(slot []byte, slotAddr uint64) (Slot, error) {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return Slot{}, err
	}
	if slot[0] != i386Nop {
		return Slot{}, fmt.Errorf("%w: %x", ErrSlot, slot[:m.slotSize])
	}
	target := slotAddr + 6 + uint64(int64(int32(m.order.Uint32(slot[2:]))))
	switch slot[1] {
	case i386Call:
		return Slot{Target: target, RelIndex: uint32(m.order.Uint16(slot[6:]))}, nil
	case i386Jmp:
		return Slot{Bound: true, Target: target}, nil
	}
	return Slot{}, fmt.Errorf("%w: %x", ErrSlot, slot[:m.slotSize])
}

func (m *i386) Describe(slot []byte, slotAddr uint64) string {
	var parts []string
	code := slot
	if len(code) > 6 {
		code = code[:6]
	}
	pc := slotAddr
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 32)
		if err != nil {
			parts = append(parts, fmt.Sprintf(".byte %#x", code[0]))
			code = code[1:]
			pc++
			continue
		}
		parts = append(parts, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	if len(slot) >= m.slotSize && slot[1] == i386Call {
		parts = append(parts, fmt.Sprintf(".word %d", m.order.Uint16(slot[6:])))
	}
	return strings.Join(parts, "; ")
}
