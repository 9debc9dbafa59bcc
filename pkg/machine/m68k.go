package machine

import (
	"encoding/binary"
	"fmt"
	"math"

	"rrsld/pkg/aout"
)

// m68k jump slots are 8 bytes:
//
//	lazy:  bsr.l PLT0         (61ff disp32) followed by the reloc index
//	bound: jmp target.l       (4ef9 addr32)
//
// The bsr displacement is relative to slot+2.
const (
	m68kBsrL = 0x61ff
	m68kJmpL = 0x4ef9
)

type m68k struct{ base }

func NewM68k() Backend {
	return &m68k{base{
		name:     "m68k",
		mid:      aout.MidM68k,
		order:    binary.BigEndian,
		ptrSize:  4,
		pageSize: 8192,
		slotSize: 8,
	}}
}

func init() { register(NewM68k()) }

func (m *m68k) BuildLazyJmpSlot(slot []byte, slotOffset uint64, relIndex uint32) error {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return err
	}
	if relIndex > math.MaxUint16 {
		return fmt.Errorf("%w: relocation index %d", ErrOverflow, relIndex)
	}
	d, err := rel32(slotOffset+2, 0)
	if err != nil {
		return err
	}
	m.order.PutUint16(slot, m68kBsrL)
	m.order.PutUint32(slot[2:], d)
	m.order.PutUint16(slot[6:], uint16(relIndex))
	return nil
}

func (m *m68k) FixJmpSlot(slot []byte, slotAddr, target uint64) error {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return err
	}
	if target > math.MaxUint32 {
		return fmt.Errorf("%w: jump target %#x", ErrOverflow, target)
	}
	m.order.PutUint16(slot, m68kJmpL)
	m.order.PutUint32(slot[2:], uint32(target))
	return nil
}

func (m *m68k) JmpSlot(slot []byte, slotAddr uint64) (Slot, error) {
	if err := checkSlot(slot, m.slotSize); err != nil {
		return Slot{}, err
	}
	switch m.order.Uint16(slot) {
	case m68kBsrL:
		target := slotAddr + 2 + uint64(int64(int32(m.order.Uint32(slot[2:]))))
		return Slot{Target: target, RelIndex: uint32(m.order.Uint16(slot[6:]))}, nil
	case m68kJmpL:
		return Slot{Bound: true, Target: uint64(m.order.Uint32(slot[2:]))}, nil
	}
	return Slot{}, fmt.Errorf("%w: %x", ErrSlot, slot[:m.slotSize])
}

func (m *m68k) Describe(slot []byte, slotAddr uint64) string {
	s, err := m.JmpSlot(slot, slotAddr)
	if err != nil {
		return fmt.Sprintf(".long %#x", slot)
	}
	if s.Bound {
		return fmt.Sprintf("jmp %#x.l", s.Target)
	}
	return fmt.Sprintf("bsr.l %#x; .word %d", s.Target, s.RelIndex)
}
