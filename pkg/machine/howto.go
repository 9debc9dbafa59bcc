package machine

import (
	"encoding/binary"
	"fmt"

	"rrsld/pkg/aout"
)

// Howto describes how a value is folded into a relocation field.
type Howto struct {
	Size       int
	BitSize    uint
	RightShift uint
	PCRel      bool
	AddInto    bool
}

// HowtoFor returns the howto of a standard relocation record: the whole
// field, no shift, added to the addend already in place.
func HowtoFor(r *aout.Reloc) Howto {
	size := r.Size()
	return Howto{Size: size, BitSize: uint(size * 8), PCRel: r.PCRel, AddInto: true}
}

func readField(mem []byte, size int, order binary.ByteOrder) (uint64, error) {
	if len(mem) < size {
		return 0, fmt.Errorf("%w: %d byte field, %d bytes left", ErrBounds, size, len(mem))
	}
	switch size {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(order.Uint16(mem)), nil
	case 4:
		return uint64(order.Uint32(mem)), nil
	case 8:
		return order.Uint64(mem), nil
	}
	return 0, fmt.Errorf("unsupported relocation width %d", size)
}

func writeField(mem []byte, size int, order binary.ByteOrder, v uint64) error {
	if len(mem) < size {
		return fmt.Errorf("%w: %d byte field, %d bytes left", ErrBounds, size, len(mem))
	}
	switch size {
	case 1:
		mem[0] = byte(v)
	case 2:
		order.PutUint16(mem, uint16(v))
	case 4:
		order.PutUint32(mem, uint32(v))
	case 8:
		order.PutUint64(mem, v)
	default:
		return fmt.Errorf("unsupported relocation width %d", size)
	}
	return nil
}

func (h Howto) mask() uint64 {
	if h.BitSize >= 64 {
		return ^uint64(0)
	}
	return 1<<h.BitSize - 1
}

// fits reports whether v is representable in bits as either an unsigned or
// a sign-extended value.
func fits(v uint64, bits uint) bool {
	if bits >= 64 {
		return true
	}
	return v>>bits == 0 || int64(v)>>(bits-1) == -1
}

// Addend returns the field contents sign-extended from its width.
func (h Howto) Addend(mem []byte, order binary.ByteOrder) (int64, error) {
	v, err := readField(mem, h.Size, order)
	if err != nil {
		return 0, err
	}
	v &= h.mask()
	if h.BitSize < 64 && v>>(h.BitSize-1)&1 != 0 {
		v |= ^h.mask()
	}
	return int64(v) << h.RightShift, nil
}

// Apply folds value into the field at mem, keeping the bits outside the
// field mask.
func (h Howto) Apply(mem []byte, order binary.ByteOrder, value uint64) error {
	old, err := readField(mem, h.Size, order)
	if err != nil {
		return err
	}
	v := uint64(int64(value) >> h.RightShift)
	mask := h.mask()

	field := v
	if h.AddInto {
		addend := old & mask
		if h.BitSize < 64 && addend>>(h.BitSize-1)&1 != 0 {
			addend |= ^mask
		}
		field = addend + v
	}
	if !fits(field, h.BitSize) {
		return fmt.Errorf("%w: %#x does not fit in %d bits", ErrOverflow, field, h.BitSize)
	}
	return writeField(mem, h.Size, order, old&^mask|field&mask)
}
