// Package aout reads and writes the a.out object format and the run-time
// relocation section (RRS) embedded in dynamically linked a.out images.
//
// The a_midmag word is always stored in network byte order; every other
// multi-byte field uses the byte order of the target machine.
package aout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrFormat = errors.New("aout: malformed file")

func formatError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Magic numbers.
const (
	OMAGIC uint16 = 0407
	NMAGIC uint16 = 0410
	ZMAGIC uint16 = 0413
	QMAGIC uint16 = 0314
)

// Machine ids.
const (
	MidZero  uint16 = 0
	MidI386  uint16 = 134
	MidM68k  uint16 = 135
	MidSparc uint16 = 138
)

// Header flags.
const (
	ExPIC     uint8 = 0x10
	ExDynamic uint8 = 0x20
)

const ExecSize = 32

type Exec struct {
	Midmag uint32
	Text   uint32
	Data   uint32
	Bss    uint32
	Syms   uint32
	Entry  uint32
	Trsize uint32
	Drsize uint32
}

func Midmag(magic uint16, mid uint16, flags uint8) uint32 {
	return uint32(flags&0x3f)<<26 | uint32(mid&0x3ff)<<16 | uint32(magic)
}

func (e Exec) Magic() uint16 { return uint16(e.Midmag & 0xffff) }
func (e Exec) Mid() uint16   { return uint16(e.Midmag>>16) & 0x3ff }
func (e Exec) Flags() uint8  { return uint8(e.Midmag>>26) & 0x3f }

func (e Exec) IsDynamic() bool { return e.Flags()&ExDynamic != 0 }
func (e Exec) IsPIC() bool     { return e.Flags()&ExPIC != 0 }

type midInfo struct {
	order   binary.ByteOrder
	ptrSize int
}

var mids = map[uint16]midInfo{
	MidI386:  {binary.LittleEndian, 4},
	MidM68k:  {binary.BigEndian, 4},
	MidSparc: {binary.BigEndian, 4},
}

// ByteOrderFor returns the byte order of a machine id.
func ByteOrderFor(mid uint16) (binary.ByteOrder, bool) {
	info, ok := mids[mid]
	return info.order, ok
}

// PtrSizeFor returns the address width in bytes of a machine id.
func PtrSizeFor(mid uint16) int {
	if info, ok := mids[mid]; ok {
		return info.ptrSize
	}
	return 4
}

// TextAddr is the link address of the text segment. Position independent
// images start at 0, executables one page in.
func TextAddr(e *Exec, pageSize uint64) uint64 {
	if e.IsPIC() || e.Magic() == OMAGIC {
		return 0
	}
	return pageSize
}

// DataAddr is the link address of the data segment.
func DataAddr(e *Exec, pageSize uint64) uint64 {
	text := TextAddr(e, pageSize) + uint64(e.Text)
	if e.Magic() == OMAGIC {
		return text
	}
	return (text + pageSize - 1) / pageSize * pageSize
}
