package aout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestRelocPacking(t *testing.T) {
	relocs := []Reloc{
		{Address: 0x10, SymbolNum: 3, PCRel: true, Length: 2, Extern: true},
		{Address: 0x1234, SymbolNum: uint32(NData), Length: 2},
		{Address: 0x20, SymbolNum: 0xfffff, Length: 2, Extern: true, JmpTable: true},
		{Address: 0x24, SymbolNum: 7, Length: 1, BaseRel: true},
		{Address: 0x28, Length: 2, Relative: true},
		{Address: 0x2c, SymbolNum: 9, Length: 2, Extern: true, Copy: true},
		{Address: 0x30, SymbolNum: 1, Length: 0, PCRel: true},
		{Address: 1 << 40, SymbolNum: 1, Length: 3, Extern: true},
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for _, ptrSize := range []int{4, 8} {
			for _, r := range relocs {
				if ptrSize == 4 && r.Address > 0xffffffff {
					continue
				}
				b := make([]byte, RelocSize(ptrSize))
				if err := EncodeReloc(b, &r, order, ptrSize); err != nil {
					t.Fatal(err)
				}
				got, err := DecodeReloc(b, order, ptrSize)
				if err != nil {
					t.Fatal(err)
				}
				if got != r {
					t.Errorf("%v/%d: got %v, want %v", order, ptrSize, got, r)
				}
			}
		}
	}
}

func TestRelocBitLayout(t *testing.T) {
	r := Reloc{SymbolNum: 5, Extern: true, Length: 2}
	b := make([]byte, 8)
	if err := EncodeReloc(b, &r, binary.LittleEndian, 4); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(b[4:]); got != 5|2<<25|1<<27 {
		t.Errorf("little endian info word = %#x", got)
	}
	if err := EncodeReloc(b, &r, binary.BigEndian, 4); err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(b[4:]); got != 5<<8|2<<5|1<<4 {
		t.Errorf("big endian info word = %#x", got)
	}

	r.SymbolNum = 1 << 24
	if err := EncodeReloc(b, &r, binary.LittleEndian, 4); !errors.Is(err, ErrFormat) {
		t.Errorf("oversized symbol number: err = %v", err)
	}
}

func TestMidmag(t *testing.T) {
	e := Exec{Midmag: Midmag(ZMAGIC, MidM68k, ExDynamic|ExPIC)}
	if e.Magic() != ZMAGIC || e.Mid() != MidM68k || !e.IsDynamic() || !e.IsPIC() {
		t.Errorf("midmag decode: magic=%o mid=%d flags=%#x", e.Magic(), e.Mid(), e.Flags())
	}
	if got := TextAddr(&e, 8192); got != 0 {
		t.Errorf("TextAddr(pic) = %#x", got)
	}
	e.Midmag = Midmag(ZMAGIC, MidI386, 0)
	e.Text = 0x1800
	if got := DataAddr(&e, 4096); got != 0x3000 {
		t.Errorf("DataAddr = %#x, want 0x3000", got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	for _, mid := range []uint16{MidI386, MidM68k} {
		f, err := NewFile(OMAGIC, mid, 0)
		if err != nil {
			t.Fatal(err)
		}
		f.Text = []byte{0x90, 0xe8, 0, 0, 0, 0, 0xc3, 0x90}
		f.Data = []byte{1, 2, 3, 4}
		f.TextRelocs = []Reloc{{Address: 2, SymbolNum: 1, PCRel: true, Length: 2, Extern: true}}
		f.DataRelocs = []Reloc{{Address: 0, SymbolNum: uint32(NText), Length: 2}}
		f.Symbols = []Symbol{
			{Name: "_main", Type: NText | NExt, Other: Other(BindGlobal, AuxFunc)},
			{Name: "_printf", Type: NUndf | NExt},
			{Name: "_buf", Type: NUndf | NExt, Value: 64},
			{Name: "main.c", Type: NSo},
			{Type: NSline, Desc: 3, Value: 0},
		}
		b, err := f.Encode()
		if err != nil {
			t.Fatal(err)
		}
		if !IsObject(b) {
			t.Fatal("encoded file not recognized")
		}
		g, err := Parse(b)
		if err != nil {
			t.Fatal(err)
		}
		if g.Header.Mid() != mid || g.Header.Magic() != OMAGIC {
			t.Errorf("header = %+v", g.Header)
		}
		if !reflect.DeepEqual(g.Text, f.Text) || !reflect.DeepEqual(g.Data, f.Data) {
			t.Error("segments differ")
		}
		if !reflect.DeepEqual(g.TextRelocs, f.TextRelocs) || !reflect.DeepEqual(g.DataRelocs, f.DataRelocs) {
			t.Errorf("relocations differ: %v %v", g.TextRelocs, g.DataRelocs)
		}
		if !reflect.DeepEqual(g.Symbols, f.Symbols) {
			t.Errorf("symbols differ:\n got %+v\nwant %+v", g.Symbols, f.Symbols)
		}
		if !g.Symbols[2].IsCommon() || g.Symbols[1].IsCommon() || !g.Symbols[1].IsUndefined() {
			t.Error("common/undefined classification")
		}
	}
}

func TestParseTruncated(t *testing.T) {
	f, _ := NewFile(OMAGIC, MidI386, 0)
	f.Text = make([]byte, 16)
	b, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{4, ExecSize + 3} {
		if _, err := Parse(b[:n]); !errors.Is(err, ErrFormat) {
			t.Errorf("Parse(%d bytes) err = %v", n, err)
		}
	}
}

type flatMemory struct {
	base uint64
	buf  []byte
}

func (m *flatMemory) Bytes(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr-m.base+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("address %#x+%d out of range", addr, n)
	}
	return m.buf[addr-m.base : addr-m.base+uint64(n)], nil
}

func TestHashLookup(t *testing.T) {
	names := []string{"_a", "_b", "_main", "_printf", "_errno", "_environ", "_exit"}
	d := &Dynamic{SDT: SDT{Buckets: 3}}
	for _, n := range names {
		d.Symbols = append(d.Symbols, DynSymbol{Name: n})
	}
	d.Hash = BuildHash(names, 3)
	if len(d.Hash) != 3+len(names)-countDistinctBuckets(names, 3) {
		t.Errorf("hash table has %d entries", len(d.Hash))
	}
	for i, n := range names {
		idx, ok := d.Lookup(n)
		if !ok || idx != i {
			t.Errorf("Lookup(%q) = %d, %v", n, idx, ok)
		}
	}
	if _, ok := d.Lookup("_missing"); ok {
		t.Error("found missing symbol")
	}
}

func countDistinctBuckets(names []string, n uint32) int {
	seen := map[uint32]bool{}
	for _, name := range names {
		seen[HashName(name)%n] = true
	}
	return len(seen)
}

func TestDynamicRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		d := &Dynamic{
			Relocs: []Reloc{
				{Address: 0x2010, Length: 2, Relative: true},
				{Address: 0x2014, SymbolNum: 1, Length: 2, Extern: true},
				{Address: 0x2030, SymbolNum: 0, Length: 2, Extern: true, JmpTable: true},
			},
			Symbols: []DynSymbol{
				{Name: "_foo", Type: NText | NExt, Value: 0x100},
				{Name: "_bar", Type: NUndf | NExt},
				{Name: "_common", Type: NUndf | NExt, Value: 40},
			},
			Needed: []Needed{
				{Name: "c", Library: true, Major: 12, Minor: 3},
				{Name: "/usr/lib/crt.so", Major: 0, Minor: 0},
			},
			Paths: "/opt/lib:/usr/local/lib",
		}
		names := []string{"_foo", "_bar", "_common"}
		d.SDT.Buckets = uint32(len(names))
		d.Hash = BuildHash(names, len(names))
		d.SDT.Got = 0x2020
		d.SDT.Plt = 0x2028

		const textAddr, dataAddr = 0x40, 0x2000
		text, err := d.EncodeText(textAddr, order, 4)
		if err != nil {
			t.Fatal(err)
		}
		if len(text) != d.TextSize(4) {
			t.Errorf("TextSize = %d, encoded %d", d.TextSize(4), len(text))
		}
		hdr, err := d.EncodeHeader(dataAddr, order)
		if err != nil {
			t.Fatal(err)
		}

		const base = 0x40000000
		mem := &flatMemory{base: base, buf: make([]byte, dataAddr+len(hdr))}
		copy(mem.buf[textAddr:], text)
		copy(mem.buf[dataAddr:], hdr)

		got, err := ReadDynamic(mem, base+dataAddr, base, order, 4)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got.Relocs, d.Relocs) {
			t.Errorf("relocs = %v", got.Relocs)
		}
		if !reflect.DeepEqual(got.Symbols, d.Symbols) {
			t.Errorf("symbols = %+v", got.Symbols)
		}
		if !reflect.DeepEqual(got.Needed, d.Needed) {
			t.Errorf("needed = %+v", got.Needed)
		}
		if got.Paths != d.Paths {
			t.Errorf("paths = %q", got.Paths)
		}
		if got.SDT != d.SDT {
			t.Errorf("sdt = %+v, want %+v", got.SDT, d.SDT)
		}
		if idx, ok := got.Lookup("_common"); !ok || idx != 2 {
			t.Errorf("Lookup after round trip = %d, %v", idx, ok)
		}
	}
}

func TestReadDynamicBadVersion(t *testing.T) {
	mem := &flatMemory{buf: make([]byte, DynamicHeaderSize)}
	if _, err := ReadDynamic(mem, 0, 0, binary.LittleEndian, 4); !errors.Is(err, ErrFormat) {
		t.Errorf("err = %v", err)
	}
}
