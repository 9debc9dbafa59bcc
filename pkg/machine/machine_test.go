package machine

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"rrsld/pkg/aout"
)

func TestRegistry(t *testing.T) {
	for _, name := range []string{"i386", "m68k"} {
		b, ok := Lookup(name)
		if !ok {
			t.Fatalf("no back end %q", name)
		}
		if got, ok := ForMid(b.Mid()); !ok || got.Name() != name {
			t.Errorf("ForMid(%d) = %v", b.Mid(), got)
		}
	}
	if _, ok := Lookup("vax"); ok {
		t.Error("found vax")
	}
	if got := strings.Join(Names(), ","); got != "i386,m68k" {
		t.Errorf("Names() = %s", got)
	}
}

func TestHowtoApply(t *testing.T) {
	tests := []struct {
		name  string
		h     Howto
		order binary.ByteOrder
		in    []byte
		value uint64
		want  []byte
	}{
		{"add into le32", Howto{Size: 4, BitSize: 32, AddInto: true}, binary.LittleEndian,
			[]byte{4, 0, 0, 0}, 0x1000, []byte{4, 0x10, 0, 0}},
		{"negative addend be32", Howto{Size: 4, BitSize: 32, AddInto: true}, binary.BigEndian,
			[]byte{0xff, 0xff, 0xff, 0xfc}, 0x2000, []byte{0, 0, 0x1f, 0xfc}},
		{"replace", Howto{Size: 2, BitSize: 16}, binary.LittleEndian,
			[]byte{0xaa, 0xbb}, 0x1234, []byte{0x34, 0x12}},
		{"right shift", Howto{Size: 4, BitSize: 32, RightShift: 2}, binary.BigEndian,
			[]byte{0, 0, 0, 0}, 0x100, []byte{0, 0, 0, 0x40}},
		{"partial mask", Howto{Size: 4, BitSize: 24, AddInto: true}, binary.BigEndian,
			[]byte{0xab, 0, 0, 1}, 1, []byte{0xab, 0, 0, 2}},
		{"byte", Howto{Size: 1, BitSize: 8, AddInto: true}, binary.LittleEndian,
			[]byte{1}, 0xfe, []byte{0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := append([]byte(nil), tt.in...)
			if err := tt.h.Apply(mem, tt.order, tt.value); err != nil {
				t.Fatal(err)
			}
			if string(mem) != string(tt.want) {
				t.Errorf("got % x, want % x", mem, tt.want)
			}
		})
	}
}

func TestHowtoOverflow(t *testing.T) {
	h := Howto{Size: 2, BitSize: 16, AddInto: true}
	mem := []byte{0, 0}
	if err := h.Apply(mem, binary.LittleEndian, 0x12345); !errors.Is(err, ErrOverflow) {
		t.Errorf("err = %v", err)
	}
	neg := uint64(0xffffffffffff8000)
	if err := h.Apply(mem, binary.LittleEndian, neg); err != nil {
		t.Errorf("sign-extended value rejected: %v", err)
	}
	if err := h.Apply([]byte{0}, binary.LittleEndian, 1); !errors.Is(err, ErrBounds) {
		t.Errorf("short field err = %v", err)
	}
}

func TestDecodeAddend(t *testing.T) {
	b, _ := Lookup("m68k")
	r := &aout.Reloc{Length: 2, PCRel: true}
	a, err := b.DecodeAddend(r, []byte{0xff, 0xff, 0xff, 0xf8})
	if err != nil || a != -8 {
		t.Errorf("addend = %d, %v", a, err)
	}
	r.Length = 1
	a, _ = b.DecodeAddend(r, []byte{0x00, 0x10})
	if a != 16 {
		t.Errorf("16-bit addend = %d", a)
	}
}

func TestApplyRelocatable(t *testing.T) {
	b, _ := Lookup("i386")
	mem := []byte{1, 0, 0, 0}
	r := &aout.Reloc{Length: 2, Extern: true, JmpTable: true}
	if err := b.Apply(r, 0x100, mem, true); err != nil {
		t.Fatal(err)
	}
	if mem[0] != 1 || mem[1] != 0 {
		t.Errorf("jmptable field patched in relocatable output: % x", mem)
	}
	if err := b.Apply(r, 0x100, mem, false); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(mem) != 0x101 {
		t.Errorf("field = % x", mem)
	}
}

func TestJmpSlotLifecycle(t *testing.T) {
	const pltAddr = 0x40002000
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			b, _ := Lookup(name)
			size := b.JmpSlotSize()
			plt := make([]byte, 3*size)
			slotOff := uint64(2 * size)
			slot := plt[slotOff:]
			if err := b.BuildLazyJmpSlot(slot, slotOff, 7); err != nil {
				t.Fatal(err)
			}
			s, err := b.JmpSlot(slot, pltAddr+slotOff)
			if err != nil {
				t.Fatal(err)
			}
			if s.Bound || s.RelIndex != 7 || s.Target != pltAddr {
				t.Errorf("lazy slot = %+v", s)
			}

			const target = 0x40100040
			for i := 0; i < 2; i++ {
				if err := b.FixJmpSlot(slot, pltAddr+slotOff, target); err != nil {
					t.Fatal(err)
				}
				s, err = b.JmpSlot(slot, pltAddr+slotOff)
				if err != nil {
					t.Fatal(err)
				}
				if !s.Bound || s.Target != target {
					t.Errorf("bound slot = %+v", s)
				}
			}
			if d := b.Describe(slot, pltAddr+slotOff); d == "" {
				t.Error("empty description")
			}
		})
	}
}

func TestI386Describe(t *testing.T) {
	b, _ := Lookup("i386")
	slot := make([]byte, 8)
	if err := b.FixJmpSlot(slot, 0x1000, 0x2000); err != nil {
		t.Fatal(err)
	}
	d := b.Describe(slot, 0x1000)
	if !strings.Contains(d, "jmp") || !strings.Contains(d, "0x2000") {
		t.Errorf("Describe = %q", d)
	}
}

func TestLazySlotIndexOverflow(t *testing.T) {
	for _, name := range Names() {
		b, _ := Lookup(name)
		if err := b.BuildLazyJmpSlot(make([]byte, 8), 8, 1<<16); !errors.Is(err, ErrOverflow) {
			t.Errorf("%s: err = %v", name, err)
		}
		if err := b.BuildLazyJmpSlot(make([]byte, 4), 8, 1); !errors.Is(err, ErrSlot) {
			t.Errorf("%s: short slot err = %v", name, err)
		}
	}
}

func TestMakeReloc(t *testing.T) {
	b, _ := Lookup("i386")
	tmpl := &aout.Reloc{Address: 0x40, SymbolNum: 3, Length: 2, PCRel: true, Extern: true}
	// A GOT record is a symbol record on the wire; only the linker knows
	// the difference.
	tests := []struct {
		kind RelocKind
		want aout.Reloc
		wire RelocKind
	}{
		{KindRelative, aout.Reloc{Address: 0x40, Length: 2, Relative: true}, KindRelative},
		{KindSymbol, aout.Reloc{Address: 0x40, SymbolNum: 3, Length: 2, PCRel: true, Extern: true}, KindSymbol},
		{KindGlobDat, aout.Reloc{Address: 0x40, SymbolNum: 3, Length: 2, Extern: true}, KindSymbol},
		{KindJmpSlot, aout.Reloc{Address: 0x40, SymbolNum: 3, Length: 2, Extern: true, JmpTable: true}, KindJmpSlot},
		{KindCopy, aout.Reloc{Address: 0x40, SymbolNum: 3, Length: 2, Extern: true, Copy: true}, KindCopy},
	}
	for _, tt := range tests {
		got := b.MakeReloc(tmpl, tt.kind)
		if got != tt.want {
			t.Errorf("%v: got %v, want %v", tt.kind, got, tt.want)
		}
		if KindOf(&got) != tt.wire {
			t.Errorf("KindOf(%v) = %v, want %v", got, KindOf(&got), tt.wire)
		}
	}
}
