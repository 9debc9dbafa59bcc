// Package linktest builds a.out objects and archives for tests.
package linktest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"rrsld/pkg/aout"
)

// Object is a relocatable object under construction. Symbol values and
// relocation addresses are given relative to their own segment and
// converted to the object's address space by Bytes.
type Object struct {
	File *aout.File
	bss  uint32
}

func NewObject(mid uint16) *Object {
	f, err := aout.NewFile(aout.OMAGIC, mid, 0)
	if err != nil {
		panic(err)
	}
	return &Object{File: f}
}

// Text appends code and returns its offset in the text segment.
func (o *Object) Text(b ...byte) uint32 {
	off := uint32(len(o.File.Text))
	o.File.Text = append(o.File.Text, b...)
	return off
}

func (o *Object) Data(b ...byte) uint32 {
	off := uint32(len(o.File.Data))
	o.File.Data = append(o.File.Data, b...)
	return off
}

func (o *Object) Bss(n uint32) uint32 {
	off := o.bss
	o.bss += n
	return off
}

// Sym appends a raw symbol table entry and returns its index.
func (o *Object) Sym(s aout.Symbol) int {
	o.File.Symbols = append(o.File.Symbols, s)
	return len(o.File.Symbols) - 1
}

// Def defines an external symbol at off in segment typ.
func (o *Object) Def(name string, typ uint8, off uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: typ | aout.NExt, Value: off})
}

func (o *Object) Func(name string, off uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: aout.NText | aout.NExt, Other: aout.Other(aout.BindGlobal, aout.AuxFunc), Value: off})
}

func (o *Object) WeakDef(name string, typ uint8, off uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: typ | aout.NExt, Other: aout.Other(aout.BindWeak, 0), Value: off})
}

// Local defines a non-external symbol.
func (o *Object) Local(name string, typ uint8, off uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: typ, Value: off})
}

func (o *Object) Undef(name string) int {
	return o.Sym(aout.Symbol{Name: name, Type: aout.NUndf | aout.NExt})
}

func (o *Object) WeakUndef(name string) int {
	return o.Sym(aout.Symbol{Name: name, Type: aout.NUndf | aout.NExt, Other: aout.Other(aout.BindWeak, 0)})
}

func (o *Object) Common(name string, size uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: aout.NUndf | aout.NExt, Value: size})
}

// Alias makes name an indirect symbol for target.
func (o *Object) Alias(name, target string) int {
	i := o.Sym(aout.Symbol{Name: name, Type: aout.NIndr | aout.NExt})
	o.Undef(target)
	return i
}

// Size records the size of an external data symbol.
func (o *Object) Size(name string, n uint32) int {
	return o.Sym(aout.Symbol{Name: name, Type: aout.NSize | aout.NExt, Value: n})
}

// Warning attaches text to the next symbol entered.
func (o *Object) Warning(text string) {
	o.Sym(aout.Symbol{Name: text, Type: aout.NWarning})
}

// Stab appends a debugger entry. Values are text offsets.
func (o *Object) Stab(typ uint8, name string, desc int16, off uint32) {
	o.Sym(aout.Symbol{Name: name, Type: typ, Desc: desc, Value: off})
}

func (o *Object) TextReloc(r aout.Reloc) { o.File.TextRelocs = append(o.File.TextRelocs, r) }
func (o *Object) DataReloc(r aout.Reloc) { o.File.DataRelocs = append(o.File.DataRelocs, r) }

// Bytes encodes the object. Segment-relative symbol values become
// addresses in the object's own space: data after text, bss after data.
func (o *Object) Bytes() []byte {
	f := *o.File
	text := uint32(len(f.Text))
	data := uint32(len(f.Data))
	f.Header.Bss = o.bss
	f.Symbols = make([]aout.Symbol, len(o.File.Symbols))
	for i, s := range o.File.Symbols {
		switch {
		case s.Type&aout.NStab != 0:
		case s.Type&aout.NType == aout.NData:
			s.Value += text
		case s.Type&aout.NType == aout.NBss:
			s.Value += text + data
		}
		f.Symbols[i] = s
	}
	b, err := f.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

type Member struct {
	Name string
	Data []byte
}

func arHeader(name string, size int) []byte {
	h := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8o%-10d`\n", name, 0, 0, 0, 0o644, size)
	return []byte(h)
}

func pad(b []byte) []byte {
	if len(b)%2 == 1 {
		b = append(b, '\n')
	}
	return b
}

// Archive builds a System V archive, with a symbol index of every
// external definition when index is set.
func Archive(index bool, members ...Member) []byte {
	type entry struct {
		name   string
		member int
	}
	var entries []entry
	if index {
		for i, m := range members {
			f, err := aout.Parse(m.Data)
			if err != nil {
				panic(err)
			}
			for _, s := range f.Symbols {
				if s.IsExt() && (s.IsDefinition() || s.Kind() == aout.NIndr) {
					entries = append(entries, entry{s.Name, i})
				}
			}
		}
	}

	var idx []byte
	if index {
		size := 4 + 4*len(entries)
		for _, e := range entries {
			size += len(e.name) + 1
		}
		idx = make([]byte, size)
	}

	offsets := make([]int, len(members))
	pos := len(arMagic)
	if index {
		pos += arHeaderSize + len(pad(append([]byte(nil), idx...)))
	}
	for i, m := range members {
		offsets[i] = pos
		pos += arHeaderSize + len(pad(append([]byte(nil), m.Data...)))
	}

	if index {
		binary.BigEndian.PutUint32(idx, uint32(len(entries)))
		names := idx[4+4*len(entries):]
		for i, e := range entries {
			binary.BigEndian.PutUint32(idx[4+4*i:], uint32(offsets[e.member]))
			n := copy(names, e.name)
			names = names[n+1:]
		}
	}

	var buf bytes.Buffer
	buf.WriteString(arMagic)
	if index {
		buf.Write(arHeader("/", len(idx)))
		buf.Write(pad(idx))
	}
	for _, m := range members {
		buf.Write(arHeader(m.Name+"/", len(m.Data)))
		buf.Write(pad(append([]byte(nil), m.Data...)))
	}
	return buf.Bytes()
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
