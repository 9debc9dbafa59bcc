package linker

import (
	"fmt"
	"sort"

	"rrsld/pkg/aout"
)

// LineTable maps an address in an object's own address space to a source
// position.
type LineTable interface {
	Line(o *ObjectFile, addr uint64) (file string, line int, ok bool)
}

// StabsLines reads positions from the object's N_SO and N_SLINE stabs.
// N_SLINE values are absolute unless they follow an N_FUN, in which case
// they are offsets from the function's start. Each object's table is
// built once.
type StabsLines struct {
	tables map[*ObjectFile][]stabLine
}

func NewStabsLines() *StabsLines {
	return &StabsLines{tables: map[*ObjectFile][]stabLine{}}
}

type stabLine struct {
	addr uint64
	file string
	line int
}

func (t *StabsLines) lines(o *ObjectFile) []stabLine {
	if out, ok := t.tables[o]; ok {
		return out
	}
	var out []stabLine
	var file string
	var fun uint64
	inFun := false
	for i := range o.Aout.Symbols {
		s := &o.Aout.Symbols[i]
		switch s.Type {
		case aout.NSo, aout.NSol:
			if s.Name != "" {
				file = s.Name
			}
			inFun = false
		case aout.NFun:
			if s.Name != "" {
				fun = uint64(s.Value)
				inFun = true
			} else {
				inFun = false
			}
		case aout.NSline:
			addr := uint64(s.Value)
			if inFun {
				addr += fun
			}
			out = append(out, stabLine{addr: addr, file: file, line: int(uint16(s.Desc))})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	t.tables[o] = out
	return out
}

func (t *StabsLines) Line(o *ObjectFile, addr uint64) (string, int, bool) {
	lines := t.lines(o)
	i := sort.Search(len(lines), func(i int) bool { return lines[i].addr > addr })
	if i == 0 {
		return "", 0, false
	}
	l := lines[i-1]
	if l.file == "" {
		return "", 0, false
	}
	return l.file, l.line, true
}

// where names the place of a reference for diagnostics.
func (ctx *Context) where(o *ObjectFile, addr uint64) string {
	if ctx.Lines != nil {
		if file, line, ok := ctx.Lines.Line(o, addr); ok {
			return fmt.Sprintf("%s(%s:%d)", o.File.DisplayName(), file, line)
		}
	}
	return o.File.DisplayName()
}
