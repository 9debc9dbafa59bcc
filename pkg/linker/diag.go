package linker

import (
	"fmt"
	"io"
	"os"

	"rrsld/pkg/aout"
)

// MaxUndefinedReports caps the undefined reference messages per symbol.
const MaxUndefinedReports = 5

// Diagnostics collects the user-facing messages of a link.
type Diagnostics struct {
	ctx *Context
	Out io.Writer

	Errors   int
	Warnings int

	undefined map[*Symbol]int
}

func NewDiagnostics(ctx *Context) *Diagnostics {
	return &Diagnostics{ctx: ctx, Out: os.Stderr, undefined: map[*Symbol]int{}}
}

func (d *Diagnostics) errorf(format string, args ...any) {
	d.Errors++
	fmt.Fprintf(d.Out, format+"\n", args...)
}

func (d *Diagnostics) warnf(format string, args ...any) {
	d.Warnings++
	fmt.Fprintf(d.Out, format+"\n", args...)
}

// Undefined reports one reference to a symbol nothing defines.
func (d *Diagnostics) Undefined(o *ObjectFile, addr uint64, sym *Symbol) {
	n := d.undefined[sym]
	d.undefined[sym] = n + 1
	switch {
	case n < MaxUndefinedReports:
		d.errorf("%s: undefined reference to `%s'", d.ctx.where(o, addr), sym.Name)
	case n == MaxUndefinedReports:
		d.errorf("%s: more undefined references to `%s' follow", o.File.DisplayName(), sym.Name)
	}
}

// Referenced reports a symbol's warning text the first time it is used.
func (d *Diagnostics) Referenced(o *ObjectFile, addr uint64, sym *Symbol) {
	if sym.Warning == "" || sym.warned {
		return
	}
	sym.warned = true
	d.warnf("%s: warning: %s", d.ctx.where(o, addr), sym.Warning)
}

// MultiplyDefined reports every symbol with more than one definition.
// Commons and alias entries do not count.
func (d *Diagnostics) MultiplyDefined() {
	for _, sym := range d.ctx.Symbols {
		var defs []*LocalSymbol
		for _, l := range sym.Defs {
			if l.Sym.Kind() == aout.NIndr || l.Sym.IsWeak() {
				continue
			}
			defs = append(defs, l)
		}
		if len(defs) < 2 {
			continue
		}
		first := defs[0]
		for _, l := range defs[1:] {
			d.errorf("%s: multiple definitions of `%s' (first defined in %s)",
				d.ctx.where(l.File, uint64(l.Sym.Value)), sym.Name, d.ctx.where(first.File, uint64(first.Sym.Value)))
		}
	}
}

// UndefinedCount is the number of distinct symbols reported undefined.
func (d *Diagnostics) UndefinedCount() int { return len(d.undefined) }
