package linker

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrMalformed  = errors.New("malformed input")
	ErrUnresolved = errors.New("unresolved symbols")
	ErrInternal   = errors.New("internal error")
)

// needsDefinition reports whether a real definition of name would satisfy
// outstanding demand: a strong undefined reference not already met by a
// shared library. A common never pulls a member in.
func needsDefinition(ctx *Context, name string) bool {
	sym, ok := LookupSymbol(ctx, name)
	if !ok || sym.Kind != SymUndefined {
		return false
	}
	return sym.StrongRefs > 0 && sym.SharedDef == nil
}

// foldCommons records the common declarations of members left out of the
// link against the symbols still waiting for storage. Only the size is
// taken; the member stays out.
func (ar *Archive) foldCommons(ctx *Context) {
	for i, commons := range ar.commons {
		if ar.pulled[i] {
			continue
		}
		for name, size := range commons {
			sym, ok := LookupSymbol(ctx, name)
			if !ok || sym.StrongRefs == 0 {
				continue
			}
			switch sym.Kind {
			case SymUndefined:
				if sym.SharedDef != nil {
					continue
				}
				sym.Kind = SymCommon
			case SymCommon:
			default:
				continue
			}
			sym.CommonSize = max(sym.CommonSize, size)
		}
	}
}

func (ar *Archive) pull(ctx *Context, i int) error {
	m := ar.Members[i]
	ar.pulled[i] = true
	m.IsAlive = true
	ctx.Log.Debug("archive member", "member", m.File.DisplayName())
	return m.ResolveSymbols(ctx)
}

// scanIndex walks the symbol index. Members whose only definition of a
// name is a common are not pulled for it.
func (ar *Archive) scanIndex(ctx *Context) (int, error) {
	n := 0
	for _, e := range ar.Index {
		if ar.pulled[e.Member] || !ar.defs[e.Member][e.Name] {
			continue
		}
		if needsDefinition(ctx, e.Name) {
			if err := ar.pull(ctx, e.Member); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// scanMembers is the fallback for archives without an index.
func (ar *Archive) scanMembers(ctx *Context) (int, error) {
	n := 0
	for i := range ar.Members {
		if ar.pulled[i] {
			continue
		}
		for name, real := range ar.defs[i] {
			if real && needsDefinition(ctx, name) {
				if err := ar.pull(ctx, i); err != nil {
					return n, err
				}
				n++
				break
			}
		}
	}
	return n, nil
}

// ResolveArchive pulls members until a pass adds none, then appends the
// included members to the link in archive order.
func ResolveArchive(ctx *Context, ar *Archive) error {
	span := ctx.startSpan("ld.archive")
	span.SetTag("archive", ar.File.Name)
	defer span.Finish()

	passes := 0
	for {
		passes++
		var n int
		var err error
		switch {
		case ar.whole:
			for i := range ar.Members {
				if !ar.pulled[i] {
					if err = ar.pull(ctx, i); err != nil {
						break
					}
					n++
				}
			}
		case ctx.Args.UseIndex && ar.HasIndex:
			n, err = ar.scanIndex(ctx)
		default:
			n, err = ar.scanMembers(ctx)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	ar.foldCommons(ctx)

	var included []*ObjectFile
	for i, m := range ar.Members {
		if ar.pulled[i] {
			included = append(included, m)
		}
	}
	sort.SliceStable(included, func(i, j int) bool {
		return included[i].Position < included[j].Position
	})
	ctx.Objs = append(ctx.Objs, included...)
	ctx.Log.Debug("archive resolved", "archive", ar.File.Name,
		"passes", passes, "members", len(included), "symbols", ctx.SymbolCount)
	return nil
}

// ResolveSymbols checks the finished symbol table: alias chains must end
// in a real symbol.
func ResolveSymbols(ctx *Context) error {
	span := ctx.startSpan("ld.resolve")
	defer span.Finish()

	for _, sym := range ctx.Symbols {
		if sym.Kind != SymIndirect {
			continue
		}
		if _, err := sym.Real(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}
