package rtld

import (
	"fmt"

	"rrsld/pkg/aout"
)

// Def is where a symbol reference resolved to. Obj and Sym are nil for
// commons allocated by the loader.
type Def struct {
	Obj  *Object
	Sym  *aout.DynSymbol
	Addr uint64
}

const maxAliasDepth = 8

func symAddr(o *Object, s *aout.DynSymbol) uint64 {
	if s.Kind() == aout.NAbs {
		return uint64(s.Value)
	}
	return o.Base + uint64(s.Value)
}

// lookup finds the definition of name. Commons the loader allocated win;
// after them the objects of scope are tried in order, skipping skip. An
// alias continues the search in the object that declared it and nowhere
// else. When only
// common declarations are seen, storage of the largest declared size is
// allocated. A nil Def means there is no definition.
func (l *Loader) lookup(name string, scope []*Object, skip *Object) (*Def, error) {
	return l.lookupDepth(name, scope, skip, 0)
}

func (l *Loader) lookupDepth(name string, scope []*Object, skip *Object, depth int) (*Def, error) {
	if depth > maxAliasDepth {
		return nil, fmt.Errorf("%w: alias loop at %s", ErrBadImage, name)
	}
	l.Stats.Lookups++
	if r, ok := l.commons[name]; ok {
		return &Def{Addr: r.Addr}, nil
	}

	var common uint32
	for _, o := range scope {
		if o == skip || o.Dynamic == nil {
			continue
		}
		syms := o.Dynamic.Symbols
		i, ok := o.Dynamic.Lookup(name)
		if !ok {
			continue
		}
		s := &syms[i]
		switch {
		case s.Kind() == aout.NIndr:
			if int(s.Value) >= len(syms) {
				return nil, fmt.Errorf("%w: %s: alias %s has bad target %d", ErrBadImage, o.Name, name, s.Value)
			}
			return l.lookupDepth(syms[s.Value].Name, []*Object{o}, nil, depth+1)
		case s.IsCommon():
			common = max(common, s.Value)
		case s.IsDefined():
			return &Def{Obj: o, Sym: s, Addr: symAddr(o, s)}, nil
		}
	}

	if common == 0 {
		return nil, nil
	}
	r, err := l.Space.Map(0, uint64(common), "COMMON "+name)
	if err != nil {
		return nil, err
	}
	l.commons[name] = r
	l.allocated = append(l.allocated, name)
	l.Log.Debug("common", "symbol", name, "size", common, "addr", fmt.Sprintf("%#x", r.Addr))
	return &Def{Addr: r.Addr}, nil
}

// resolve returns the definition for symbol idx of o, caching it per
// object. Weak references without a definition resolve to nil.
func (l *Loader) resolve(o *Object, idx uint32) (*Def, error) {
	syms := o.Dynamic.Symbols
	if int(idx) >= len(syms) {
		return nil, fmt.Errorf("%w: symbol index %d out of range", ErrBadImage, idx)
	}
	if len(o.cache) != len(syms) {
		return nil, fmt.Errorf("%w: %s: symbol cache out of step", ErrInternal, o.Name)
	}
	if def := o.cache[idx]; def != nil {
		l.Stats.CacheHits++
		return def, nil
	}
	s := &syms[idx]
	def, err := l.lookup(s.Name, l.Objects, nil)
	if err != nil {
		return nil, err
	}
	if def == nil {
		if s.IsWeak() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, s.Name)
	}
	o.cache[idx] = def
	return def, nil
}
