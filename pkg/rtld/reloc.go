package rtld

import (
	"fmt"

	"rrsld/pkg/machine"
)

func (l *Loader) putPtr(addr, v uint64) error {
	be := l.Backend
	mem, err := l.Space.Bytes(addr, be.PtrSize())
	if err != nil {
		return err
	}
	if be.PtrSize() == 8 {
		be.ByteOrder().PutUint64(mem, v)
	} else {
		be.ByteOrder().PutUint32(mem, uint32(v))
	}
	return nil
}

func (l *Loader) slot(addr uint64) ([]byte, error) {
	return l.Space.Bytes(addr, l.Backend.JmpSlotSize())
}

// relocate applies the run-time records of o except copy relocations,
// which wait until every object is relocated. With onlyRelative any
// record that needs a symbol is an error.
func (l *Loader) relocate(o *Object, onlyRelative bool) error {
	d := o.Dynamic
	if d == nil || o.relocated {
		return nil
	}
	be := l.Backend

	if d.SDT.Got != 0 {
		if err := l.putPtr(o.Base+uint64(d.SDT.Got), o.DynAddr); err != nil {
			return err
		}
	}
	if d.SDT.PltSize != 0 && !onlyRelative {
		plt0 := o.Base + uint64(d.SDT.Plt)
		mem, err := l.slot(plt0)
		if err != nil {
			return err
		}
		if err := be.FixJmpSlot(mem, plt0, l.BinderAddr); err != nil {
			return err
		}
	}

	for i := range d.Relocs {
		r := &d.Relocs[i]
		kind := machine.KindOf(r)
		if onlyRelative && kind != machine.KindRelative {
			return fmt.Errorf("%w: %v needs a symbol during bootstrap", ErrBadImage, *r)
		}
		addr := o.Base + uint64(r.Address)
		l.Stats.Relocs++

		switch kind {
		case machine.KindCopy:
			o.copies = append(o.copies, i)
			continue
		case machine.KindJmpSlot:
			if l.Opts.BindNow {
				if _, err := l.bind(o, uint32(i)); err != nil {
					return err
				}
			}
			continue
		}

		mem, err := l.Space.Bytes(addr, r.Size())
		if err != nil {
			return err
		}
		var value uint64
		if kind == machine.KindRelative {
			value = o.Base
		} else {
			def, err := l.resolve(o, r.SymbolNum)
			if err != nil {
				return err
			}
			if def != nil {
				value = def.Addr
			}
			if r.PCRel {
				value -= o.Base
			}
		}
		if err := be.Apply(r, value, mem, false); err != nil {
			return fmt.Errorf("%v: %w", *r, err)
		}
	}
	o.relocated = true
	return nil
}

// copyRelocate copies the initial value of each data item o took over
// from the object that defines it.
func (l *Loader) copyRelocate(o *Object) error {
	for _, i := range o.copies {
		r := &o.Dynamic.Relocs[i]
		if int(r.SymbolNum) >= len(o.Dynamic.Symbols) {
			return fmt.Errorf("%w: symbol index %d out of range", ErrBadImage, r.SymbolNum)
		}
		s := &o.Dynamic.Symbols[r.SymbolNum]
		def, err := l.lookup(s.Name, l.Objects, o)
		if err != nil {
			return err
		}
		if def == nil {
			return fmt.Errorf("%w: %s: no definition to copy", ErrUnresolved, s.Name)
		}
		size := s.Size
		if size == 0 && def.Sym != nil {
			size = def.Sym.Size
		}
		src, err := l.Space.Bytes(def.Addr, int(size))
		if err != nil {
			return err
		}
		dst, err := l.Space.Bytes(o.Base+uint64(r.Address), int(size))
		if err != nil {
			return err
		}
		copy(dst, src)
		l.Log.Debug("copy", "object", o.Name, "symbol", s.Name, "size", size)
	}
	o.copies = nil
	return nil
}

// bind resolves the jump slot of record relIndex in o. A bound slot is
// left alone, so binding twice returns the same target.
func (l *Loader) bind(o *Object, relIndex uint32) (uint64, error) {
	d := o.Dynamic
	if d == nil || int(relIndex) >= len(d.Relocs) {
		return 0, fmt.Errorf("%w: %s: relocation index %d out of range", ErrBadImage, o.Name, relIndex)
	}
	r := &d.Relocs[relIndex]
	if machine.KindOf(r) != machine.KindJmpSlot {
		return 0, fmt.Errorf("%w: %s: record %d is not a jump slot", ErrBadImage, o.Name, relIndex)
	}
	addr := o.Base + uint64(r.Address)
	mem, err := l.slot(addr)
	if err != nil {
		return 0, err
	}
	cur, err := l.Backend.JmpSlot(mem, addr)
	if err != nil {
		return 0, err
	}
	if cur.Bound {
		return cur.Target, nil
	}
	def, err := l.resolve(o, r.SymbolNum)
	if err != nil {
		return 0, err
	}
	if def == nil {
		return 0, fmt.Errorf("%w: %s: call through unresolved weak symbol %s", ErrUnresolved, o.Name, d.Symbols[r.SymbolNum].Name)
	}
	if err := l.Backend.FixJmpSlot(mem, addr, def.Addr); err != nil {
		return 0, err
	}
	l.Stats.Binds++
	l.Log.Debug("bind", "object", o.Name, "symbol", d.Symbols[r.SymbolNum].Name,
		"target", fmt.Sprintf("%#x", def.Addr), "slot", l.Backend.Describe(mem, addr))
	return def.Addr, nil
}

// Call follows the jump slot at addr the way a call through the
// procedure linkage table would, binding it first if it is still lazy.
// It returns the address control ends up at.
func (l *Loader) Call(addr uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objectAt(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x not in any object", ErrNotFound, addr)
	}
	mem, err := l.slot(addr)
	if err != nil {
		return 0, err
	}
	s, err := l.Backend.JmpSlot(mem, addr)
	if err != nil {
		return 0, err
	}
	if s.Bound {
		return s.Target, nil
	}
	return l.bind(o, s.RelIndex)
}

// Bind is the binder's entry point: it resolves slot relIndex of o.
func (l *Loader) Bind(o *Object, relIndex uint32) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bind(o, relIndex)
}

// Slot decodes the jump slot at addr.
func (l *Loader) Slot(addr uint64) (machine.Slot, error) {
	mem, err := l.slot(addr)
	if err != nil {
		return machine.Slot{}, err
	}
	return l.Backend.JmpSlot(mem, addr)
}

// Word reads the pointer-sized value at addr.
func (l *Loader) Word(addr uint64) (uint64, error) {
	mem, err := l.Space.Bytes(addr, l.Backend.PtrSize())
	if err != nil {
		return 0, err
	}
	if l.Backend.PtrSize() == 8 {
		return l.Backend.ByteOrder().Uint64(mem), nil
	}
	return uint64(l.Backend.ByteOrder().Uint32(mem)), nil
}
