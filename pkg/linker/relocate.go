package linker

import (
	"fmt"

	"rrsld/pkg/aout"
	"rrsld/pkg/machine"
)

func (b *RRSBuilder) putPtr(mem []byte, v uint64) {
	order := b.ctx.Backend.ByteOrder()
	if b.ctx.Backend.PtrSize() == 8 {
		order.PutUint64(mem, v)
		return
	}
	order.PutUint32(mem, uint32(v))
}

// strict reports whether undefined symbols stop the link before output.
func (b *RRSBuilder) strict() bool {
	args := &b.ctx.Args
	return args.Symbolic || args.NoUndefined || b.Type == SectionPartial
}

// checkRef runs the reference diagnostics for one relocation.
func (b *RRSBuilder) checkRef(o *ObjectFile, addr uint64, sym *Symbol) {
	if sym == nil {
		return
	}
	b.ctx.Diag.Referenced(o, addr, sym)
	if sym.IsDefined() || sym.Copy || sym.Kind == SymCommon || sym.SharedDef != nil {
		return
	}
	if sym.StrongRefs == 0 {
		return
	}
	if b.ctx.Args.Shared && !b.strict() {
		return
	}
	b.ctx.Diag.Undefined(o, addr, sym)
}

// Emit is the second walk over the relocations. It patches the output
// image, fills the GOT and PLT and appends exactly the run-time records
// Reserve counted.
func (b *RRSBuilder) Emit() error {
	if err := b.transition(StateAllocate, StateEmit); err != nil {
		return err
	}
	ctx := b.ctx
	be := ctx.Backend

	if b.Type != SectionNone {
		b.putPtr(b.Got, b.DynamicAddr)
	}
	if b.full() {
		slot := be.JmpSlotSize()
		if err := be.FixJmpSlot(b.Plt[:slot], b.PltAddr, b.PltAddr); err != nil {
			return err
		}
	}

	for _, sym := range b.Copies {
		r := be.MakeReloc(&aout.Reloc{Address: sym.Value, SymbolNum: uint32(sym.RRSIndex)}, machine.KindCopy)
		if err := b.claim(RelocCopy, r); err != nil {
			return err
		}
	}

	err := b.forEachReloc(func(o *ObjectFile, seg uint8, r *aout.Reloc) error {
		if err := b.relocate(o, seg, r); err != nil {
			return fmt.Errorf("%s: relocation %v: %w", o.File.DisplayName(), *r, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.Verify(); err != nil {
		return err
	}

	if b.full() {
		d := b.Dynamic
		for i, sym := range b.dynSyms {
			d.Symbols[i] = b.dynSymbol(sym)
		}
		d.Relocs = b.Relocs
		d.SDT.Got = uint32(b.GotAddr)
		d.SDT.Plt = uint32(b.PltAddr)
		d.SDT.PltSize = uint32(len(b.Plt))
	}
	return nil
}

func (b *RRSBuilder) relocate(o *ObjectFile, seg uint8, r *aout.Reloc) error {
	ctx := b.ctx
	be := ctx.Backend
	act, err := b.classify(o, r)
	if err != nil {
		return err
	}

	localP := o.localStart(seg) + r.Address
	outP := o.outStart(seg) + r.Address
	mem, err := ctx.Layout.Bytes(outP, r.Size())
	if err != nil {
		return err
	}
	var pcAdj uint64
	if r.PCRel {
		pcAdj = outP - localP
	}
	apply := func(v uint64) error { return be.Apply(r, v, mem, false) }
	symNum := func() uint32 { return uint32(act.sym.RRSIndex) }

	switch act.class {
	case RelocSegment:
		tseg := uint8(r.SymbolNum) & aout.NType
		if err := apply(o.Delta(tseg) - pcAdj); err != nil {
			return err
		}
		if act.record {
			rec := be.MakeReloc(&aout.Reloc{Address: outP, Length: r.Length}, machine.KindRelative)
			return b.claim(RelocSegment, rec)
		}
		return nil

	case RelocGot:
		b.checkRef(o, localP, act.sym)
		off := *b.gotOffset(&act)
		if err := apply(uint64(off)); err != nil {
			return err
		}
		if b.gotDone[off] {
			return nil
		}
		b.gotDone[off] = true
		return b.fillGot(&act, off)

	case RelocJmpSlot:
		b.checkRef(o, localP, act.sym)
		if !act.usePlt {
			return apply(act.sym.Value - pcAdj)
		}
		off := act.sym.PltOffset
		if err := apply(b.PltAddr + uint64(off) - pcAdj); err != nil {
			return err
		}
		if b.pltDone[off] {
			return nil
		}
		b.pltDone[off] = true
		slot := b.Plt[off : off+int64(be.JmpSlotSize())]
		if err := be.BuildLazyJmpSlot(slot, uint64(off), uint32(len(b.Relocs))); err != nil {
			return err
		}
		rec := be.MakeReloc(&aout.Reloc{Address: b.PltAddr + uint64(off), SymbolNum: symNum()}, machine.KindJmpSlot)
		return b.claim(RelocJmpSlot, rec)
	}

	b.checkRef(o, localP, act.sym)
	switch {
	case act.unresolved:
		return apply(-pcAdj)
	case act.kind == machine.KindRelative:
		if err := apply(act.sym.Value - pcAdj); err != nil {
			return err
		}
		if act.record {
			rec := be.MakeReloc(&aout.Reloc{Address: outP, Length: r.Length}, machine.KindRelative)
			return b.claim(RelocSymbol, rec)
		}
		return nil
	}
	// the loader adds the symbol's address
	if err := apply(-pcAdj); err != nil {
		return err
	}
	tmpl := &aout.Reloc{Address: outP, SymbolNum: symNum(), Length: r.Length, PCRel: r.PCRel}
	return b.claim(RelocSymbol, be.MakeReloc(tmpl, machine.KindSymbol))
}

// fillGot writes a GOT slot the first time it is reached and appends its
// run-time record if it needs one.
func (b *RRSBuilder) fillGot(act *relocAction, off int64) error {
	be := b.ctx.Backend
	slot := b.Got[off : off+int64(be.PtrSize())]
	kind, ok := b.gotRecord(act)
	var value uint64
	switch {
	case ok && kind == machine.KindGlobDat:
		// the loader stores the symbol's address
	case act.local != nil:
		value = act.local.Addr()
	case b.local(act.sym):
		value = act.sym.Value
	}
	b.putPtr(slot, value)
	if !ok {
		return nil
	}
	tmpl := &aout.Reloc{Address: b.GotAddr + uint64(off), Length: 2}
	if be.PtrSize() == 8 {
		tmpl.Length = 3
	}
	if kind == machine.KindGlobDat {
		tmpl.SymbolNum = uint32(act.sym.RRSIndex)
	}
	return b.claim(RelocGot, be.MakeReloc(tmpl, kind))
}
