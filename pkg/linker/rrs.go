package linker

import (
	"fmt"
	"strings"

	"rrsld/pkg/aout"
	"rrsld/pkg/machine"
)

type RRSState uint8

const (
	StateInit RRSState = iota
	StateReserve
	StateAllocate
	StateEmit
	StateDone
)

func (s RRSState) String() string {
	return [...]string{"INIT", "RESERVE", "ALLOCATE", "EMIT", "DONE"}[s]
}

type RelocClass uint8

const (
	RelocSegment RelocClass = iota
	RelocSymbol
	RelocJmpSlot
	RelocGot
	RelocCopy
	numRelocClasses
)

func (c RelocClass) String() string {
	return [...]string{"segment", "symbol", "jmpslot", "got", "copy"}[c]
}

// SectionType says how much of the run-time relocation section an output
// carries.
type SectionType uint8

const (
	// SectionNone: no PIC and no shared objects, no RRS at all.
	SectionNone SectionType = iota
	// SectionPartial: GOT and PLT only, resolved at link time.
	SectionPartial
	// SectionFull: symbols, hash table, relocations and needed list.
	SectionFull
)

func (t SectionType) String() string {
	return [...]string{"none", "partial", "full"}[t]
}

type RRSBuilder struct {
	ctx   *Context
	State RRSState
	Type  SectionType

	Reserved [numRelocClasses]int
	Claimed  [numRelocClasses]int

	gotNext int64
	pltNext int64

	Relocs  []aout.Reloc
	Got     []byte
	Plt     []byte
	Copies  []*Symbol
	Commons []*Symbol
	Dynamic *aout.Dynamic

	GotAddr     uint64
	PltAddr     uint64
	DynamicAddr uint64

	dynSyms  []*Symbol
	gotDone  map[int64]bool
	pltDone  map[int64]bool
	textSize int
}

func NewRRSBuilder(ctx *Context) *RRSBuilder {
	return &RRSBuilder{
		ctx:     ctx,
		gotDone: map[int64]bool{},
		pltDone: map[int64]bool{},
	}
}

func (b *RRSBuilder) transition(from, to RRSState) error {
	if b.State != from {
		return fmt.Errorf("%w: RRS builder in state %v, want %v", ErrInternal, b.State, from)
	}
	b.State = to
	return nil
}

func (b *RRSBuilder) full() bool { return b.Type == SectionFull }

// local reports whether a reference to sym can be bound in this link.
func (b *RRSBuilder) local(sym *Symbol) bool {
	if sym.IsDefined() || sym.Copy {
		return true
	}
	if sym.Kind == SymCommon {
		return !b.ctx.Args.Shared
	}
	// weak references that nothing defines are bound to 0 in executables
	if sym.Kind == SymUndefined && sym.SharedDef == nil && sym.StrongRefs == 0 {
		return !b.full()
	}
	return false
}

func (b *RRSBuilder) preemptible(sym *Symbol) bool {
	return b.ctx.Args.Shared && !b.ctx.Args.Symbolic
}

type relocAction struct {
	class  RelocClass
	record bool
	kind   machine.RelocKind
	sym    *Symbol
	local  *LocalSymbol
	useGot bool
	usePlt bool
	// unresolved marks references that stay unbound in a non-full link.
	unresolved bool
}

// classify decides what a relocation needs. RESERVE and EMIT both call it,
// so they agree on every slot and record.
func (b *RRSBuilder) classify(o *ObjectFile, r *aout.Reloc) (relocAction, error) {
	shared := b.ctx.Args.Shared
	sym, local, err := o.target(r)
	if err != nil {
		return relocAction{}, err
	}
	if sym != nil {
		if sym, err = sym.Real(); err != nil {
			return relocAction{}, err
		}
	}

	switch {
	case sym == nil && local == nil:
		tseg := uint8(r.SymbolNum) & aout.NType
		return relocAction{
			class:  RelocSegment,
			record: shared && !r.PCRel && tseg != aout.NAbs,
			kind:   machine.KindRelative,
		}, nil

	case r.BaseRel:
		return relocAction{class: RelocGot, sym: sym, local: local, useGot: true}, nil

	case local != nil:
		return relocAction{}, fmt.Errorf("%w: %s: relocation at %#x names local symbol %d",
			ErrMalformed, o.File.DisplayName(), r.Address, r.SymbolNum)

	case r.JmpTable:
		act := relocAction{class: RelocJmpSlot, sym: sym}
		switch {
		case b.local(sym) && !b.preemptible(sym):
		case b.full():
			act.usePlt = true
		default:
			act.unresolved = true
		}
		return act, nil
	}

	act := relocAction{class: RelocSymbol, sym: sym}
	switch {
	case b.local(sym):
		act.record = shared && !r.PCRel
		act.kind = machine.KindRelative
	case !b.full():
		act.unresolved = true
	case sym.InShared() && sym.IsFunc() && r.PCRel:
		act.class = RelocJmpSlot
		act.usePlt = true
	default:
		act.record = true
		act.kind = machine.KindSymbol
	}
	return act, nil
}

// gotRecord returns the kind of run-time record a GOT slot needs.
func (b *RRSBuilder) gotRecord(act *relocAction) (machine.RelocKind, bool) {
	shared := b.ctx.Args.Shared
	if act.local != nil {
		return machine.KindRelative, shared
	}
	switch {
	case b.local(act.sym) && !b.preemptible(act.sym):
		return machine.KindRelative, shared
	case b.full():
		return machine.KindGlobDat, true
	}
	return 0, false
}

func (b *RRSBuilder) gotOffset(act *relocAction) *int64 {
	if act.local != nil {
		return &act.local.GotOffset
	}
	return &act.sym.GotOffset
}

// DecideType picks the section type from the inputs.
func (b *RRSBuilder) DecideType() {
	ctx := b.ctx
	switch {
	case ctx.Args.Shared || len(ctx.Shlibs) > 0:
		b.Type = SectionFull
	case b.hasPIC():
		b.Type = SectionPartial
	default:
		b.Type = SectionNone
	}
}

func (b *RRSBuilder) hasPIC() bool {
	for _, o := range b.ctx.Objs {
		for _, sr := range o.Relocs() {
			for i := range sr.Relocs {
				if sr.Relocs[i].BaseRel || sr.Relocs[i].JmpTable {
					return true
				}
			}
		}
	}
	return false
}

func (b *RRSBuilder) forEachReloc(fn func(o *ObjectFile, seg uint8, r *aout.Reloc) error) error {
	for _, o := range b.ctx.Objs {
		for _, sr := range o.Relocs() {
			for i := range sr.Relocs {
				if err := fn(o, sr.Kind, &sr.Relocs[i]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// markCopies finds data symbols an executable reaches by absolute address
// but only a shared object defines. Each gets space in bss and one copy
// record.
func (b *RRSBuilder) markCopies() error {
	if b.ctx.Args.Shared || !b.full() {
		return nil
	}
	return b.forEachReloc(func(o *ObjectFile, seg uint8, r *aout.Reloc) error {
		if !r.Extern || r.PCRel || r.BaseRel || r.JmpTable {
			return nil
		}
		sym, _, err := o.target(r)
		if err != nil {
			return err
		}
		if sym, err = sym.Real(); err != nil {
			return err
		}
		if sym.Copy || !sym.InShared() || sym.IsFunc() {
			return nil
		}
		sym.Copy = true
		sym.Size = uint64(sym.SharedDef.Sym.Size)
		b.Copies = append(b.Copies, sym)
		return nil
	})
}

func (b *RRSBuilder) checkSymbolic() error {
	var missing []string
	for _, sym := range b.ctx.Symbols {
		if sym.StrongRefs == 0 || sym.Kind == SymIndirect {
			continue
		}
		if !sym.IsDefined() && sym.Kind != SymCommon {
			missing = append(missing, sym.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: symbolic link: no local definition for %s",
			ErrUnresolved, strings.Join(missing, ", "))
	}
	return nil
}

// Reserve classifies every relocation of every included object and
// counts the run-time records, GOT slots and PLT slots it will need.
func (b *RRSBuilder) Reserve() error {
	if err := b.transition(StateInit, StateReserve); err != nil {
		return err
	}
	ctx := b.ctx
	if ctx.Args.Symbolic {
		if err := b.checkSymbolic(); err != nil {
			return err
		}
	}
	if err := b.markCopies(); err != nil {
		return err
	}
	b.Reserved[RelocCopy] = len(b.Copies)

	ptr := int64(ctx.Backend.PtrSize())
	slot := int64(ctx.Backend.JmpSlotSize())
	b.gotNext = ptr
	b.pltNext = slot

	return b.forEachReloc(func(o *ObjectFile, seg uint8, r *aout.Reloc) error {
		act, err := b.classify(o, r)
		if err != nil {
			return err
		}
		switch {
		case act.useGot:
			off := b.gotOffset(&act)
			if *off < 0 {
				*off = b.gotNext
				b.gotNext += ptr
				if _, ok := b.gotRecord(&act); ok {
					b.Reserved[RelocGot]++
				}
			}
		case act.usePlt:
			if act.sym.PltOffset < 0 {
				act.sym.PltOffset = b.pltNext
				b.pltNext += slot
				b.Reserved[RelocJmpSlot]++
			}
		case act.record:
			b.Reserved[act.class]++
		}
		return nil
	})
}

func (b *RRSBuilder) reservedTotal() int {
	n := 0
	for _, c := range b.Reserved {
		n += c
	}
	return n
}

// Allocate sizes the GOT, the PLT and the relocation array exactly and
// prepares the symbol part of the dynamic section.
func (b *RRSBuilder) Allocate() error {
	if err := b.transition(StateReserve, StateAllocate); err != nil {
		return err
	}
	ctx := b.ctx
	if b.Type == SectionNone {
		return nil
	}
	b.Got = make([]byte, b.gotNext)
	if b.full() {
		b.Plt = make([]byte, b.pltNext)
	}
	b.Relocs = make([]aout.Reloc, 0, b.reservedTotal())
	if !b.full() {
		return nil
	}

	for _, sym := range ctx.Symbols {
		if sym.Refs == 0 && sym.Def == nil && !sym.Copy {
			continue
		}
		sym.RRSIndex = len(b.dynSyms)
		b.dynSyms = append(b.dynSyms, sym)
	}
	names := make([]string, len(b.dynSyms))
	d := &aout.Dynamic{Symbols: make([]aout.DynSymbol, len(b.dynSyms))}
	for i, sym := range b.dynSyms {
		names[i] = sym.Name
		d.Symbols[i].Name = sym.Name
	}
	buckets := len(names)
	if buckets < 1 {
		buckets = 1
	}
	d.SDT.Buckets = uint32(buckets)
	d.Hash = aout.BuildHash(names, buckets)
	for _, lib := range ctx.Shlibs {
		d.Needed = append(d.Needed, lib.Needed)
	}
	d.Paths = strings.Join(ctx.Args.RPaths, ":")

	d.Relocs = make([]aout.Reloc, b.reservedTotal())
	b.textSize = d.TextSize(ctx.Backend.PtrSize())
	d.Relocs = nil
	b.Dynamic = d
	return nil
}

func (b *RRSBuilder) claim(class RelocClass, r aout.Reloc) error {
	b.Claimed[class]++
	if b.Claimed[class] > b.Reserved[class] {
		return fmt.Errorf("%w: %v relocations claimed %d, reserved %d",
			ErrInternal, class, b.Claimed[class], b.Reserved[class])
	}
	b.Relocs = append(b.Relocs, r)
	return nil
}

// Verify enforces claimed == reserved for every class.
func (b *RRSBuilder) Verify() error {
	for c := RelocClass(0); c < numRelocClasses; c++ {
		if b.Claimed[c] != b.Reserved[c] {
			return fmt.Errorf("%w: %v relocations claimed %d, reserved %d",
				ErrInternal, c, b.Claimed[c], b.Reserved[c])
		}
	}
	return nil
}

// dynSymbol fills the RRS entry of sym once addresses are known.
func (b *RRSBuilder) dynSymbol(sym *Symbol) aout.DynSymbol {
	ds := aout.DynSymbol{Name: sym.Name, Size: uint32(sym.Size)}
	if sym.Def != nil {
		ds.Other = sym.Def.Sym.Other
		ds.Desc = sym.Def.Sym.Desc
	}
	switch {
	case sym.Kind == SymIndirect:
		real, _ := sym.Real()
		ds.Type = aout.NIndr | aout.NExt
		ds.Value = uint32(real.RRSIndex)
	case sym.Copy:
		ds.Type = aout.NBss | aout.NExt
		ds.Value = uint32(sym.Value)
		ds.Other = sym.SharedDef.Sym.Other
	case sym.Kind == SymCommon && b.ctx.Args.Shared:
		ds.Type = aout.NUndf | aout.NExt
		ds.Value = uint32(sym.CommonSize)
	case sym.Kind == SymCommon:
		ds.Type = aout.NBss | aout.NExt
		ds.Value = uint32(sym.Value)
		ds.Size = uint32(sym.CommonSize)
	case sym.IsDefined():
		ds.Type = typeOf(sym.Kind) | aout.NExt
		ds.Value = uint32(sym.Value)
	default:
		ds.Type = aout.NUndf | aout.NExt
	}
	if sym.Weak || (!sym.IsDefined() && sym.StrongRefs == 0 && sym.Refs > 0) {
		ds.Other = aout.Other(aout.BindWeak, ds.Other&0xf)
	}
	return ds
}

func typeOf(k SymbolKind) uint8 {
	switch k {
	case SymText:
		return aout.NText
	case SymData:
		return aout.NData
	case SymBss:
		return aout.NBss
	case SymAbs:
		return aout.NAbs
	case SymIndirect:
		return aout.NIndr
	}
	return aout.NUndf
}
