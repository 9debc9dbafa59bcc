package aout

import (
	"encoding/binary"

	"rrsld/pkg/utils"
)

const DynamicVersion = 3

// LinkDynamic is the descriptor found at __DYNAMIC, the start of the data
// segment of every dynamically linked image.
type LinkDynamic struct {
	Version uint32
	Debug   uint32
	SDT     uint32
	Entry   uint32
}

// SDT is the section dispatch table. Addresses are link addresses; the
// loader adds the object's relocation base.
type SDT struct {
	Loaded     uint32
	Sods       uint32
	Paths      uint32
	Got        uint32
	Plt        uint32
	Rel        uint32
	RelSize    uint32
	Hash       uint32
	HashSize   uint32
	Buckets    uint32
	Nzlist     uint32
	NzlistSize uint32
	Strings    uint32
	StrSize    uint32
	TextSize   uint32
	PltSize    uint32
}

type SoDebug struct {
	Version    uint32
	InDebugger uint32
	SymLoaded  uint32
	Bp         uint32
}

type sod struct {
	Name  uint32
	Flags uint32
	Major int16
	Minor int16
	Next  uint32
}

const sodLibrary = 1

type Hash struct {
	Symbol int32
	Next   int32
}

type nzlist struct {
	Strx  uint32
	Type  uint8
	Other uint8
	Desc  int16
	Value uint32
	Size  uint32
}

var (
	linkDynamicSize = utils.Sizeof[LinkDynamic]()
	sdtSize         = utils.Sizeof[SDT]()
	soDebugSize     = utils.Sizeof[SoDebug]()
	sodSize         = utils.Sizeof[sod]()
	hashSize        = utils.Sizeof[Hash]()
	nzlistSize      = utils.Sizeof[nzlist]()
)

// DynamicHeaderSize is the size of the data-segment part of the section:
// link_dynamic, the dispatch table and the debugger block.
var DynamicHeaderSize = linkDynamicSize + sdtSize + soDebugSize

// Needed names an object the image depends on. Library entries are
// searched for as lib<Name>.so.<Major>.<Minor>; others are path names.
type Needed struct {
	Name    string
	Library bool
	Major   int
	Minor   int
}

type DynSymbol struct {
	Name  string
	Type  uint8
	Other uint8
	Desc  int16
	Value uint32
	Size  uint32
}

func (s *DynSymbol) Kind() uint8  { return s.Type & NType }
func (s *DynSymbol) IsExt() bool  { return s.Type&NExt != 0 }
func (s *DynSymbol) IsWeak() bool { return s.Other>>4 == BindWeak }

func (s *DynSymbol) IsCommon() bool {
	return s.Type == NUndf|NExt && s.Value != 0
}

func (s *DynSymbol) IsDefined() bool {
	switch s.Kind() {
	case NText, NData, NBss, NAbs:
		return true
	}
	return false
}

// Dynamic is the decoded run-time relocation section of one image.
type Dynamic struct {
	Link    LinkDynamic
	SDT     SDT
	Debug   SoDebug
	Relocs  []Reloc
	Hash    []Hash
	Symbols []DynSymbol
	Needed  []Needed
	Paths   string
}

// HashName is the symbol name hash shared by the link editor and the
// run-time loader.
func HashName(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<1 + uint32(name[i])
	}
	return h & 0x7fffffff
}

// BuildHash returns a bucket array of n entries followed by the overflow
// chain entries for symbols whose bucket was already taken.
func BuildHash(names []string, n int) []Hash {
	if n < 1 {
		n = 1
	}
	table := make([]Hash, n, n+len(names))
	for i := range table {
		table[i] = Hash{Symbol: -1}
	}
	for i, name := range names {
		b := int(HashName(name) % uint32(n))
		if table[b].Symbol < 0 {
			table[b].Symbol = int32(i)
			continue
		}
		for table[b].Next != 0 {
			b = int(table[b].Next)
		}
		table = append(table, Hash{Symbol: int32(i)})
		table[b].Next = int32(len(table) - 1)
	}
	return table
}

func (d *Dynamic) Buckets() int { return int(d.SDT.Buckets) }

// Lookup returns the index of name in the symbol table.
func (d *Dynamic) Lookup(name string) (int, bool) {
	n := d.Buckets()
	if n == 0 || len(d.Hash) < n {
		return 0, false
	}
	idx := int(HashName(name) % uint32(n))
	for steps := 0; steps <= len(d.Hash); steps++ {
		h := d.Hash[idx]
		if h.Symbol < 0 || int(h.Symbol) >= len(d.Symbols) {
			return 0, false
		}
		if d.Symbols[h.Symbol].Name == name {
			return int(h.Symbol), true
		}
		if h.Next == 0 || int(h.Next) >= len(d.Hash) {
			return 0, false
		}
		idx = int(h.Next)
	}
	return 0, false
}

// EncodeText lays out the text-resident part of the section at addr and
// fills in the matching dispatch table fields. The buckets count and the
// GOT/PLT fields must already be set.
func (d *Dynamic) EncodeText(addr uint32, order binary.ByteOrder, ptrSize int) ([]byte, error) {
	strs := NewStringTable(1)
	strx := make([]uint32, len(d.Symbols))
	for i := range d.Symbols {
		strx[i] = strs.Add(d.Symbols[i].Name)
	}
	sodNames := make([]uint32, len(d.Needed))
	for i := range d.Needed {
		sodNames[i] = strs.Add(d.Needed[i].Name)
	}
	var pathsOff uint32
	if d.Paths != "" {
		pathsOff = strs.Add(d.Paths)
	}

	relSize := len(d.Relocs) * RelocSize(ptrSize)
	hSize := len(d.Hash) * hashSize
	nzSize := len(d.Symbols) * nzlistSize
	strSize := int(utils.AlignTo(uint64(strs.Len()), 4))
	sodsSize := len(d.Needed) * sodSize

	d.SDT.Rel = addr
	d.SDT.RelSize = uint32(relSize)
	d.SDT.Hash = d.SDT.Rel + uint32(relSize)
	d.SDT.HashSize = uint32(hSize)
	d.SDT.Nzlist = d.SDT.Hash + uint32(hSize)
	d.SDT.NzlistSize = uint32(nzSize)
	d.SDT.Strings = d.SDT.Nzlist + uint32(nzSize)
	d.SDT.StrSize = uint32(strSize)
	d.SDT.Sods = 0
	if len(d.Needed) > 0 {
		d.SDT.Sods = d.SDT.Strings + uint32(strSize)
	}
	d.SDT.Paths = 0
	if d.Paths != "" {
		d.SDT.Paths = d.SDT.Strings + pathsOff
	}

	out := make([]byte, relSize+hSize+nzSize+strSize+sodsSize)
	b := out
	for i := range d.Relocs {
		if err := EncodeReloc(b, &d.Relocs[i], order, ptrSize); err != nil {
			return nil, err
		}
		b = b[RelocSize(ptrSize):]
	}
	for _, h := range d.Hash {
		if err := utils.Write(b, order, h); err != nil {
			return nil, err
		}
		b = b[hashSize:]
	}
	for i, s := range d.Symbols {
		nz := nzlist{Strx: strx[i], Type: s.Type, Other: s.Other, Desc: s.Desc, Value: s.Value, Size: s.Size}
		if err := utils.Write(b, order, nz); err != nil {
			return nil, err
		}
		b = b[nzlistSize:]
	}
	copy(b, strs.Bytes())
	b = b[strSize:]
	for i, n := range d.Needed {
		s := sod{Name: sodNames[i], Major: int16(n.Major), Minor: int16(n.Minor)}
		if n.Library {
			s.Flags = sodLibrary
		}
		if i+1 < len(d.Needed) {
			s.Next = d.SDT.Sods + uint32((i+1)*sodSize)
		}
		if err := utils.Write(b, order, s); err != nil {
			return nil, err
		}
		b = b[sodSize:]
	}
	d.SDT.TextSize = uint32(len(out))
	return out, nil
}

// TextSize returns the size EncodeText will produce without encoding.
func (d *Dynamic) TextSize(ptrSize int) int {
	strs := NewStringTable(1)
	for i := range d.Symbols {
		strs.Add(d.Symbols[i].Name)
	}
	for i := range d.Needed {
		strs.Add(d.Needed[i].Name)
	}
	if d.Paths != "" {
		strs.Add(d.Paths)
	}
	return len(d.Relocs)*RelocSize(ptrSize) + len(d.Hash)*hashSize +
		len(d.Symbols)*nzlistSize + int(utils.AlignTo(uint64(strs.Len()), 4)) +
		len(d.Needed)*sodSize
}

// EncodeHeader encodes the data-resident descriptor for a section whose
// __DYNAMIC lives at addr.
func (d *Dynamic) EncodeHeader(addr uint32, order binary.ByteOrder) ([]byte, error) {
	d.Link.Version = DynamicVersion
	d.Link.SDT = addr + uint32(linkDynamicSize)
	d.Link.Debug = d.Link.SDT + uint32(sdtSize)
	out := make([]byte, DynamicHeaderSize)
	if err := utils.Write(out, order, d.Link); err != nil {
		return nil, err
	}
	if err := utils.Write(out[linkDynamicSize:], order, d.SDT); err != nil {
		return nil, err
	}
	if err := utils.Write(out[linkDynamicSize+sdtSize:], order, d.Debug); err != nil {
		return nil, err
	}
	return out, nil
}

// Memory gives read access to an image by address.
type Memory interface {
	Bytes(addr uint64, n int) ([]byte, error)
}

// ReadDynamic decodes the section whose descriptor is at dynAddr. Link
// addresses stored in the section are translated by adding base.
func ReadDynamic(mem Memory, dynAddr, base uint64, order binary.ByteOrder, ptrSize int) (*Dynamic, error) {
	d := &Dynamic{}
	read := func(addr uint64, n int, what string) ([]byte, error) {
		b, err := mem.Bytes(addr, n)
		if err != nil {
			return nil, formatError("%s: %v", what, err)
		}
		return b, nil
	}

	b, err := read(dynAddr, linkDynamicSize, "link_dynamic")
	if err != nil {
		return nil, err
	}
	if d.Link, err = utils.Read[LinkDynamic](b, order); err != nil {
		return nil, err
	}
	if d.Link.Version != DynamicVersion {
		return nil, formatError("unsupported dynamic section version %d", d.Link.Version)
	}
	if b, err = read(base+uint64(d.Link.SDT), sdtSize, "section dispatch table"); err != nil {
		return nil, err
	}
	if d.SDT, err = utils.Read[SDT](b, order); err != nil {
		return nil, err
	}
	if d.Link.Debug != 0 {
		if b, err = read(base+uint64(d.Link.Debug), soDebugSize, "debug block"); err != nil {
			return nil, err
		}
		if d.Debug, err = utils.Read[SoDebug](b, order); err != nil {
			return nil, err
		}
	}

	sdt := &d.SDT
	if b, err = read(base+uint64(sdt.Rel), int(sdt.RelSize), "relocations"); err != nil {
		return nil, err
	}
	if d.Relocs, err = decodeRelocs(b, order, ptrSize); err != nil {
		return nil, err
	}

	if sdt.HashSize%uint32(hashSize) != 0 || sdt.HashSize/uint32(hashSize) < sdt.Buckets {
		return nil, formatError("hash table size %d inconsistent with %d buckets", sdt.HashSize, sdt.Buckets)
	}
	if b, err = read(base+uint64(sdt.Hash), int(sdt.HashSize), "hash table"); err != nil {
		return nil, err
	}
	d.Hash = make([]Hash, 0, len(b)/hashSize)
	for ; len(b) > 0; b = b[hashSize:] {
		h, err := utils.Read[Hash](b, order)
		if err != nil {
			return nil, err
		}
		d.Hash = append(d.Hash, h)
	}

	strings, err := read(base+uint64(sdt.Strings), int(sdt.StrSize), "string table")
	if err != nil {
		return nil, err
	}
	name := func(off uint32) (string, error) {
		s, ok := utils.CString(strings, off)
		if !ok {
			return "", formatError("string offset %d out of range", off)
		}
		return s, nil
	}

	if sdt.NzlistSize%uint32(nzlistSize) != 0 {
		return nil, formatError("symbol table size %d is not a multiple of %d", sdt.NzlistSize, nzlistSize)
	}
	if b, err = read(base+uint64(sdt.Nzlist), int(sdt.NzlistSize), "symbol table"); err != nil {
		return nil, err
	}
	for ; len(b) > 0; b = b[nzlistSize:] {
		nz, err := utils.Read[nzlist](b, order)
		if err != nil {
			return nil, err
		}
		s := DynSymbol{Type: nz.Type, Other: nz.Other, Desc: nz.Desc, Value: nz.Value, Size: nz.Size}
		if s.Name, err = name(nz.Strx); err != nil {
			return nil, err
		}
		d.Symbols = append(d.Symbols, s)
	}

	for next, n := sdt.Sods, 0; next != 0; n++ {
		if n > 1<<16 {
			return nil, formatError("needed object list does not terminate")
		}
		if b, err = read(base+uint64(next), sodSize, "needed object"); err != nil {
			return nil, err
		}
		s, err := utils.Read[sod](b, order)
		if err != nil {
			return nil, err
		}
		need := Needed{Library: s.Flags&sodLibrary != 0, Major: int(s.Major), Minor: int(s.Minor)}
		if need.Name, err = name(s.Name); err != nil {
			return nil, err
		}
		d.Needed = append(d.Needed, need)
		next = s.Next
	}

	if sdt.Paths != 0 {
		if sdt.Paths < sdt.Strings {
			return nil, formatError("search path outside string table")
		}
		if d.Paths, err = name(sdt.Paths - sdt.Strings); err != nil {
			return nil, err
		}
	}
	return d, nil
}
