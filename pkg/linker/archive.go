package linker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const ArHeaderSize = 60

type ArHeader struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func readArHeader(b []byte) ArHeader {
	var h ArHeader
	copy(h.Name[:], b[0:16])
	copy(h.Date[:], b[16:28])
	copy(h.Uid[:], b[28:34])
	copy(h.Gid[:], b[34:40])
	copy(h.Mode[:], b[40:48])
	copy(h.Size[:], b[48:58])
	copy(h.Fmag[:], b[58:60])
	return h
}

func (a *ArHeader) HasPrefix(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

func (a *ArHeader) IsStrtab() bool { return a.HasPrefix("// ") }
func (a *ArHeader) IsSymtab() bool { return a.HasPrefix("/ ") || a.HasPrefix("/SYM64/ ") }

func (a *ArHeader) GetSize() (int, error) {
	size, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	if err != nil || size < 0 {
		return 0, fmt.Errorf("bad member size %q", a.Size[:])
	}
	return size, nil
}

func (a *ArHeader) ReadName(strTab []byte) (string, error) {
	// long name: /<offset into the // member>
	if a.HasPrefix("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start < 0 || start > len(strTab) {
			return "", fmt.Errorf("bad long name reference %q", a.Name[:])
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", fmt.Errorf("unterminated long name at %d", start)
		}
		return string(strTab[start : start+end]), nil
	}
	name := string(a.Name[:])
	if end := strings.IndexByte(name, '/'); end >= 0 {
		return name[:end], nil
	}
	return strings.TrimRight(name, " "), nil
}

// ArIndexEntry maps a symbol of the archive index to the member that
// defines it.
type ArIndexEntry struct {
	Name   string
	Member int
}

type Archive struct {
	File     *File
	Members  []*ObjectFile
	Index    []ArIndexEntry
	HasIndex bool

	defs    []map[string]bool
	commons []map[string]uint64
	pulled  []bool
	whole   bool
	offsets map[int]int
}

func (ar *Archive) malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, ar.File.Name, fmt.Sprintf(format, args...))
}

// ReadArchive splits a System V archive into its object members and
// decodes the symbol index when there is one.
func ReadArchive(file *File) (*Archive, error) {
	ar := &Archive{File: file, offsets: map[int]int{}}
	if GetFileType(file.Contents) != FileTypeArchive {
		return nil, ar.malformed("not an archive")
	}
	contents := file.Contents

	pos := len(ArMagic)
	var strTab, symTab []byte
	for len(contents)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if len(contents)-pos < ArHeaderSize {
			return nil, ar.malformed("truncated member header at %d", pos)
		}
		hdrPos := pos
		hdr := readArHeader(contents[pos:])
		if string(hdr.Fmag[:]) != "`\n" {
			return nil, ar.malformed("bad member header magic at %d", pos)
		}
		size, err := hdr.GetSize()
		if err != nil {
			return nil, ar.malformed("member at %d: %v", pos, err)
		}
		dataStart := pos + ArHeaderSize
		if size > len(contents)-dataStart {
			return nil, ar.malformed("member at %d extends past end of archive", pos)
		}
		pos = dataStart + size
		body := contents[dataStart:pos]

		switch {
		case hdr.IsSymtab():
			symTab = body
			continue
		case hdr.IsStrtab():
			strTab = body
			continue
		}

		name, err := hdr.ReadName(strTab)
		if err != nil {
			return nil, ar.malformed("member at %d: %v", hdrPos, err)
		}
		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}
		if GetFileType(body) != FileTypeObject {
			return nil, ar.malformed("member %s is not an object", name)
		}
		obj := NewObjectFile(&File{Name: name, Contents: body, Parent: file}, false)
		if err := obj.Parse(); err != nil {
			return nil, err
		}
		obj.Position = len(ar.Members)
		ar.offsets[hdrPos] = len(ar.Members)
		ar.Members = append(ar.Members, obj)
		defs, commons := obj.GlobalNames()
		ar.defs = append(ar.defs, defs)
		ar.commons = append(ar.commons, commons)
	}
	ar.pulled = make([]bool, len(ar.Members))

	if symTab != nil {
		if err := ar.readIndex(symTab); err != nil {
			return nil, err
		}
	}
	return ar, nil
}

// readIndex decodes the "/" member: a big-endian count, that many member
// header offsets, then as many NUL-terminated names.
func (ar *Archive) readIndex(b []byte) error {
	if len(b) < 4 {
		return ar.malformed("symbol index too small")
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n)*4 > uint64(len(b)-4) {
		return ar.malformed("symbol index count %d exceeds index size %d", n, len(b))
	}
	offs := b[4 : 4+n*4]
	names := b[4+n*4:]
	for i := uint32(0); i < n; i++ {
		off := int(binary.BigEndian.Uint32(offs[i*4:]))
		member, ok := ar.offsets[off]
		if !ok {
			return ar.malformed("symbol index entry %d points at %d, not a member", i, off)
		}
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			return ar.malformed("symbol index string table overrun at entry %d", i)
		}
		ar.Index = append(ar.Index, ArIndexEntry{Name: string(names[:end]), Member: member})
		names = names[end+1:]
	}
	ar.HasIndex = true
	return nil
}
