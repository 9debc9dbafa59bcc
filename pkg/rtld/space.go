package rtld

import (
	"fmt"
	"sort"

	"rrsld/pkg/utils"
)

// Region is one mapping in a Space.
type Region struct {
	Name string
	Addr uint64
	Data []byte
}

func (r *Region) End() uint64 { return r.Addr + uint64(len(r.Data)) }

// Space is the simulated address space images are mapped into. Regions
// never overlap and are kept sorted by address.
type Space struct {
	page    uint64
	start   uint64
	regions []*Region
}

func NewSpace(page, start uint64) *Space {
	return &Space{page: page, start: utils.AlignTo(start, page)}
}

func (s *Space) PageSize() uint64 { return s.page }

func (s *Space) free(addr, size uint64) bool {
	for _, r := range s.regions {
		if addr < r.End() && r.Addr < addr+size {
			return false
		}
	}
	return true
}

// Map reserves size zeroed bytes at addr, or at the lowest free page at or
// above the space's start when addr is 0.
func (s *Space) Map(addr, size uint64, name string) (*Region, error) {
	size = utils.AlignTo(size, s.page)
	if size == 0 {
		size = s.page
	}
	if addr == 0 {
		addr = s.start
		for _, r := range s.regions {
			if r.End() <= addr {
				continue
			}
			if addr+size <= r.Addr {
				break
			}
			addr = utils.AlignTo(r.End(), s.page)
		}
	}
	if addr+size < addr || !s.free(addr, size) {
		return nil, fmt.Errorf("%w: cannot map %s at %#x+%#x", ErrBadImage, name, addr, size)
	}
	r := &Region{Name: name, Addr: addr, Data: make([]byte, size)}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Addr < s.regions[j].Addr })
	return r, nil
}

func (s *Space) Unmap(r *Region) {
	s.regions = utils.RemoveIf(s.regions, func(x *Region) bool { return x == r })
}

// Region returns the mapping containing addr.
func (s *Space) Region(addr uint64) (*Region, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > addr })
	if i < len(s.regions) && s.regions[i].Addr <= addr {
		return s.regions[i], true
	}
	return nil, false
}

func (s *Space) Bytes(addr uint64, n int) ([]byte, error) {
	r, ok := s.Region(addr)
	if !ok || addr+uint64(n) > r.End() {
		return nil, fmt.Errorf("%w: address %#x+%d not mapped", ErrBadImage, addr, n)
	}
	off := addr - r.Addr
	return r.Data[off : off+uint64(n)], nil
}

func (s *Space) Regions() []*Region { return s.regions }
