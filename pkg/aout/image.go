package aout

import "fmt"

type imageSegment struct {
	addr uint64
	data []byte
}

// ImageMemory reads the text and data of a linked image by address, with
// the image placed at base.
type ImageMemory struct {
	segs []imageSegment
}

func NewImageMemory(f *File, pageSize, base uint64) *ImageMemory {
	return &ImageMemory{segs: []imageSegment{
		{base + TextAddr(&f.Header, pageSize), f.Text},
		{base + DataAddr(&f.Header, pageSize), f.Data},
	}}
}

func (m *ImageMemory) Bytes(addr uint64, n int) ([]byte, error) {
	for _, s := range m.segs {
		if addr >= s.addr && addr-s.addr+uint64(n) <= uint64(len(s.data)) {
			off := addr - s.addr
			return s.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("address range %#x+%d not in image", addr, n)
}
