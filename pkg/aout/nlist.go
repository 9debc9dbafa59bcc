package aout

// n_type values.
const (
	NUndf    uint8 = 0x00
	NExt     uint8 = 0x01
	NAbs     uint8 = 0x02
	NText    uint8 = 0x04
	NData    uint8 = 0x06
	NBss     uint8 = 0x08
	NIndr    uint8 = 0x0a
	NSize    uint8 = 0x0c
	NComm    uint8 = 0x12
	NWarning uint8 = 0x1e
	NFn      uint8 = 0x1f
	NType    uint8 = 0x1e
	NStab    uint8 = 0xe0
)

// Stab types used for line attribution.
const (
	NFun   uint8 = 0x24
	NSline uint8 = 0x44
	NSo    uint8 = 0x64
	NSol   uint8 = 0x84
)

// n_other binding and auxiliary type, stored as bind<<4 | aux.
const (
	BindLocal  uint8 = 0
	BindGlobal uint8 = 1
	BindWeak   uint8 = 2

	AuxObject uint8 = 1
	AuxFunc   uint8 = 2
)

const NlistSize = 12

type nlist struct {
	Strx  uint32
	Type  uint8
	Other uint8
	Desc  int16
	Value uint32
}

type Symbol struct {
	Name  string
	Type  uint8
	Other uint8
	Desc  int16
	Value uint32
}

func Other(bind, aux uint8) uint8 { return bind<<4 | aux&0xf }

func (s *Symbol) IsStab() bool { return s.Type&NStab != 0 }
func (s *Symbol) IsExt() bool  { return s.Type&NExt != 0 }
func (s *Symbol) Kind() uint8  { return s.Type & NType }
func (s *Symbol) Bind() uint8  { return s.Other >> 4 }
func (s *Symbol) IsWeak() bool { return s.Bind() == BindWeak }

// IsCommon reports an N_UNDF|N_EXT entry carrying a size.
func (s *Symbol) IsCommon() bool {
	return !s.IsStab() && s.Type == NUndf|NExt && s.Value != 0
}

func (s *Symbol) IsUndefined() bool {
	return !s.IsStab() && s.Kind() == NUndf && s.Value == 0
}

// IsDefinition reports entries that give the symbol an address.
func (s *Symbol) IsDefinition() bool {
	if s.IsStab() {
		return false
	}
	switch s.Kind() {
	case NText, NData, NBss, NAbs:
		return true
	}
	return false
}
