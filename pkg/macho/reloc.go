package macho

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// Reloc is a decoded relocation_info or scattered_relocation_info.
type Reloc struct {
	// Addr is the offset of the fixed-up bytes from the section start.
	Addr uint32
	// Value is the target address carried by a scattered relocation.
	Value  uint32
	Symnum uint32
	Type   uint8
	// Len is log2 of the fixed-up width: 0=byte, 1=word, 2=long, 3=quad.
	Len       uint8
	Pcrel     bool
	Extern    bool
	Scattered bool
}

// Size returns the byte width of the fixed-up field.
func (r Reloc) Size() int { return 1 << r.Len }

func (r Reloc) String() string {
	if r.Scattered {
		return fmt.Sprintf("addr=%#x type=%d len=%d pcrel=%t scattered value=%#x", r.Addr, r.Type, r.Len, r.Pcrel, r.Value)
	}
	return fmt.Sprintf("addr=%#x type=%d len=%d pcrel=%t extern=%t symnum=%d", r.Addr, r.Type, r.Len, r.Pcrel, r.Extern, r.Symnum)
}

const rScattered = 0x80000000

// DecodeReloc unpacks one little-endian 8-byte relocation record.
//
//	relocation_info:            r_address:32 | r_symbolnum:24 r_pcrel:1 r_length:2 r_extern:1 r_type:4
//	scattered_relocation_info:  r_address:24 r_type:4 r_length:2 r_pcrel:1 r_scattered:1 | r_value:32
//
// Scattered records only exist in 32-bit objects.
func DecodeReloc(w0, w1 uint32, allowScattered bool) Reloc {
	if allowScattered && w0&rScattered != 0 {
		x := uint64(w0)
		return Reloc{
			Addr:      uint32(types.ExtractBits(x, 0, 24)),
			Type:      uint8(types.ExtractBits(x, 24, 4)),
			Len:       uint8(types.ExtractBits(x, 28, 2)),
			Pcrel:     types.ExtractBits(x, 30, 1) != 0,
			Scattered: true,
			Value:     w1,
		}
	}
	x := uint64(w1)
	return Reloc{
		Addr:   w0,
		Symnum: uint32(types.ExtractBits(x, 0, 24)),
		Pcrel:  types.ExtractBits(x, 24, 1) != 0,
		Len:    uint8(types.ExtractBits(x, 25, 2)),
		Extern: types.ExtractBits(x, 27, 1) != 0,
		Type:   uint8(types.ExtractBits(x, 28, 4)),
	}
}

// EncodeReloc is the inverse of DecodeReloc.
func EncodeReloc(r Reloc) (uint32, uint32) {
	if r.Scattered {
		w0 := rScattered | r.Addr&0xffffff | uint32(r.Type&0xf)<<24 | uint32(r.Len&3)<<28
		if r.Pcrel {
			w0 |= 1 << 30
		}
		return w0, r.Value
	}
	w1 := r.Symnum&0xffffff | uint32(r.Len&3)<<25 | uint32(r.Type&0xf)<<28
	if r.Pcrel {
		w1 |= 1 << 24
	}
	if r.Extern {
		w1 |= 1 << 27
	}
	return r.Addr, w1
}
