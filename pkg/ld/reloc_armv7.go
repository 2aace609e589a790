package ld

import "github.com/blacktop/machobj/pkg/macho"

const (
	armRelocVanilla       = 0
	armRelocPair          = 1
	armRelocSectDiff      = 2
	armRelocLocalSectDiff = 3
	armRelocPBLAPtr       = 4
	armRelocBR24          = 5
	armThumbRelocBR22     = 6
	armThumb32BitBranch   = 7
	armRelocHalf          = 8
	armRelocHalfSectDiff  = 9
)

// armBranch24Displacement decodes b/bl/blx, including the H bit of blx.
func armBranch24Displacement(insn uint32) int64 {
	disp := signExtend(uint64(insn&0x00FFFFFF)<<2, 26)
	if insn&0xFE000000 == 0xFA000000 {
		disp += int64((insn >> 23) & 2)
	}
	return disp
}

// thumbBranch22Displacement decodes a 32-bit thumb bl/blx stored as two
// little-endian halfwords.
func thumbBranch22Displacement(insn uint32) (int64, bool) {
	s := (insn >> 10) & 1
	j1 := (insn >> 29) & 1
	j2 := (insn >> 27) & 1
	imm10 := insn & 0x3FF
	imm11 := (insn >> 16) & 0x7FF
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	dis := s<<24 | i1<<23 | i2<<22 | imm10<<12 | imm11<<1
	blx := insn&0xD0000000 == 0xC0000000
	return signExtend(uint64(dis), 25), blx
}

// halfImm16 extracts the 16-bit immediate of a movw/movt.
func halfImm16(insn uint32, thumb bool) uint32 {
	if thumb {
		imm4 := insn & 0xF
		i := (insn >> 10) & 1
		imm3 := (insn >> 28) & 7
		imm8 := (insn >> 16) & 0xFF
		return imm4<<12 | i<<11 | imm3<<8 | imm8
	}
	return (insn>>16&0xF)<<12 | insn&0xFFF
}

// halfStore maps the r_length of an ARM_RELOC_HALF: bit 0 selects the high
// half and bit 1 thumb encoding.
func halfStore(length uint8) (StoreKind, bool, bool) {
	high, thumb := length&1 != 0, length&2 != 0
	switch {
	case thumb && high:
		return StoreThumbHigh16, true, true
	case thumb:
		return StoreThumbLow16, false, true
	case high:
		return StoreARMHigh16, true, false
	}
	return StoreARMLow16, false, false
}

// clearThumbBit drops the interworking bit from addends to thumb code.
func (p *parser) clearThumbBit(t *target) {
	if t.atom != NoAtom && p.file.Atoms[t.atom].Thumb {
		t.addend &^= 1
	}
}

func armReloc(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error) {
	r := relocs[i]
	srcAddr := s.Address + uint64(r.Addr)
	switch r.Type {
	case armRelocPair:
		return 0, formatErrorf("ARM_RELOC_PAIR at %#x without a preceding relocation", srcAddr)
	case armThumb32BitBranch:
		return 1, nil
	case armRelocPBLAPtr:
		return 0, unsupportedf("ARM_RELOC_PB_LA_PTR at %#x", srcAddr)
	case armRelocHalf, armRelocHalfSectDiff:
		return armHalf(p, s, relocs, i)
	}

	src, off, err := p.source(s, r)
	if err != nil {
		return 0, err
	}
	content, err := p.content(s, r)
	if err != nil {
		return 0, err
	}
	srcThumb := p.file.Atoms[src].Thumb

	switch r.Type {
	case armRelocVanilla:
		if r.Pcrel || r.Len != 2 {
			return 0, unsupportedf("ARM_RELOC_VANILLA with length %d pcrel %t at %#x", r.Len, r.Pcrel, srcAddr)
		}
		var t target
		switch {
		case r.Scattered:
			if t, err = p.targetAtAddress(uint64(r.Value)); err != nil {
				return 0, err
			}
			t.addend += int64(content) - int64(r.Value)
		case r.Extern:
			if t, err = p.targetFromSymbol(r.Symnum); err != nil {
				return 0, err
			}
			t.addend += signExtend(content, 32)
		default:
			if t, err = p.targetFromAddress(r.Symnum, content&^1); err != nil {
				return 0, err
			}
			t.addend += int64(content & 1)
		}
		p.clearThumbBit(&t)
		p.addFixup(src, off, StoreLE32, t)
		return 1, nil

	case armRelocBR24, armThumbRelocBR22:
		if !r.Pcrel || r.Len != 2 {
			return 0, formatErrorf("branch relocation at %#x must be pc-relative and 4 bytes", srcAddr)
		}
		insn := uint32(content)
		var dst uint64
		store := StoreARMBranch24
		if r.Type == armRelocBR24 {
			dst = srcAddr + 8 + uint64(armBranch24Displacement(insn))
		} else {
			store = StoreThumbBranch22
			disp, blx := thumbBranch22Displacement(insn)
			pc := srcAddr + 4
			if blx {
				pc &^= 3
			}
			dst = pc + uint64(disp)
		}
		var t target
		switch {
		case r.Scattered:
			if t, err = p.targetAtAddress(uint64(r.Value)); err != nil {
				return 0, err
			}
			t.addend += int64(dst) - int64(r.Value)
		case r.Extern:
			name := p.externName(r)
			if ds, ok := p.dtraceStore(name, srcThumb); ok {
				p.addDtraceFixup(src, off, name, ds)
				return 1, nil
			}
			if t, err = p.targetFromSymbol(r.Symnum); err != nil {
				return 0, err
			}
			t.addend += int64(uint32(dst))
		default:
			if t, err = p.targetFromAddress(r.Symnum, uint64(uint32(dst))); err != nil {
				return 0, err
			}
		}
		p.clearThumbBit(&t)
		if t.atom != NoAtom && !p.file.Atoms[t.atom].Thumb {
			p.checkTargetAlignment(srcAddr, t, 4, "branch to arm code")
		}
		p.addFixup(src, off, store, t)
		return 1, nil

	case armRelocSectDiff, armRelocLocalSectDiff:
		if !r.Scattered {
			return 0, formatErrorf("non-scattered section difference relocation at %#x", srcAddr)
		}
		return p.scatteredSectDiff(s, relocs, i, src, off, signExtend(content, uint(8*r.Size())), armRelocPair)
	}
	return 0, unsupportedf("unknown arm relocation type %d at %#x", r.Type, srcAddr)
}

// armHalf translates a movw/movt relocation and its PAIR, whose address
// field carries the other 16 bits of the value.
func armHalf(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error) {
	r := relocs[i]
	srcAddr := s.Address + uint64(r.Addr)
	if i+1 >= len(relocs) || relocs[i+1].Type != armRelocPair {
		return 0, formatErrorf("ARM_RELOC_HALF at %#x not followed by ARM_RELOC_PAIR", srcAddr)
	}
	pair := relocs[i+1]
	store, high, thumb := halfStore(r.Len)
	// the length field encodes the half, the field itself is 4 bytes
	field := r
	field.Len = 2
	src, off, err := p.source(s, field)
	if err != nil {
		return 0, err
	}
	content, err := p.content(s, field)
	if err != nil {
		return 0, err
	}
	imm := halfImm16(uint32(content), thumb)
	other := pair.Addr & 0xFFFF
	value := uint64(other<<16 | imm)
	if high {
		value = uint64(imm<<16 | other)
	}

	var t target
	switch {
	case r.Type == armRelocHalfSectDiff:
		if !r.Scattered || !pair.Scattered {
			return 0, formatErrorf("ARM_RELOC_HALF_SECTDIFF at %#x must be scattered", srcAddr)
		}
		to, err := p.targetAtAddress(uint64(r.Value))
		if err != nil {
			return 0, err
		}
		from, err := p.targetAtAddress(uint64(pair.Value))
		if err != nil {
			return 0, err
		}
		to.addend += int64(uint32(value)) - (int64(r.Value) - int64(pair.Value))
		p.addDiffFixup(src, off, store, to, from)
		return 2, nil
	case r.Scattered:
		if t, err = p.targetAtAddress(uint64(r.Value)); err != nil {
			return 0, err
		}
		t.addend += int64(value) - int64(r.Value)
	case r.Extern:
		if t, err = p.targetFromSymbol(r.Symnum); err != nil {
			return 0, err
		}
		t.addend += int64(int32(uint32(value)))
	default:
		if t, err = p.targetFromAddress(r.Symnum, value&^1); err != nil {
			return 0, err
		}
		t.addend += int64(value & 1)
	}
	p.clearThumbBit(&t)
	p.addFixup(src, off, store, t)
	return 2, nil
}
