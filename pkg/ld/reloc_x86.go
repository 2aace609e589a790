package ld

import "github.com/blacktop/machobj/pkg/macho"

const (
	x86RelocVanilla       = 0
	x86RelocPair          = 1
	x86RelocSectDiff      = 2
	x86RelocPBLAPtr       = 3
	x86RelocLocalSectDiff = 4
	x86RelocTLV           = 5
)

// targetAtAddress resolves an address in any atom-bearing section.
func (p *parser) targetAtAddress(addr uint64) (target, error) {
	s := p.sectionAt(addr)
	if s == nil {
		return target{}, formatErrorf("no section contains address %#x", addr)
	}
	return p.targetInSection(s, addr)
}

// x86PCRelStore picks the store for a pc-relative field of the given length;
// a 4-byte field after a call or jmp opcode is a branch.
func x86PCRelStore(s *Section, r macho.Reloc) (StoreKind, error) {
	switch r.Len {
	case 0:
		return StoreX86BranchPCRel8, nil
	case 1:
		return StoreX86PCRel16, nil
	case 2:
		data := s.Mach.Data()
		if r.Addr > 0 && int(r.Addr) <= len(data) {
			if op := data[r.Addr-1]; op == 0xE8 || op == 0xE9 {
				return StoreX86BranchPCRel32, nil
			}
		}
		return StoreX86PCRel32, nil
	}
	return StoreNone, unsupportedf("pc-relative i386 relocation of length %d at %#x", r.Len, r.Addr)
}

func x86AbsStore(r macho.Reloc) (StoreKind, error) {
	switch r.Len {
	case 0:
		return Store8, nil
	case 1:
		return StoreLE16, nil
	case 2:
		return StoreLE32, nil
	}
	return StoreNone, unsupportedf("i386 relocation of length %d at %#x", r.Len, r.Addr)
}

func x86Reloc(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error) {
	r := relocs[i]
	if r.Type == x86RelocPair {
		return 0, formatErrorf("GENERIC_RELOC_PAIR at %#x without a preceding relocation", r.Addr)
	}
	src, off, err := p.source(s, r)
	if err != nil {
		return 0, err
	}
	content, err := p.content(s, r)
	if err != nil {
		return 0, err
	}
	srcAddr := s.Address + uint64(r.Addr)
	width := uint64(r.Size())
	value := signExtend(content, uint(8*width))

	if r.Scattered {
		switch r.Type {
		case x86RelocVanilla:
			t, err := p.targetAtAddress(uint64(r.Value))
			if err != nil {
				return 0, err
			}
			var store StoreKind
			if r.Pcrel {
				if store, err = x86PCRelStore(s, r); err != nil {
					return 0, err
				}
				t.addend += int64(srcAddr+width) + value - int64(r.Value)
			} else {
				if store, err = x86AbsStore(r); err != nil {
					return 0, err
				}
				t.addend += value - int64(r.Value)
			}
			p.addFixup(src, off, store, t)
			return 1, nil
		case x86RelocSectDiff, x86RelocLocalSectDiff:
			return p.scatteredSectDiff(s, relocs, i, src, off, value, x86RelocPair)
		case x86RelocPBLAPtr:
			return 0, unsupportedf("GENERIC_RELOC_PB_LA_PTR at %#x", srcAddr)
		}
		return 0, unsupportedf("unknown scattered i386 relocation type %d at %#x", r.Type, srcAddr)
	}

	switch r.Type {
	case x86RelocVanilla:
		var store StoreKind
		var t target
		if r.Pcrel {
			if store, err = x86PCRelStore(s, r); err != nil {
				return 0, err
			}
			if r.Extern {
				name := p.externName(r)
				if store == StoreX86BranchPCRel32 {
					if ds, ok := p.dtraceStore(name, false); ok {
						p.addDtraceFixup(src, off, name, ds)
						return 1, nil
					}
				}
				if t, err = p.targetFromSymbol(r.Symnum); err != nil {
					return 0, err
				}
				t.addend += int64(srcAddr+width) + value
			} else if t, err = p.targetFromAddress(r.Symnum, srcAddr+width+uint64(value)); err != nil {
				return 0, err
			}
		} else {
			if store, err = x86AbsStore(r); err != nil {
				return 0, err
			}
			if r.Extern {
				if t, err = p.targetFromSymbol(r.Symnum); err != nil {
					return 0, err
				}
				t.addend += value
			} else if t, err = p.targetFromAddress(r.Symnum, content); err != nil {
				return 0, err
			}
		}
		p.addFixup(src, off, store, t)
		return 1, nil
	case x86RelocTLV:
		if !r.Extern || r.Pcrel || r.Len != 2 {
			return 0, formatErrorf("GENERIC_RELOC_TLV at %#x must be extern, absolute and 4 bytes", srcAddr)
		}
		t, err := p.targetFromSymbol(r.Symnum)
		if err != nil {
			return 0, err
		}
		t.addend += value
		p.addFixup(src, off, StoreX86Abs32TLVLoad, t)
		return 1, nil
	case x86RelocSectDiff, x86RelocLocalSectDiff:
		return 0, formatErrorf("non-scattered section difference relocation at %#x", srcAddr)
	case x86RelocPBLAPtr:
		return 0, unsupportedf("GENERIC_RELOC_PB_LA_PTR at %#x", srcAddr)
	}
	return 0, unsupportedf("unknown i386 relocation type %d at %#x", r.Type, srcAddr)
}

// scatteredSectDiff translates a SECTDIFF/PAIR couple:
// content = (to - from) + addend, with to and from carried as addresses.
func (p *parser) scatteredSectDiff(s *Section, relocs []macho.Reloc, i int, src AtomID, off uint32, value int64, pairType uint8) (int, error) {
	r := relocs[i]
	srcAddr := s.Address + uint64(r.Addr)
	if i+1 >= len(relocs) || relocs[i+1].Type != pairType || !relocs[i+1].Scattered {
		return 0, formatErrorf("section difference relocation at %#x not followed by a PAIR", srcAddr)
	}
	pair := relocs[i+1]
	var store StoreKind
	switch r.Len {
	case 1:
		store = StoreLE16
	case 2:
		store = StoreLE32
	default:
		return 0, unsupportedf("section difference relocation of length %d at %#x", r.Len, srcAddr)
	}
	to, err := p.targetAtAddress(uint64(r.Value))
	if err != nil {
		return 0, err
	}
	from, err := p.targetAtAddress(uint64(pair.Value))
	if err != nil {
		return 0, err
	}
	to.addend += value - (int64(r.Value) - int64(pair.Value))
	p.addDiffFixup(src, off, store, to, from)
	return 2, nil
}
