package ld

import "github.com/blacktop/machobj/pkg/macho"

const (
	x86_64RelocUnsigned   = 0
	x86_64RelocSigned     = 1
	x86_64RelocBranch     = 2
	x86_64RelocGOTLoad    = 3
	x86_64RelocGOT        = 4
	x86_64RelocSubtractor = 5
	x86_64RelocSigned1    = 6
	x86_64RelocSigned2    = 7
	x86_64RelocSigned4    = 8
	x86_64RelocTLV        = 9
)

// x86_64PCRel is the store and implicit displacement of each pc-relative
// reloc type; the displacement is the number of immediate bytes after the field.
var x86_64PCRel = map[uint8]struct {
	store StoreKind
	bias  int64
}{
	x86_64RelocSigned:  {StoreX86PCRel32, 0},
	x86_64RelocSigned1: {StoreX86PCRel32_1, 1},
	x86_64RelocSigned2: {StoreX86PCRel32_2, 2},
	x86_64RelocSigned4: {StoreX86PCRel32_4, 4},
	x86_64RelocBranch:  {StoreX86BranchPCRel32, 0},
}

// x86_64External are the relocs that only make sense against a symbol.
var x86_64External = map[uint8]StoreKind{
	x86_64RelocGOTLoad: StoreX86PCRel32GOTLoad,
	x86_64RelocGOT:     StoreX86PCRel32GOT,
	x86_64RelocTLV:     StoreX86PCRel32TLVLoad,
}

func x86_64EHReloc(r macho.Reloc) ehRelocKind {
	switch r.Type {
	case x86_64RelocUnsigned:
		return ehRelocUnsigned
	case x86_64RelocSubtractor:
		return ehRelocSubtractor
	case x86_64RelocGOT:
		return ehRelocGOT
	}
	return ehRelocOther
}

func x86_64Reloc(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error) {
	r := relocs[i]
	src, off, err := p.source(s, r)
	if err != nil {
		return 0, err
	}
	content, err := p.content(s, r)
	if err != nil {
		return 0, err
	}
	srcAddr := s.Address + uint64(r.Addr)

	switch r.Type {
	case x86_64RelocUnsigned:
		if r.Pcrel {
			return 0, formatErrorf("pc-relative X86_64_RELOC_UNSIGNED at %#x", srcAddr)
		}
		var store StoreKind
		switch r.Len {
		case 2:
			store = StoreLE32
			content = uint64(signExtend(content, 32))
		case 3:
			store = StoreLE64
		default:
			return 0, unsupportedf("X86_64_RELOC_UNSIGNED of length %d at %#x", r.Len, srcAddr)
		}
		var t target
		if r.Extern {
			if t, err = p.targetFromSymbol(r.Symnum); err != nil {
				return 0, err
			}
			t.addend += int64(content)
		} else if t, err = p.targetFromAddress(r.Symnum, content); err != nil {
			return 0, err
		}
		p.addFixup(src, off, store, t)
		return 1, nil

	case x86_64RelocSigned, x86_64RelocSigned1, x86_64RelocSigned2, x86_64RelocSigned4, x86_64RelocBranch:
		if !r.Pcrel || r.Len != 2 {
			return 0, unsupportedf("reloc type %d with length %d pcrel %t at %#x", r.Type, r.Len, r.Pcrel, srcAddr)
		}
		pc := x86_64PCRel[r.Type]
		disp := signExtend(content, 32)
		var t target
		if r.Extern {
			name := p.externName(r)
			if r.Type == x86_64RelocBranch {
				if store, ok := p.dtraceStore(name, false); ok {
					p.addDtraceFixup(src, off, name, store)
					return 1, nil
				}
			}
			if t, err = p.targetFromSymbol(r.Symnum); err != nil {
				return 0, err
			}
			t.addend += disp + pc.bias
		} else {
			dst := srcAddr + 4 + uint64(pc.bias) + uint64(disp)
			if t, err = p.targetFromAddress(r.Symnum, dst); err != nil {
				return 0, err
			}
		}
		p.addFixup(src, off, pc.store, t)
		return 1, nil

	case x86_64RelocGOTLoad, x86_64RelocGOT, x86_64RelocTLV:
		if !r.Extern {
			return 0, formatErrorf("reloc type %d at %#x must be extern", r.Type, srcAddr)
		}
		if !r.Pcrel || r.Len != 2 {
			return 0, unsupportedf("reloc type %d with length %d pcrel %t at %#x", r.Type, r.Len, r.Pcrel, srcAddr)
		}
		t, err := p.targetFromSymbol(r.Symnum)
		if err != nil {
			return 0, err
		}
		t.addend += signExtend(content, 32)
		p.addFixup(src, off, x86_64External[r.Type], t)
		return 1, nil

	case x86_64RelocSubtractor:
		return x86_64Subtractor(p, s, relocs, i, src, off, content)
	}
	return 0, unsupportedf("unknown x86_64 relocation type %d at %#x", r.Type, srcAddr)
}

// x86_64Subtractor translates a SUBTRACTOR/UNSIGNED pair into to - from + addend.
func x86_64Subtractor(p *parser, s *Section, relocs []macho.Reloc, i int, src AtomID, off uint32, content uint64) (int, error) {
	r := relocs[i]
	srcAddr := s.Address + uint64(r.Addr)
	if !r.Extern {
		return 0, formatErrorf("X86_64_RELOC_SUBTRACTOR at %#x must be extern", srcAddr)
	}
	if r.Pcrel {
		return 0, formatErrorf("X86_64_RELOC_SUBTRACTOR at %#x cannot be pc-relative", srcAddr)
	}
	if i+1 >= len(relocs) {
		return 0, formatErrorf("X86_64_RELOC_SUBTRACTOR at %#x not followed by X86_64_RELOC_UNSIGNED", srcAddr)
	}
	next := relocs[i+1]
	if next.Type != x86_64RelocUnsigned || next.Len != r.Len || next.Addr != r.Addr || next.Pcrel {
		return 0, formatErrorf("X86_64_RELOC_SUBTRACTOR at %#x not followed by a matching X86_64_RELOC_UNSIGNED", srcAddr)
	}
	var store StoreKind
	var addend int64
	switch r.Len {
	case 2:
		store, addend = StoreLE32, signExtend(content, 32)
	case 3:
		store, addend = StoreLE64, int64(content)
	default:
		return 0, unsupportedf("X86_64_RELOC_SUBTRACTOR of length %d at %#x", r.Len, srcAddr)
	}
	from, err := p.targetFromSymbol(r.Symnum)
	if err != nil {
		return 0, err
	}
	var to target
	if next.Extern {
		if to, err = p.targetFromSymbol(next.Symnum); err != nil {
			return 0, err
		}
		to.addend += addend
	} else {
		// the content holds the address of the minuend
		if to, err = p.targetFromAddress(next.Symnum, content); err != nil {
			return 0, err
		}
	}
	p.addDiffFixup(src, off, store, to, from)
	return 2, nil
}
