package ld

import (
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/machobj/pkg/macho"
)

const (
	arm64RelocUnsigned          = 0
	arm64RelocSubtractor        = 1
	arm64RelocBranch26          = 2
	arm64RelocPage21            = 3
	arm64RelocPageOff12         = 4
	arm64RelocGOTLoadPage21     = 5
	arm64RelocGOTLoadPageOff12  = 6
	arm64RelocPointerToGOT      = 7
	arm64RelocTLVPLoadPage21    = 8
	arm64RelocTLVPLoadPageOff12 = 9
	arm64RelocAddend            = 10
	arm64RelocAuthenticatedPtr  = 11
)

const (
	arm64AuthBit                 = 63
	arm64LoadStoreMask    uint32 = 0x3B000000
	arm64LoadStoreUImm    uint32 = 0x39000000
	arm64LoadStore128Bits uint32 = 0x04800000
)

// arm64Instr describes the extern-only instruction relocations: pc-relative
// flag, store kind and whether an ARM64_RELOC_ADDEND may precede it.
var arm64Instr = map[uint8]struct {
	pcrel  bool
	store  StoreKind
	addend bool
	scaled bool
}{
	arm64RelocPage21:            {true, StoreARM64Page21, true, false},
	arm64RelocPageOff12:         {false, StoreARM64PageOff12, true, true},
	arm64RelocGOTLoadPage21:     {true, StoreARM64GOTLoadPage21, false, false},
	arm64RelocGOTLoadPageOff12:  {false, StoreARM64GOTLoadPageOff12, false, false},
	arm64RelocTLVPLoadPage21:    {true, StoreARM64TLVPLoadPage21, false, false},
	arm64RelocTLVPLoadPageOff12: {false, StoreARM64TLVPLoadPageOff12, false, false},
}

func arm64EHReloc(r macho.Reloc) ehRelocKind {
	switch r.Type {
	case arm64RelocUnsigned:
		return ehRelocUnsigned
	case arm64RelocSubtractor:
		return ehRelocSubtractor
	case arm64RelocPointerToGOT:
		return ehRelocGOT
	}
	return ehRelocOther
}

// pageOffScale is the log2 access size a load/store immediate is scaled by.
func pageOffScale(insn uint32) uint8 {
	if insn&arm64LoadStoreMask != arm64LoadStoreUImm {
		return 0
	}
	if insn&arm64LoadStore128Bits == arm64LoadStore128Bits {
		return 4
	}
	return uint8(insn >> 30)
}

// decodeAuthPointer unpacks an arm64e signed pointer in an object file:
// target/addend in bits 0-31, diversity in 32-47, address diversity in 48,
// key in 49-50 and the authenticated marker in 63.
func decodeAuthPointer(v uint64) (int64, AuthData, bool) {
	auth := AuthData{
		Discriminator:    uint16(types.ExtractBits(v, 32, 16)),
		AddressDiversity: types.ExtractBits(v, 48, 1) != 0,
		Key:              uint8(types.ExtractBits(v, 49, 2)),
	}
	return signExtend(types.ExtractBits(v, 0, 32), 32), auth, types.ExtractBits(v, arm64AuthBit, 1) != 0
}

func arm64Reloc(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error) {
	r := relocs[i]
	consumed := 1
	var prefixAddend int64
	if r.Type == arm64RelocAddend {
		if i+1 >= len(relocs) {
			return 0, formatErrorf("ARM64_RELOC_ADDEND at %#x not followed by a relocation", r.Addr)
		}
		prefixAddend = signExtend(uint64(r.Symnum), 24)
		r = relocs[i+1]
		consumed = 2
		switch r.Type {
		case arm64RelocBranch26, arm64RelocPage21, arm64RelocPageOff12:
		default:
			return 0, formatErrorf("ARM64_RELOC_ADDEND at %#x followed by relocation type %d", r.Addr, r.Type)
		}
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

	switch r.Type {
	case arm64RelocUnsigned:
		if r.Pcrel {
			return 0, formatErrorf("pc-relative ARM64_RELOC_UNSIGNED at %#x", srcAddr)
		}
		var store StoreKind
		switch r.Len {
		case 2:
			store = StoreLE32
			content = uint64(signExtend(content, 32))
		case 3:
			store = StoreLE64
		default:
			return 0, unsupportedf("ARM64_RELOC_UNSIGNED of length %d at %#x", r.Len, srcAddr)
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

	case arm64RelocSubtractor:
		return arm64Subtractor(p, s, relocs, i, src, off, content)

	case arm64RelocBranch26:
		if !r.Pcrel || r.Len != 2 {
			return 0, formatErrorf("ARM64_RELOC_BRANCH26 at %#x must be pc-relative and 4 bytes", srcAddr)
		}
		if !r.Extern {
			return 0, formatErrorf("ARM64_RELOC_BRANCH26 at %#x must be extern", srcAddr)
		}
		name := p.externName(r)
		if store, ok := p.dtraceStore(name, false); ok {
			p.addDtraceFixup(src, off, name, store)
			return consumed, nil
		}
		t, err := p.targetFromSymbol(r.Symnum)
		if err != nil {
			return 0, err
		}
		t.addend += prefixAddend
		p.checkTargetAlignment(srcAddr, t, 4, "branch")
		p.addFixup(src, off, StoreARM64Branch26, t)

	case arm64RelocPage21, arm64RelocPageOff12, arm64RelocGOTLoadPage21, arm64RelocGOTLoadPageOff12,
		arm64RelocTLVPLoadPage21, arm64RelocTLVPLoadPageOff12:
		in := arm64Instr[r.Type]
		if r.Pcrel != in.pcrel || r.Len != 2 {
			return 0, formatErrorf("relocation type %d at %#x has wrong pcrel/length", r.Type, srcAddr)
		}
		if !r.Extern {
			return 0, formatErrorf("relocation type %d at %#x must be extern", r.Type, srcAddr)
		}
		t, err := p.targetFromSymbol(r.Symnum)
		if err != nil {
			return 0, err
		}
		if in.addend {
			t.addend += prefixAddend
		}
		store := Fixup{Kind: KindStore, Store: in.store}
		if in.scaled {
			store.Scale = pageOffScale(uint32(content))
			p.checkTargetAlignment(srcAddr, t, 1<<store.Scale, "scaled load/store")
		}
		p.addStoreFixup(src, off, t, store, nil)

	case arm64RelocPointerToGOT:
		if !r.Extern {
			return 0, formatErrorf("ARM64_RELOC_POINTER_TO_GOT at %#x must be extern", srcAddr)
		}
		var store StoreKind
		switch {
		case r.Len == 2 && r.Pcrel:
			store = StoreARM64PCRelToGOT
		case r.Len == 3 && !r.Pcrel:
			store = StoreARM64PointerToGOT
		case r.Len == 2 && !r.Pcrel && p.arch.PointerSize == 4:
			store = StoreARM64PointerToGOT32
		default:
			return 0, unsupportedf("ARM64_RELOC_POINTER_TO_GOT of length %d pcrel %t at %#x", r.Len, r.Pcrel, srcAddr)
		}
		t, err := p.targetFromSymbol(r.Symnum)
		if err != nil {
			return 0, err
		}
		p.addFixup(src, off, store, t)

	case arm64RelocAuthenticatedPtr:
		if r.Pcrel || r.Len != 3 {
			return 0, formatErrorf("ARM64_RELOC_AUTHENTICATED_POINTER at %#x must be an absolute 8-byte pointer", srcAddr)
		}
		addend, auth, ok := decodeAuthPointer(content)
		if !ok {
			return 0, formatErrorf("ARM64_RELOC_AUTHENTICATED_POINTER at %#x does not have the authenticated bit set", srcAddr)
		}
		if !p.opts.SupportsAuthenticatedPointers {
			return 0, unsupportedf("authenticated pointer at %#x but target does not support pointer authentication", srcAddr)
		}
		var t target
		if r.Extern {
			if t, err = p.targetFromSymbol(r.Symnum); err != nil {
				return 0, err
			}
			t.addend += addend
		} else if t, err = p.targetFromAddress(r.Symnum, uint64(uint32(addend))); err != nil {
			return 0, err
		}
		p.addStoreFixup(src, off, t, Fixup{Kind: KindStore, Store: StoreLE64Auth}, &auth)

	default:
		return 0, unsupportedf("unknown arm64 relocation type %d at %#x", r.Type, srcAddr)
	}
	return consumed, nil
}

func arm64Subtractor(p *parser, s *Section, relocs []macho.Reloc, i int, src AtomID, off uint32, content uint64) (int, error) {
	r := relocs[i]
	srcAddr := s.Address + uint64(r.Addr)
	if !r.Extern || r.Pcrel {
		return 0, formatErrorf("ARM64_RELOC_SUBTRACTOR at %#x must be extern and absolute", srcAddr)
	}
	if i+1 >= len(relocs) {
		return 0, formatErrorf("ARM64_RELOC_SUBTRACTOR at %#x not followed by ARM64_RELOC_UNSIGNED", srcAddr)
	}
	next := relocs[i+1]
	if next.Type != arm64RelocUnsigned || next.Len != r.Len || next.Addr != r.Addr {
		return 0, formatErrorf("ARM64_RELOC_SUBTRACTOR at %#x not followed by a matching ARM64_RELOC_UNSIGNED", srcAddr)
	}
	var store StoreKind
	var addend int64
	switch r.Len {
	case 2:
		store, addend = StoreLE32, signExtend(content, 32)
	case 3:
		store, addend = StoreLE64, int64(content)
	default:
		return 0, unsupportedf("ARM64_RELOC_SUBTRACTOR of length %d at %#x", r.Len, srcAddr)
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
	} else if to, err = p.targetFromAddress(next.Symnum, content); err != nil {
		return 0, err
	}
	p.addDiffFixup(src, off, store, to, from)
	return 2, nil
}
