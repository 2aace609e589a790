package ld

import (
	"cmp"

	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

// cfiPointerStore is the store for an encoded pointer field of __eh_frame.
func (p *parser) cfiPointerStore(enc uint8) (StoreKind, error) {
	switch encodedSize(enc, p.arch.PointerSize) {
	case 4:
		return StoreLE32, nil
	case 8:
		return StoreLE64, nil
	}
	return StoreNone, unsupportedf("__eh_frame pointer encoding %#x", enc)
}

// addCFIPointer emits the fixup for an encoded pointer at off inside rec.
func (p *parser) addCFIPointer(rec AtomID, off uint32, enc uint8, addr uint64) error {
	store, err := p.cfiPointerStore(enc)
	if err != nil {
		return err
	}
	to, err := p.targetAtAddress(addr)
	if err != nil {
		return err
	}
	if enc&0x70 == ehPEPCRel {
		p.addDiffFixup(rec, off, store, to, target{atom: rec, addend: int64(off)})
		return nil
	}
	p.addFixup(rec, off, store, to)
	return nil
}

func (p *parser) gotPersonalityStore() StoreKind {
	if p.arch.Cpu == macho.CpuAmd64 {
		return StoreX86PCRel32GOT
	}
	return StoreARM64PCRelToGOT
}

// addCFIFixups references each FDE's CIE, function and LSDA, and each CIE's
// personality routine.
func (p *parser) addCFIFixups() error {
	cies := make(map[uint64]AtomID)
	for i := range p.cfi {
		rec := &p.cfi[i]
		id := p.cfiAtoms[i]
		if rec.isCIE {
			cies[rec.addr] = id
			switch {
			case rec.personalityName != "":
				p.emit(id, rec.personalityOff,
					Fixup{Kind: KindSetTargetAddress, Binding: BindingByName, Target: NoAtom, Name: rec.personalityName},
					Fixup{Kind: KindStore, Store: p.gotPersonalityStore()})
			case rec.hasPersonality && rec.personalityAddr != 0:
				if err := p.addCFIPointer(id, rec.personalityOff, rec.personalityEnc, rec.personalityAddr); err != nil {
					return err
				}
			}
			continue
		}
		cie, ok := cies[rec.cieAddr]
		if !ok {
			return formatErrorf("FDE at %#x references unknown CIE", rec.addr)
		}
		p.addDiffFixup(id, rec.cieOff, StoreLE32, target{atom: id, addend: int64(rec.cieOff)}, target{atom: cie})
		if err := p.addCFIPointer(id, rec.funcOff, rec.ptrEnc, rec.funcAddr); err != nil {
			return err
		}
		if rec.hasLSDA {
			if err := p.addCFIPointer(id, rec.lsdaOff, rec.lsdaPtrEnc, rec.lsdaAddr); err != nil {
				return err
			}
		}
	}
	return nil
}

// functionAtom returns the atom containing a function start and the offset of the start in it.
func (p *parser) functionAtom(addr uint64) (AtomID, uint32, bool) {
	s := p.sectionAt(addr)
	if s == nil {
		return NoAtom, 0, false
	}
	id := p.atomAt(s, addr)
	if id == NoAtom {
		return NoAtom, 0, false
	}
	return id, uint32(addr - p.file.Atoms[id].Address), true
}

// attachUnwind gives functions their unwind encodings and ties personality,
// LSDA and FDE atoms to them. Compact unwind wins over an FDE unless the
// entry defers to DWARF or ForceDwarf is set.
func (p *parser) attachUnwind() {
	fdes := make(map[uint64]int)
	for i := range p.cfi {
		if !p.cfi[i].isCIE {
			fdes[p.cfi[i].funcAddr] = i
		}
	}
	cuFuncs := make(map[uint64]*cuEntry, len(p.cu))

	order := make([]int, len(p.cu))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(p.cu[a].funcAddr, p.cu[b].funcAddr) })

	prevAtom, prevEnd := NoAtom, uint64(0)
	for _, i := range order {
		e := &p.cu[i]
		cuFuncs[e.funcAddr] = e
		id, off, ok := p.functionAtom(e.funcAddr)
		if !ok {
			p.warnf("compact unwind entry for %#x is not in any atom", e.funcAddr)
			continue
		}
		if id == prevAtom {
			switch {
			case e.funcAddr < prevEnd:
				p.warnf("compact unwind entries overlap at %#x in %s", e.funcAddr, p.file.Atoms[id].Name)
			case e.funcAddr > prevEnd:
				p.warnf("compact unwind gap at %#x in %s", prevEnd, p.file.Atoms[id].Name)
			}
		}
		prevAtom, prevEnd = id, e.funcAddr+uint64(e.funcSize)

		enc := e.encoding
		if _, hasFDE := fdes[e.funcAddr]; hasFDE && p.opts.ForceDwarf {
			enc = p.arch.UnwindModeDwarf
		}
		p.unwinds = append(p.unwinds, pendingUnwind{atom: id, UnwindInfo: UnwindInfo{StartOffset: off, Encoding: enc}})
		if e.personality != "" {
			p.emit(id, 0, Fixup{Kind: KindNoneGroupSubordinatePersonality, Binding: BindingByName, Target: NoAtom, Name: e.personality})
		}
		if e.hasLSDA {
			if t, err := p.targetAtAddress(e.lsdaAddr); err != nil || t.atom == NoAtom {
				p.warnf("LSDA %#x of %s is not in any atom", e.lsdaAddr, p.file.Atoms[id].Name)
			} else {
				p.emit(id, 0, Fixup{Kind: KindNoneGroupSubordinateLSDA, Binding: BindingDirect, Target: t.atom, Name: p.file.Atoms[t.atom].Name})
			}
		}
	}

	for i := range p.cfi {
		rec := &p.cfi[i]
		if rec.isCIE {
			continue
		}
		fde := p.cfiAtoms[i]
		id, off, ok := p.functionAtom(rec.funcAddr)
		if !ok {
			p.warnf("FDE at %#x describes %#x which is not in any atom", rec.addr, rec.funcAddr)
			continue
		}
		p.file.Atoms[fde].Name = "FDE for: " + p.file.Atoms[id].Name
		cu, hasCU := cuFuncs[rec.funcAddr]
		if hasCU && !cu.requiresDwarf && !p.opts.ForceDwarf && !p.opts.KeepDwarfUnwind {
			continue
		}
		p.emit(id, 0, Fixup{Kind: KindNoneGroupSubordinateFDE, Binding: BindingDirect, Target: fde, Name: p.file.Atoms[fde].Name})
		if hasCU {
			continue
		}
		p.unwinds = append(p.unwinds, pendingUnwind{atom: id, UnwindInfo: UnwindInfo{StartOffset: off, Encoding: p.arch.UnwindModeDwarf}})
		if rec.hasLSDA {
			if t, err := p.targetAtAddress(rec.lsdaAddr); err == nil && t.atom != NoAtom {
				p.emit(id, 0, Fixup{Kind: KindNoneGroupSubordinateLSDA, Binding: BindingDirect, Target: t.atom, Name: p.file.Atoms[t.atom].Name})
			}
		}
	}
}
