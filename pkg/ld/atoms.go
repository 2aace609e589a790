package ld

import (
	"cmp"
	"math/bits"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

// emitFunc receives each atom in file order. The builder runs once with a
// counting emitFunc and once with an appending one; warnings are only
// recorded on the second run.
type emitFunc func(a Atom)

func (p *parser) buildAtoms() error {
	var tentative, absolute *Section
	if p.sum.tentative > 0 {
		tentative = &Section{SegmentName: "__DATA", SectionName: "__common", Shape: ShapeTentativeDefs, ContentType: ContentZeroFill, file: p.file}
		p.file.Sections = append(p.file.Sections, tentative)
	}
	if p.sum.absolute > 0 {
		absolute = &Section{SegmentName: "__DATA", SectionName: "__abs", Shape: ShapeAbsoluteSymbols, ContentType: ContentAbsolute, file: p.file}
		p.file.Sections = append(p.file.Sections, absolute)
	}

	total := 0
	p.counting = true
	for _, s := range p.file.Sections {
		if err := p.emitSection(s, func(Atom) { total++ }); err != nil {
			p.counting = false
			return err
		}
	}
	p.counting = false

	p.file.Atoms = make([]Atom, 0, total)
	p.symAtom = make([]AtomID, len(p.syms))
	for i := range p.symAtom {
		p.symAtom[i] = NoAtom
	}
	for _, s := range p.file.Sections {
		s.atoms.start = uint32(len(p.file.Atoms))
		err := p.emitSection(s, func(a Atom) {
			id := AtomID(len(p.file.Atoms))
			if a.SymbolIndex >= 0 && p.symAtom[a.SymbolIndex] == NoAtom {
				p.symAtom[a.SymbolIndex] = id
			}
			if s.Shape == ShapeCFI {
				p.cfiAtoms = append(p.cfiAtoms, id)
			}
			p.file.Atoms = append(p.file.Atoms, a)
		})
		if err != nil {
			return err
		}
		s.atoms.count = uint32(len(p.file.Atoms)) - s.atoms.start
	}
	for i := range p.file.Atoms {
		a := &p.file.Atoms[i]
		if a.AliasOf != NoAtom {
			a.AliasOf = AtomID(i) + 1
		}
	}
	return nil
}

func (p *parser) emitSection(s *Section, emit emitFunc) error {
	switch s.Shape {
	case ShapeTentativeDefs:
		p.emitTentative(s, emit)
		return nil
	case ShapeAbsoluteSymbols:
		p.emitAbsolute(s, emit)
		return nil
	case ShapeCFI:
		for i := range p.cfi {
			rec := &p.cfi[i]
			a := p.newAtom(s, rec.addr, rec.size)
			a.Name = "CIE"
			if !rec.isCIE {
				a.Name = "FDE"
			}
			emit(a)
		}
		return nil
	case ShapeSymboled:
		return p.emitSymboled(s, emit)
	}

	if s.Shape.fixedElements() {
		size := s.Shape.elementSize(p.arch.PointerSize)
		if s.Size%size != 0 {
			return formatErrorf("section %s size %#x is not a multiple of %d", s, s.Size, size)
		}
		for addr := s.Address; addr < s.Address+s.Size; addr += size {
			p.emitContent(s, addr, size, emit)
		}
		return nil
	}

	data := s.Mach.Data()
	switch s.Shape {
	case ShapeCString:
		for off := uint64(0); off < uint64(len(data)); {
			end := off
			for end < uint64(len(data)) && data[end] != 0 {
				end++
			}
			if end == uint64(len(data)) {
				p.warnf("cstring at %#x in %s is not NUL terminated", s.Address+off, s)
				end--
			}
			p.emitContent(s, s.Address+off, end+1-off, emit)
			off = end + 1
		}
	case ShapeUTF16String:
		if len(data)%2 != 0 {
			return formatErrorf("UTF-16 section %s has odd size %#x", s, len(data))
		}
		for off := uint64(0); off < uint64(len(data)); {
			end := off
			for end+1 < uint64(len(data)) && (data[end] != 0 || data[end+1] != 0) {
				end += 2
			}
			if end+1 >= uint64(len(data)) {
				end = uint64(len(data)) - 2
			}
			p.emitContent(s, s.Address+off, end+2-off, emit)
			off = end + 2
		}
	}
	return nil
}

func (p *parser) emitSymboled(s *Section, emit emitFunc) error {
	it := newBreakIterator(s.Address, s.Address+s.Size, p.syms, p.sum.sorted, uint8(s.Mach.Index), p.cfiStarts(s))
	for {
		c, ok := it.next()
		if !ok {
			return nil
		}
		a := p.newAtom(s, c.addr, c.size)
		if c.sym >= 0 {
			p.applySymbol(&a, s, c.sym)
		}
		if c.alias {
			// resolved to the following atom once all atoms exist
			a.AliasOf = 0
		}
		emit(a)
	}
}

// emitContent emits one element of a content-addressed section. With
// overlapping symbols every extra label at addr gets its own clone.
func (p *parser) emitContent(s *Section, addr, size uint64, emit emitFunc) {
	labels := p.labelsAt(s, addr)
	a := p.newAtom(s, addr, size)
	if len(labels) == 0 {
		emit(a)
		return
	}
	p.applySymbol(&a, s, int32(labels[len(labels)-1]))
	emit(a)
	if !p.sum.overlappingSymbols || !s.Combine().ContentBased() || len(labels) < 2 {
		return
	}
	if len(labels) > 2 {
		p.warnf("%d labels at %#x in %s; cloning in label order", len(labels), addr, s)
	}
	for _, idx := range labels[:len(labels)-1] {
		clone := p.newAtom(s, addr, size)
		p.applySymbol(&clone, s, int32(idx))
		emit(clone)
	}
}

// labelsAt returns the atom-seeding labels at exactly addr in s, preferred last.
func (p *parser) labelsAt(s *Section, addr uint64) []uint32 {
	var out []uint32
	sorted := p.sum.sorted
	lo, _ := slices.BinarySearchFunc(sorted, addr, func(idx uint32, v uint64) int { return cmp.Compare(p.syms[idx].Value, v) })
	for _, idx := range sorted[lo:] {
		sym := &p.syms[idx]
		if sym.Value > addr {
			break
		}
		if sym.Value == addr && int(sym.Sect) == s.Mach.Index {
			out = append(out, idx)
		}
	}
	return out
}

func (p *parser) newAtom(s *Section, addr, size uint64) Atom {
	a := Atom{
		Name:        anonName,
		Section:     s,
		File:        p.file,
		Address:     addr,
		Size:        size,
		Combine:     s.Combine(),
		Scope:       ScopeTranslationUnit,
		ContentType: s.ContentType,
		Alignment:   alignmentAt(s.Alignment, addr),
		AliasOf:     NoAtom,
		SymbolIndex: -1,
	}
	if a.Combine.ContentBased() {
		a.Scope = ScopeLinkageUnit
	}
	if ms := s.Mach; ms != nil {
		switch {
		case ms.Flags.IsNoDeadStrip():
			a.DontDeadStrip = true
		case ms.Flags.IsLiveSupport():
			a.DontDeadStripIfReferencesLive = true
		}
		switch s.Shape {
		case ShapeInitializerPointers, ShapeTerminatorPointers:
			a.DontDeadStrip = true
		}
	}
	return a
}

func (p *parser) applySymbol(a *Atom, s *Section, idx int32) {
	sym := &p.syms[idx]
	a.Name = sym.Name
	a.SymbolIndex = idx
	a.SymbolTableInclusion = SymbolTableIn
	switch {
	case sym.Type.IsExternal() && sym.Type.IsPrivateExternal():
		a.Scope = ScopeLinkageUnit
	case sym.Type.IsExternal():
		a.Scope = ScopeGlobal
	}
	if strings.HasPrefix(sym.Name, "l") {
		a.SymbolTableInclusion = SymbolTableNotInFinalLinkedImages
	}
	if sym.Desc.Has(macho.REFERENCED_DYNAMICALLY) {
		a.SymbolTableInclusion = SymbolTableInAndNeverStrip
		a.DontDeadStrip = true
	}
	if sym.Desc.Has(macho.NO_DEAD_STRIP) {
		a.DontDeadStrip = true
	}
	if s.Shape == ShapeSymboled {
		if sym.Desc.Has(macho.WEAK_DEF) || s.Mach.Flags.IsCoalesced() {
			a.Combine = CombineByName
		}
		if sym.Type.IsExternal() && sym.Desc.Has(macho.WEAK_DEF) && sym.Desc.Has(macho.WEAK_REF) {
			a.AutoHide = true
		}
	}
	if sym.Desc.Has(macho.ARM_THUMB_DEF) && p.arch.Cpu == macho.CpuArm {
		a.Thumb = true
	}
	if sym.Desc.Has(macho.SYMBOL_RESOLVER) {
		a.ContentType = ContentResolver
	}
	if sym.Desc.Has(macho.COLD_FUNC) {
		a.Cold = true
	}
	if sym.Desc.Has(macho.ALT_ENTRY) {
		a.AltEntry = true
	}
}

func (p *parser) emitTentative(s *Section, emit emitFunc) {
	for i := range p.syms {
		sym := &p.syms[i]
		if !sym.IsTentative() {
			continue
		}
		align := sym.Desc.CommAlign()
		if align == 0 {
			align = min(log2Ceil(sym.Value), p.opts.maxCommonAlign())
		}
		a := Atom{
			Name:                 sym.Name,
			Section:              s,
			File:                 p.file,
			Size:                 sym.Value,
			Definition:           DefinitionTentative,
			Combine:              CombineByName,
			Scope:                ScopeGlobal,
			ContentType:          ContentZeroFill,
			SymbolTableInclusion: SymbolTableIn,
			Alignment:            Alignment{PowerOf2: align},
			AliasOf:              NoAtom,
			SymbolIndex:          int32(i),
		}
		if sym.Type.IsPrivateExternal() {
			a.Scope = ScopeLinkageUnit
		}
		emit(a)
	}
}

func (p *parser) emitAbsolute(s *Section, emit emitFunc) {
	for i := range p.syms {
		sym := &p.syms[i]
		if sym.IsStab() || !sym.Type.IsAbsolute() || isSyntheticAbsolute(sym.Name) {
			continue
		}
		a := Atom{
			Name:                 sym.Name,
			Section:              s,
			File:                 p.file,
			Address:              sym.Value,
			Definition:           DefinitionAbsolute,
			Scope:                ScopeTranslationUnit,
			ContentType:          ContentAbsolute,
			SymbolTableInclusion: SymbolTableInAsAbsolute,
			AliasOf:              NoAtom,
			SymbolIndex:          int32(i),
		}
		switch {
		case sym.Type.IsExternal() && sym.Type.IsPrivateExternal():
			a.Scope = ScopeLinkageUnit
		case sym.Type.IsExternal():
			a.Scope = ScopeGlobal
		}
		if sym.Desc.Has(macho.NO_DEAD_STRIP) || sym.Desc.Has(macho.REFERENCED_DYNAMICALLY) {
			a.DontDeadStrip = true
		}
		emit(a)
	}
}

// log2Ceil is log2 of size rounded up to a power of two.
func log2Ceil(size uint64) uint8 {
	if size <= 1 {
		return 0
	}
	return uint8(bits.Len64(size - 1))
}

// cfiStarts returns the sorted function starts inside s known from
// __eh_frame and __compact_unwind.
func (p *parser) cfiStarts(s *Section) []uint64 {
	var starts []uint64
	end := s.Address + s.Size
	for i := range p.cfi {
		if rec := &p.cfi[i]; !rec.isCIE && rec.funcAddr >= s.Address && rec.funcAddr < end {
			starts = append(starts, rec.funcAddr)
		}
	}
	for i := range p.cu {
		if e := &p.cu[i]; e.funcAddr >= s.Address && e.funcAddr < end {
			starts = append(starts, e.funcAddr)
		}
	}
	slices.Sort(starts)
	return starts
}
