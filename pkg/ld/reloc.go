package ld

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/blacktop/machobj/pkg/macho"
)

// target is a resolved relocation destination: an atom of this file or a name.
type target struct {
	atom       AtomID
	name       string
	addend     int64
	weakImport bool
}

func nameTarget(name string) target { return target{atom: NoAtom, name: name} }

// atomAt returns the sized atom of s containing addr, preferring the first
// of co-located clones.
func (p *parser) atomAt(s *Section, addr uint64) AtomID {
	atoms := s.Atoms()
	i := sort.Search(len(atoms), func(i int) bool { return atoms[i].Address > addr }) - 1
	for i >= 0 && atoms[i].Size == 0 {
		i--
	}
	if i < 0 {
		return NoAtom
	}
	for i > 0 && atoms[i-1].Address == atoms[i].Address && atoms[i-1].Size == atoms[i].Size {
		i--
	}
	if addr >= atoms[i].Address+atoms[i].Size {
		return NoAtom
	}
	return AtomID(s.atoms.start) + AtomID(i)
}

// sectionAt returns the atom-bearing section whose range contains addr.
func (p *parser) sectionAt(addr uint64) *Section {
	for _, s := range p.byOrdinal {
		if s != nil && s.Shape.makesAtoms() && s.contains(addr) {
			return s
		}
	}
	return nil
}

func (p *parser) targetFromAddress(ordinal uint32, addr uint64) (target, error) {
	if ordinal == 0 || int(ordinal) >= len(p.byOrdinal) || p.byOrdinal[ordinal] == nil {
		return target{}, formatErrorf("reference to address %#x in invalid section %d", addr, ordinal)
	}
	return p.targetInSection(p.byOrdinal[ordinal], addr)
}

func (p *parser) targetInSection(s *Section, addr uint64) (target, error) {
	switch s.Mach.Flags.Type() {
	case macho.S_SYMBOL_STUBS, macho.S_LAZY_SYMBOL_POINTERS, macho.S_LAZY_DYLIB_SYMBOL_POINTERS:
		return p.targetThroughStub(s, addr)
	}
	if !s.Shape.makesAtoms() || s.atoms.count == 0 {
		return target{}, formatErrorf("reference to address %#x in section %s which has no atoms", addr, s)
	}
	if id := p.atomAt(s, addr); id != NoAtom {
		return target{atom: id, addend: int64(addr - p.file.Atoms[id].Address)}, nil
	}
	// outside every atom: bind to the nearest sized atom with an addend
	atoms := s.Atoms()
	first, last := -1, -1
	for i := range atoms {
		if atoms[i].Size == 0 {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		first, last = 0, len(atoms)-1
	}
	i := last
	if addr < atoms[first].Address {
		i = first
	}
	return target{atom: AtomID(s.atoms.start) + AtomID(i), addend: int64(addr - atoms[i].Address)}, nil
}

func (p *parser) targetThroughStub(s *Section, addr uint64) (target, error) {
	elem := uint64(p.arch.PointerSize)
	if s.Mach.Flags.IsSymbolStubs() {
		elem = uint64(s.Mach.Reserved2)
	}
	if elem == 0 {
		return target{}, formatErrorf("symbol stub section %s has zero stub size", s)
	}
	slot := s.Mach.Reserved1 + uint32((addr-s.Address)/elem)
	idx, ok := p.indirectSymbol(slot)
	if !ok || idx&(macho.INDIRECT_SYMBOL_LOCAL|macho.INDIRECT_SYMBOL_ABS) != 0 {
		return target{}, formatErrorf("no indirect symbol for stub at %#x in %s", addr, s)
	}
	return p.targetFromSymbol(idx)
}

func (p *parser) targetFromSymbol(idx uint32) (target, error) {
	sym, err := p.symbol(idx)
	if err != nil {
		return target{}, err
	}
	if a := p.symAtom[idx]; a != NoAtom {
		return target{atom: a, addend: int64(sym.Value - p.file.Atoms[a].Address)}, nil
	}
	switch {
	case sym.Type.IsDefinedInSection():
		return p.targetFromAddress(uint32(sym.Sect), sym.Value)
	case sym.Type.IsAbsolute():
		return nameTarget(sym.Name), nil
	}
	t := nameTarget(sym.Name)
	t.weakImport = sym.Desc.Has(macho.WEAK_REF)
	return t, nil
}

// checkTargetAlignment warns when a target defined in this file is not
// aligned to the size an instruction encodes it in.
func (p *parser) checkTargetAlignment(srcAddr uint64, t target, align uint64, what string) {
	if align <= 1 || t.atom == NoAtom {
		return
	}
	a := &p.file.Atoms[t.atom]
	if addr := a.Address + uint64(t.addend); addr&(align-1) != 0 {
		p.warnf("%s at %#x targets %s+%#x, which is not %d-byte aligned", what, srcAddr, a.Name, t.addend, align)
	}
}

// source locates the atom containing a relocation's fixup location.
func (p *parser) source(s *Section, r macho.Reloc) (AtomID, uint32, error) {
	if uint64(r.Addr)+uint64(r.Size()) > s.Size {
		return NoAtom, 0, formatErrorf("relocation at %#x is outside section %s", r.Addr, s)
	}
	id := p.atomAt(s, s.Address+uint64(r.Addr))
	if id == NoAtom {
		return NoAtom, 0, formatErrorf("no atom at relocation address %#x in %s", s.Address+uint64(r.Addr), s)
	}
	return id, uint32(s.Address + uint64(r.Addr) - p.file.Atoms[id].Address), nil
}

// content reads the 1<<r.Len bytes a relocation fixes up, zero-extended.
func (p *parser) content(s *Section, r macho.Reloc) (uint64, error) {
	data := s.Mach.Data()
	if uint64(r.Addr)+uint64(r.Size()) > uint64(len(data)) {
		return 0, formatErrorf("relocation at %#x is past the content of %s", r.Addr, s)
	}
	b := data[r.Addr:]
	switch r.Len {
	case 0:
		return uint64(b[0]), nil
	case 1:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 2:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func signExtend(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// bind picks how a fixup from src refers to t.
func (p *parser) bind(src AtomID, off uint32, t target) Fixup {
	f := Fixup{Target: NoAtom}
	if t.atom == NoAtom {
		f.Binding, f.Name, f.WeakImport = BindingByName, t.name, t.weakImport
		return f
	}
	a := &p.file.Atoms[t.atom]
	f.Name = a.Name
	switch {
	case a.Scope == ScopeTranslationUnit:
		f.Binding, f.Target = BindingDirect, t.atom
	case p.file.Atoms[src].ContentType == ContentCFString && off != 0:
		// the backing string of a CFString
		f.Binding, f.Target = BindingDirect, t.atom
	case a.Combine.ContentBased():
		f.Binding, f.Target = BindingByContent, t.atom
	case src == t.atom && a.Combine == CombineByName:
		f.Binding, f.Target = BindingDirect, t.atom
	default:
		f.Binding = BindingByName
	}
	return f
}

// emit appends one cluster; every step gets off and its position.
func (p *parser) emit(atom AtomID, off uint32, steps ...Fixup) {
	for i := range steps {
		steps[i].Offset = off
		steps[i].ClusterIndex = uint8(i)
		steps[i].ClusterSize = uint8(len(steps))
		if !steps[i].Kind.HasTarget() && steps[i].Binding == BindingNone {
			steps[i].Target = NoAtom
		}
		p.fixups = append(p.fixups, pendingFixup{atom: atom, Fixup: steps[i]})
	}
}

func addendSteps(addend int64) []Fixup {
	switch {
	case addend > 0:
		return []Fixup{{Kind: KindAddAddend, Addend: addend}}
	case addend < 0:
		return []Fixup{{Kind: KindSubtractAddend, Addend: -addend}}
	}
	return nil
}

// addFixup emits SetTarget [+addend] Store, collapsed to one step for
// plain pointer stores without an addend.
func (p *parser) addFixup(src AtomID, off uint32, store StoreKind, t target) {
	p.addStoreFixup(src, off, t, Fixup{Kind: KindStore, Store: store}, nil)
}

func (p *parser) addStoreFixup(src AtomID, off uint32, t target, store Fixup, auth *AuthData) {
	set := p.bind(src, off, t)
	if auth == nil && t.addend == 0 && store.Store.combinable() {
		set.Kind, set.Store = KindStoreTargetAddress, store.Store
		p.emit(src, off, set)
		return
	}
	var steps []Fixup
	if auth != nil {
		steps = append(steps, Fixup{Kind: KindSetAuthData, Auth: *auth})
	}
	set.Kind = KindSetTargetAddress
	steps = append(steps, set)
	steps = append(steps, addendSteps(t.addend)...)
	steps = append(steps, store)
	p.emit(src, off, steps...)
}

// addDiffFixup emits the (to - from) cluster of subtractor style relocations.
func (p *parser) addDiffFixup(src AtomID, off uint32, store StoreKind, to, from target) {
	set := p.bind(src, off, to)
	set.Kind = KindSetTargetAddress
	steps := []Fixup{set}
	steps = append(steps, addendSteps(to.addend)...)
	sub := p.bind(src, off, from)
	sub.Kind = KindSubtractTargetAddress
	steps = append(steps, sub)
	steps = append(steps, addendSteps(-from.addend)...)
	steps = append(steps, Fixup{Kind: KindStore, Store: store})
	p.emit(src, off, steps...)
}

// addDtraceFixup rewrites a call to a dtrace call site or is-enabled stub and
// attaches the matching provider symbols.
func (p *parser) addDtraceFixup(src AtomID, off uint32, name string, store StoreKind) {
	p.emit(src, off, Fixup{Kind: KindStore, Store: store, Name: name})
	provider := dtraceProvider(name)
	if provider == "" {
		return
	}
	for _, sym := range p.sum.dtraceProviders {
		if dtraceProvider(sym) == provider {
			p.emit(src, off, Fixup{Kind: KindDtraceExtra, Name: sym})
		}
	}
}

// dtraceProvider extracts "prov" from "___dtrace_<kind>$prov$...".
func dtraceProvider(name string) string {
	_, rest, ok := strings.Cut(name, "$")
	if !ok {
		return ""
	}
	prov, _, _ := strings.Cut(rest, "$")
	return prov
}

// dtraceStore maps a call to a dtrace stub onto its no-op store, if it is one.
func (p *parser) dtraceStore(name string, thumb bool) (StoreKind, bool) {
	site, enabled := p.arch.dtraceCallSite, p.arch.dtraceIsEnabled
	if thumb {
		site, enabled = StoreThumbDtraceCallSiteNop, StoreThumbDtraceIsEnableSiteClear
	}
	switch {
	case strings.HasPrefix(name, dtraceProbePrefix):
		return site, true
	case strings.HasPrefix(name, dtraceIsEnabledPrefix):
		return enabled, true
	}
	return StoreNone, false
}

// externName returns the symbol name of an extern relocation or "".
func (p *parser) externName(r macho.Reloc) string {
	if !r.Extern || r.Symnum >= uint32(len(p.syms)) {
		return ""
	}
	return p.syms[r.Symnum].Name
}

func (p *parser) addFixups() error {
	for _, s := range p.byOrdinal {
		if s == nil {
			continue
		}
		switch s.Shape {
		case ShapeCFI, ShapeCompactUnwind, ShapeIgnored:
			continue
		}
		relocs := s.Mach.Relocs
		for i := 0; i < len(relocs); {
			if relocs[i].Scattered && !p.arch.Scattered {
				return formatErrorf("scattered relocation at %#x in %s is not valid for %s", relocs[i].Addr, s, p.arch)
			}
			n, err := p.arch.translate(p, s, relocs, i)
			if err != nil {
				return err
			}
			i += n
		}
		if s.Shape == ShapeNonLazyPointer || s.Shape == ShapeTLVPointer {
			if err := p.addIndirectPointerFixups(s); err != nil {
				return err
			}
		}
	}
	if err := p.addCFIFixups(); err != nil {
		return err
	}
	p.attachUnwind()
	p.addFollowOns()
	p.addDataInCode()
	p.addOptimizationHints()
	return nil
}

// addIndirectPointerFixups targets each pointer slot through the indirect
// symbol table. Slots that carry their own relocation are skipped.
func (p *parser) addIndirectPointerFixups(s *Section) error {
	relocated := make(map[uint32]bool, len(s.Mach.Relocs))
	for _, r := range s.Mach.Relocs {
		relocated[r.Addr] = true
	}
	ptr := uint64(p.arch.PointerSize)
	data := s.Mach.Data()
	for off := uint64(0); off+ptr <= s.Size; off += ptr {
		if relocated[uint32(off)] {
			continue
		}
		idx, ok := p.indirectSymbol(s.Mach.Reserved1 + uint32(off/ptr))
		if !ok {
			return formatErrorf("pointer at %#x in %s has no indirect symbol", s.Address+off, s)
		}
		var t target
		var err error
		switch {
		case idx&macho.INDIRECT_SYMBOL_ABS != 0:
			continue
		case idx&macho.INDIRECT_SYMBOL_LOCAL != 0:
			if uint64(len(data)) < off+ptr {
				return formatErrorf("pointer at %#x in %s has no content", s.Address+off, s)
			}
			addr := p.readPointer(data[off:])
			ts := p.sectionAt(addr)
			if ts == nil {
				return formatErrorf("local pointer at %#x in %s targets unknown address %#x", s.Address+off, s, addr)
			}
			t, err = p.targetInSection(ts, addr)
		default:
			t, err = p.targetFromSymbol(idx)
		}
		if err != nil {
			return err
		}
		src := p.atomAt(s, s.Address+off)
		p.addFixup(src, 0, p.arch.pointerStore(), t)
	}
	return nil
}

// addFollowOns keeps alt entries and, without subsections via
// symbols, whole sections attached to their neighbours.
func (p *parser) addFollowOns() {
	atoms := p.file.Atoms
	for i := range atoms {
		a := &atoms[i]
		next := AtomID(i + 1)
		// zero-size atoms own no offsets; an alias is tied to its target by AliasOf
		if a.Size == 0 || a.AliasOf != NoAtom {
			continue
		}
		if int(next) < len(atoms) && atoms[next].Section == a.Section &&
			(atoms[next].AltEntry || (!p.file.SubsectionsViaSymbols && a.Section.Shape == ShapeSymboled)) {
			p.emit(AtomID(i), 0, Fixup{Kind: KindNoneFollowOn, Binding: BindingDirect, Target: next, Name: atoms[next].Name})
		}
	}
}
