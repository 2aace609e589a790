// Package ld turns one Mach-O relocatable object into atoms connected by
// fixup clusters, ready for symbol resolution and layout.
package ld

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/machobj/pkg/macho"
)

// DebugInfoKind is the debug format an object carried.
type DebugInfoKind uint8

const (
	DebugInfoNone DebugInfoKind = iota
	DebugInfoDwarf
	DebugInfoStabs
)

func (k DebugInfoKind) String() string {
	return [...]string{"none", "dwarf", "stabs"}[k]
}

// Stab is a symbol table debug entry passed through when there is no DWARF.
type Stab struct {
	// Atom is the atom the entry describes, or NoAtom.
	Atom   AtomID
	Type   macho.NType
	Other  uint8
	Desc   uint16
	Value  uint64
	String string
}

// Payload is the raw content of a section that is not cut into atoms.
type Payload struct {
	Segment string
	Section string
	Data    []byte
}

// ObjCImageInfo is the content of __objc_imageinfo.
type ObjCImageInfo struct {
	Version      uint32
	Flags        uint32
	SwiftVersion uint8
}

// ObjectFile is one parsed relocatable object. It is immutable once Parse returns.
type ObjectFile struct {
	Path       string
	Arch       *Arch
	CpuSubtype uint32

	// SubsectionsViaSymbols is false when atoms of a section must stay together.
	SubsectionsViaSymbols bool

	Sections    []*Section
	Atoms       []Atom
	Fixups      []Fixup
	LineInfos   []LineInfo
	UnwindInfos []UnwindInfo
	Stabs       []Stab

	Platforms       []macho.BuildVersion
	DebugInfo       DebugInfoKind
	CompileUnitName string
	CompileUnitDir  string

	Bitcode       []Payload
	ObjCImageInfo *ObjCImageInfo
	LinkerOptions [][]string

	Warnings []string
}

// Atom returns the atom for id, or nil.
func (f *ObjectFile) Atom(id AtomID) *Atom {
	if id < 0 || int(id) >= len(f.Atoms) {
		return nil
	}
	return &f.Atoms[id]
}

// ForEachAtom visits atoms in file order; returning false stops the walk.
func (f *ObjectFile) ForEachAtom(fn func(id AtomID, a *Atom) bool) {
	for i := range f.Atoms {
		if !fn(AtomID(i), &f.Atoms[i]) {
			return
		}
	}
}

// AtomByName returns the first atom named name.
func (f *ObjectFile) AtomByName(name string) (AtomID, *Atom) {
	for i := range f.Atoms {
		if f.Atoms[i].Name == name {
			return AtomID(i), &f.Atoms[i]
		}
	}
	return NoAtom, nil
}

// Open reads and parses the object at path.
func Open(path string, opts *Options) (*ObjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return Parse(path, data, opts)
}

// Parse builds the atom graph of one MH_OBJECT buffer. On error the result
// is nil and err is a *ParseError.
func Parse(path string, data []byte, opts *Options) (*ObjectFile, error) {
	if opts == nil {
		opts = &Options{}
	}
	p, err := newParser(path, data, opts)
	if err != nil {
		return nil, withPath(err, path)
	}
	if err := p.parse(); err != nil {
		return nil, withPath(err, path)
	}
	return p.file, nil
}

// IsObjectFile checks only the header: magic, file type, cpu and, when
// mustMatch is set, the cpu subtype.
func IsObjectFile(data []byte, cpu macho.Cpu, subtype uint32, mustMatch bool) bool {
	h, _, err := macho.ReadHeader(data)
	if err != nil || !h.IsObject() || h.Cpu != cpu {
		return false
	}
	if mustMatch && h.SubCpu&macho.CpuSubtypeMask != subtype&macho.CpuSubtypeMask {
		return false
	}
	return true
}

// HasObjCCategories reports whether the object defines an objc category
// list, without building atoms.
func HasObjCCategories(data []byte) bool {
	for _, seg := range []string{"__DATA", "__DATA_CONST", "__DATA_DIRTY"} {
		if macho.SectionExists(data, seg, "__objc_catlist") {
			return true
		}
	}
	return macho.SectionExists(data, "__OBJC", "__category")
}

type pendingFixup struct {
	atom AtomID
	Fixup
}

type pendingLine struct {
	atom AtomID
	LineInfo
}

type pendingUnwind struct {
	atom AtomID
	UnwindInfo
}

type parser struct {
	path string
	opts *Options
	log  log.Interface
	arch *Arch
	mf   *macho.File
	file *ObjectFile

	syms []macho.Symbol
	sum  *symbolSummary

	// byOrdinal maps a 1-based section ordinal to its atom-bearing section.
	byOrdinal []*Section
	debug     map[string][]byte

	cfi        []cfiRecord
	cfiSection *Section
	cfiAtoms   []AtomID
	cu         []cuEntry

	symAtom []AtomID
	// counting is set while buildAtoms sizes the atom arena
	counting bool

	fixups  []pendingFixup
	lines   []pendingLine
	unwinds []pendingUnwind
}

func newParser(path string, data []byte, opts *Options) (*parser, error) {
	mf, err := macho.NewFile(data)
	if err != nil {
		var fe *macho.FormatError
		if errors.As(err, &fe) {
			return nil, &ParseError{Kind: KindFormat, Err: err}
		}
		return nil, err
	}
	arch := ArchForCpu(mf.Cpu)
	if arch == nil {
		return nil, unsupportedf("unsupported cpu type %s", mf.Cpu)
	}
	if opts.Arch != 0 && mf.Cpu != opts.Arch {
		return nil, formatErrorf("file was built for %s which is not the architecture being linked (%s)", mf.Cpu, opts.Arch)
	}
	if opts.SubTypeMustMatch && mf.SubCpu&macho.CpuSubtypeMask != opts.SubType&macho.CpuSubtypeMask {
		return nil, formatErrorf("cpu subtype %#x does not match required subtype %#x", mf.SubCpu, opts.SubType)
	}
	p := &parser{
		path: path,
		opts: opts,
		log:  opts.logger().WithField("file", path),
		arch: arch,
		mf:   mf,
		file: &ObjectFile{
			Path:                  path,
			Arch:                  arch,
			CpuSubtype:            mf.SubCpu,
			SubsectionsViaSymbols: mf.Flags.SubsectionsViaSymbols(),
			Platforms:             mf.BuildVersions,
			LinkerOptions:         mf.LinkerOptions,
		},
		debug: make(map[string][]byte),
	}
	if mf.Symtab != nil {
		p.syms = mf.Symtab.Syms
	}
	return p, nil
}

func (p *parser) warnf(format string, args ...any) {
	if p.counting {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.file.Warnings = append(p.file.Warnings, msg)
	p.log.Warn(msg)
}

func (p *parser) parse() error {
	if err := p.checkPlatforms(); err != nil {
		return err
	}
	if err := p.classifySections(); err != nil {
		return err
	}
	p.sum = prescanSymbols(p.syms, len(p.mf.Sections))
	if err := p.preparseUnwind(); err != nil {
		return err
	}
	if err := p.buildAtoms(); err != nil {
		return err
	}
	if err := p.addFixups(); err != nil {
		return err
	}
	p.parseDebugInfo()
	p.finish()
	return nil
}

func (p *parser) checkPlatforms() error {
	if len(p.opts.Platforms) == 0 {
		return nil
	}
	for _, bv := range p.mf.BuildVersions {
		var accepted *PlatformVersion
		for i := range p.opts.Platforms {
			if p.opts.Platforms[i].Platform == bv.Platform {
				accepted = &p.opts.Platforms[i]
				break
			}
		}
		if accepted == nil {
			return formatErrorf("object file built for %s which is not a platform being linked", bv.Platform)
		}
		if uint32(bv.Minos) > uint32(accepted.MinOS) {
			p.warnf("object file was built for newer %s version (%s) than being linked (%s)", bv.Platform, bv.Minos, accepted.MinOS)
		}
	}
	return nil
}

// symbol bounds-checks a symbol table index.
func (p *parser) symbol(idx uint32) (*macho.Symbol, error) {
	if idx >= uint32(len(p.syms)) {
		return nil, formatErrorf("symbol index %d out of range", idx)
	}
	return &p.syms[idx], nil
}

func (p *parser) indirectSymbol(slot uint32) (uint32, bool) {
	if p.mf.Dysymtab == nil || slot >= uint32(len(p.mf.Dysymtab.IndirectSyms)) {
		return 0, false
	}
	return p.mf.Dysymtab.IndirectSyms[slot], true
}

func (p *parser) classifySections() error {
	p.byOrdinal = make([]*Section, len(p.mf.Sections)+1)
	for _, ms := range p.mf.Sections {
		shape, content, err := classifySection(ms, p.opts)
		if err != nil {
			return err
		}
		switch shape {
		case ShapeDebug:
			p.debug[ms.Name] = ms.Data()
			continue
		case ShapeBitcode:
			p.file.Bitcode = append(p.file.Bitcode, Payload{Segment: ms.Seg, Section: ms.Name, Data: ms.Data()})
			continue
		case ShapeObjCImageInfo:
			if d := ms.Data(); len(d) >= 8 {
				flags := p.arch.ByteOrder.Uint32(d[4:])
				p.file.ObjCImageInfo = &ObjCImageInfo{
					Version:      p.arch.ByteOrder.Uint32(d),
					Flags:        flags,
					SwiftVersion: uint8(flags >> 8),
				}
			}
			continue
		}
		s := &Section{
			Mach:        ms,
			SegmentName: ms.Seg,
			SectionName: ms.Name,
			Address:     ms.Addr,
			Size:        ms.Size,
			Alignment:   uint8(ms.Align),
			Shape:       shape,
			ContentType: content,
			file:        p.file,
		}
		p.byOrdinal[ms.Index] = s
		if shape.makesAtoms() {
			p.file.Sections = append(p.file.Sections, s)
		}
		if shape == ShapeCFI {
			p.cfiSection = s
		}
	}
	return nil
}

func (p *parser) preparseUnwind() error {
	if p.cfiSection != nil {
		buf, gotNames, err := p.relocateEHFrame(p.cfiSection.Mach)
		if err != nil {
			return err
		}
		p.cfi, err = parseCFI(buf, p.cfiSection.Address, p.arch.PointerSize, p.arch.ByteOrder, gotNames)
		if err != nil {
			return &ParseError{Kind: KindFormat, Err: err}
		}
		for i := range p.cfi {
			if rec := &p.cfi[i]; rec.isCIE && rec.returnReg != p.arch.ReturnAddressReg {
				p.warnf("CIE at %#x uses return address register %d, expected %d on %s", rec.addr, rec.returnReg, p.arch.ReturnAddressReg, p.arch)
			}
		}
	}
	if cu := p.mf.Section("__LD", "__compact_unwind"); cu != nil {
		var err error
		if p.cu, err = p.parseCompactUnwind(cu); err != nil {
			return err
		}
	}
	return nil
}
