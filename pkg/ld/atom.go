package ld

import (
	"fmt"

	"github.com/twmb/murmur3"
)

// AtomID is an index into ObjectFile.Atoms.
type AtomID int32

// NoAtom marks a missing atom handle.
const NoAtom AtomID = -1

const anonName = "anon"

type Scope uint8

const (
	ScopeTranslationUnit Scope = iota
	ScopeLinkageUnit
	ScopeGlobal
)

func (s Scope) String() string {
	return [...]string{"translation-unit", "linkage-unit", "global"}[s]
}

type Definition uint8

const (
	DefinitionRegular Definition = iota
	DefinitionTentative
	DefinitionAbsolute
)

func (d Definition) String() string {
	return [...]string{"regular", "tentative", "absolute"}[d]
}

type Combine uint8

const (
	CombineNever Combine = iota
	CombineByName
	CombineByNameAndContent
	CombineByNameAndReferences
)

func (c Combine) String() string {
	return [...]string{"never", "by-name", "by-name-and-content", "by-name-and-references"}[c]
}

// ContentBased reports whether atoms with this policy coalesce on content.
func (c Combine) ContentBased() bool {
	return c == CombineByNameAndContent || c == CombineByNameAndReferences
}

type ContentType uint8

const (
	ContentUnclassified ContentType = iota
	ContentCode
	ContentResolver
	ContentCString
	ContentUTF16String
	ContentLiteral4
	ContentLiteral8
	ContentLiteral16
	ContentCStringPointer
	ContentCFString
	ContentObjCClassRefs
	ContentObjCCategoryList
	ContentCFI
	ContentLSDA
	ContentZeroFill
	ContentInitializerPointers
	ContentTerminatorPointers
	ContentNonLazyPointer
	ContentTLV
	ContentTLVZeroFill
	ContentTLVDefs
	ContentTLVPointer
	ContentTLVInitializerPointers
	ContentInterposing
	ContentAbsolute
)

var contentTypeNames = [...]string{
	"unclassified", "code", "resolver", "cstring", "utf16-string", "literal4", "literal8",
	"literal16", "cstring-pointer", "cfstring", "objc-class-refs", "objc-category-list",
	"cfi", "lsda", "zero-fill", "initializer-pointers", "terminator-pointers",
	"non-lazy-pointer", "tlv", "tlv-zero-fill", "tlv-defs", "tlv-pointer",
	"tlv-initializer-pointers", "interposing", "absolute",
}

func (c ContentType) String() string {
	if int(c) < len(contentTypeNames) {
		return contentTypeNames[c]
	}
	return fmt.Sprintf("content(%d)", c)
}

// SymbolTableInclusion says whether and how an atom's name reaches the output symbol table.
type SymbolTableInclusion uint8

const (
	SymbolTableNotIn SymbolTableInclusion = iota
	SymbolTableNotInFinalLinkedImages
	SymbolTableIn
	SymbolTableInAndNeverStrip
	SymbolTableInAsAbsolute
	SymbolTableInWithRandomAutoStripLabel
)

func (s SymbolTableInclusion) String() string {
	return [...]string{"not-in", "not-in-final-linked-images", "in", "in-and-never-strip",
		"in-as-absolute", "in-with-random-auto-strip-label"}[s]
}

// Alignment is "address % 2^PowerOf2 == Modulus".
type Alignment struct {
	PowerOf2 uint8
	Modulus  uint16
}

func (a Alignment) String() string {
	if a.Modulus == 0 {
		return fmt.Sprintf("2^%d", a.PowerOf2)
	}
	return fmt.Sprintf("%d mod 2^%d", a.Modulus, a.PowerOf2)
}

func alignmentAt(p2 uint8, addr uint64) Alignment {
	return Alignment{PowerOf2: p2, Modulus: uint16(addr % (uint64(1) << p2))}
}

type span struct{ start, count uint32 }

// Atom is an indivisible unit of linkable content.
type Atom struct {
	Name    string
	Section *Section
	// File is the owning object; it is set once when the atom is built.
	File *ObjectFile

	Address uint64
	Size    uint64

	Definition           Definition
	Combine              Combine
	Scope                Scope
	ContentType          ContentType
	SymbolTableInclusion SymbolTableInclusion
	Alignment            Alignment

	DontDeadStrip                 bool
	DontDeadStripIfReferencesLive bool
	AutoHide                      bool
	Thumb                         bool
	Cold                          bool
	AltEntry                      bool

	// AliasOf is the atom this zero-size alias names, or NoAtom.
	AliasOf AtomID
	// SymbolIndex is the defining nlist index, or -1 for anonymous atoms.
	SymbolIndex int32

	fixups, lines, unwind span
}

// IsAlias reports whether the atom is a zero-size alias of the next atom.
func (a *Atom) IsAlias() bool { return a.AliasOf != NoAtom }

// Fixups returns the atom's fixups in cluster order.
func (a *Atom) Fixups() []Fixup {
	return a.File.Fixups[a.fixups.start : a.fixups.start+a.fixups.count]
}

func (a *Atom) LineInfo() []LineInfo {
	return a.File.LineInfos[a.lines.start : a.lines.start+a.lines.count]
}

func (a *Atom) UnwindInfo() []UnwindInfo {
	return a.File.UnwindInfos[a.unwind.start : a.unwind.start+a.unwind.count]
}

// Content returns the on-disk bytes, or nil for zero-fill and synthetic atoms.
func (a *Atom) Content() []byte {
	s := a.Section
	if s == nil || s.Mach == nil || a.Definition != DefinitionRegular {
		return nil
	}
	data := s.Mach.Data()
	if data == nil {
		return nil
	}
	off := a.Address - s.Address
	if off+a.Size > uint64(len(data)) {
		return nil
	}
	return data[off : off+a.Size]
}

// ContentHash hashes the bytes of content-coalesced atoms. Other atoms hash to 0.
func (a *Atom) ContentHash() uint64 {
	if a.Combine != CombineByNameAndContent {
		return 0
	}
	return murmur3.Sum64(a.Content())
}

func (a *Atom) String() string {
	return fmt.Sprintf("%s [%#x, %#x) %s", a.Name, a.Address, a.Address+a.Size, a.ContentType)
}

// LineInfo maps an offset inside an atom to a source line.
type LineInfo struct {
	AtomOffset uint32
	FileName   string
	LineNumber uint32
}

// UnwindInfo is the compact unwind encoding in effect from StartOffset onward.
type UnwindInfo struct {
	StartOffset uint32
	Encoding    uint32
}
