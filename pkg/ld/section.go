package ld

import (
	"strings"

	"github.com/blacktop/machobj/pkg/macho"
)

// Shape selects how a section is cut into atoms.
type Shape uint8

const (
	ShapeSymboled Shape = iota
	ShapeCString
	ShapeUTF16String
	ShapeLiteral4
	ShapeLiteral8
	ShapeLiteral16
	ShapePointerToCString
	ShapeCFString
	ShapeObjCClassRefs
	ShapeObjCCategoryList
	ShapeNonLazyPointer
	ShapeTLVPointer
	ShapeInitializerPointers
	ShapeTerminatorPointers
	ShapeCFI
	ShapeCompactUnwind
	ShapeTentativeDefs
	ShapeAbsoluteSymbols
	ShapeDebug
	ShapeBitcode
	ShapeObjCImageInfo
	ShapeIgnored
)

var shapeNames = [...]string{
	"symboled", "cstring", "utf16-string", "literal4", "literal8", "literal16",
	"pointer-to-cstring", "cfstring", "objc-class-refs", "objc-category-list",
	"non-lazy-pointer", "tlv-pointer", "initializer-pointers", "terminator-pointers",
	"cfi", "compact-unwind", "tentative-defs", "absolute-symbols", "debug", "bitcode",
	"objc-image-info", "ignored",
}

func (s Shape) String() string { return shapeNames[s] }

// makesAtoms is false for sections consumed as metadata.
func (s Shape) makesAtoms() bool {
	switch s {
	case ShapeCompactUnwind, ShapeDebug, ShapeBitcode, ShapeObjCImageInfo, ShapeIgnored:
		return false
	}
	return true
}

// fixedElements reports shapes whose atoms are equally sized slots.
func (s Shape) fixedElements() bool {
	switch s {
	case ShapeLiteral4, ShapeLiteral8, ShapeLiteral16, ShapePointerToCString, ShapeCFString,
		ShapeObjCClassRefs, ShapeObjCCategoryList, ShapeNonLazyPointer, ShapeTLVPointer,
		ShapeInitializerPointers, ShapeTerminatorPointers:
		return true
	}
	return false
}

func (s Shape) elementSize(ptrSize int) uint64 {
	switch s {
	case ShapeLiteral4:
		return 4
	case ShapeLiteral8:
		return 8
	case ShapeLiteral16:
		return 16
	case ShapeCFString:
		return uint64(4 * ptrSize)
	}
	return uint64(ptrSize)
}

// combine is the policy for atoms the shape creates; symboled sections defer to the symbol.
func (s Shape) combine() Combine {
	switch s {
	case ShapeCString, ShapeUTF16String, ShapeLiteral4, ShapeLiteral8, ShapeLiteral16:
		return CombineByNameAndContent
	case ShapePointerToCString, ShapeCFString, ShapeObjCClassRefs, ShapeNonLazyPointer, ShapeTLVPointer:
		return CombineByNameAndReferences
	}
	return CombineNever
}

// Section is a classified view of an on-disk section, or a synthetic one.
type Section struct {
	// Mach is nil for the tentative and absolute synthetic sections.
	Mach *macho.Section

	SegmentName string
	SectionName string
	Address     uint64
	Size        uint64
	Alignment   uint8

	Shape       Shape
	ContentType ContentType

	file  *ObjectFile
	atoms span
}

// Atoms returns the section's slice of ObjectFile.Atoms.
func (s *Section) Atoms() []Atom {
	return s.file.Atoms[s.atoms.start : s.atoms.start+s.atoms.count]
}

// IsCode reports whether the section holds instructions.
func (s *Section) IsCode() bool {
	return s.Mach != nil && s.Mach.Flags.IsCode()
}

// Synthetic reports sections that do not exist on disk.
func (s *Section) Synthetic() bool { return s.Mach == nil }

// Combine is the default combine policy for atoms in the section.
func (s *Section) Combine() Combine { return s.Shape.combine() }

func (s *Section) String() string { return s.SegmentName + "," + s.SectionName }

func (s *Section) contains(addr uint64) bool {
	return addr >= s.Address && addr < s.Address+s.Size
}

var bitcodeSections = map[string]bool{
	"__bitcode": true, "__cmdline": true, "__swift_cmdline": true, "__bundle": true, "__asm": true,
}

// sectionRule matches on segment, section name and type; empty strings and
// anyType are wildcards. The first matching rule wins.
type sectionRule struct {
	seg, sect string
	typ       macho.SectionFlag
	anyType   bool
	when      func(s *macho.Section, o *Options) bool
	shape     Shape
	content   ContentType
}

func isObjCSeg(s *macho.Section, _ *Options) bool { return s.Seg == "__OBJC" }

var sectionRules = []sectionRule{
	{seg: "__TEXT", sect: "__eh_frame", anyType: true, shape: ShapeCFI, content: ContentCFI},
	{seg: "__LD", sect: "__compact_unwind", anyType: true, shape: ShapeCompactUnwind},
	{seg: "__DWARF", anyType: true, shape: ShapeDebug},
	{anyType: true, when: func(s *macho.Section, _ *Options) bool { return s.Flags.IsDebug() }, shape: ShapeDebug},
	{seg: "__LLVM", anyType: true, when: func(s *macho.Section, o *Options) bool {
		return bitcodeSections[s.Name] && !o.TreatBitcodeAsData
	}, shape: ShapeBitcode},
	{sect: "__objc_imageinfo", anyType: true, shape: ShapeObjCImageInfo},
	{seg: "__OBJC", sect: "__image_info", anyType: true, shape: ShapeObjCImageInfo},
	{seg: "__OBJC", anyType: true, when: func(s *macho.Section, o *Options) bool {
		return isObjCSeg(s, o) && s.Size == 0
	}, shape: ShapeIgnored},
	{sect: "__cfstring", anyType: true, shape: ShapeCFString, content: ContentCFString},
	{sect: "__objc_classrefs", anyType: true, shape: ShapeObjCClassRefs, content: ContentObjCClassRefs},
	{sect: "__objc_catlist", anyType: true, shape: ShapeObjCCategoryList, content: ContentObjCCategoryList},
	{seg: "__TEXT", sect: "__ustring", anyType: true, shape: ShapeUTF16String, content: ContentUTF16String},
	{sect: "__gcc_except_tab", anyType: true, shape: ShapeSymboled, content: ContentLSDA},

	{typ: macho.S_CSTRING_LITERALS, shape: ShapeCString, content: ContentCString},
	{typ: macho.S_4BYTE_LITERALS, shape: ShapeLiteral4, content: ContentLiteral4},
	{typ: macho.S_8BYTE_LITERALS, shape: ShapeLiteral8, content: ContentLiteral8},
	{typ: macho.S_16BYTE_LITERALS, shape: ShapeLiteral16, content: ContentLiteral16},
	{typ: macho.S_LITERAL_POINTERS, shape: ShapePointerToCString, content: ContentCStringPointer},
	{typ: macho.S_NON_LAZY_SYMBOL_POINTERS, shape: ShapeNonLazyPointer, content: ContentNonLazyPointer},
	{typ: macho.S_THREAD_LOCAL_VARIABLE_POINTERS, shape: ShapeTLVPointer, content: ContentTLVPointer},
	{typ: macho.S_MOD_INIT_FUNC_POINTERS, shape: ShapeInitializerPointers, content: ContentInitializerPointers},
	{typ: macho.S_MOD_TERM_FUNC_POINTERS, shape: ShapeTerminatorPointers, content: ContentTerminatorPointers},
	{typ: macho.S_THREAD_LOCAL_INIT_FUNCTION_POINTERS, shape: ShapeInitializerPointers, content: ContentTLVInitializerPointers},
	{typ: macho.S_SYMBOL_STUBS, shape: ShapeIgnored},
	{typ: macho.S_LAZY_SYMBOL_POINTERS, shape: ShapeIgnored},
	{typ: macho.S_LAZY_DYLIB_SYMBOL_POINTERS, shape: ShapeIgnored},
	{typ: macho.S_DTRACE_DOF, shape: ShapeIgnored},
	{typ: macho.S_ZEROFILL, shape: ShapeSymboled, content: ContentZeroFill},
	{typ: macho.S_GB_ZEROFILL, shape: ShapeSymboled, content: ContentZeroFill},
	{typ: macho.S_THREAD_LOCAL_REGULAR, shape: ShapeSymboled, content: ContentTLV},
	{typ: macho.S_THREAD_LOCAL_ZEROFILL, shape: ShapeSymboled, content: ContentTLVZeroFill},
	{typ: macho.S_THREAD_LOCAL_VARIABLES, shape: ShapeSymboled, content: ContentTLVDefs},
	{typ: macho.S_INTERPOSING, shape: ShapeSymboled, content: ContentInterposing},
	{typ: macho.S_REGULAR, shape: ShapeSymboled},
	{typ: macho.S_COALESCED, shape: ShapeSymboled},
}

func (r *sectionRule) match(s *macho.Section, o *Options) bool {
	if r.seg != "" && r.seg != s.Seg {
		return false
	}
	if r.sect != "" && r.sect != s.Name {
		return false
	}
	if !r.anyType && r.typ != s.Flags.Type() {
		return false
	}
	return r.when == nil || r.when(s, o)
}

// classifySection picks the shape of an on-disk section.
func classifySection(s *macho.Section, o *Options) (Shape, ContentType, error) {
	for i := range sectionRules {
		r := &sectionRules[i]
		if !r.match(s, o) {
			continue
		}
		content := r.content
		if r.shape == ShapeSymboled && content == ContentUnclassified && s.Flags.IsCode() {
			content = ContentCode
		}
		return r.shape, content, nil
	}
	return 0, 0, formatErrorf("unknown section type %#x for section %s", uint32(s.Flags.Type()), s)
}

// isObjCCategoryList matches both the modern and legacy category list sections.
func isObjCCategoryList(seg, sect string) bool {
	return sect == "__objc_catlist" || (seg == "__OBJC" && sect == "__category")
}

func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
