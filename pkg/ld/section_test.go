package ld

import (
	"testing"

	"github.com/blacktop/machobj/pkg/macho"
)

func TestClassifySection(t *testing.T) {
	tests := []struct {
		seg, name   string
		flags       macho.SectionFlag
		size        uint64
		bitcodeData bool
		shape       Shape
		content     ContentType
	}{
		{seg: "__TEXT", name: "__text", flags: 0x80000400, shape: ShapeSymboled, content: ContentCode},
		{seg: "__DATA", name: "__data", shape: ShapeSymboled},
		{seg: "__DATA", name: "__bss", flags: macho.S_ZEROFILL, shape: ShapeSymboled, content: ContentZeroFill},
		{seg: "__TEXT", name: "__cstring", flags: macho.S_CSTRING_LITERALS, shape: ShapeCString, content: ContentCString},
		{seg: "__TEXT", name: "__literal8", flags: macho.S_8BYTE_LITERALS, shape: ShapeLiteral8, content: ContentLiteral8},
		{seg: "__TEXT", name: "__ustring", shape: ShapeUTF16String, content: ContentUTF16String},
		{seg: "__TEXT", name: "__eh_frame", flags: 0x6800000b, shape: ShapeCFI, content: ContentCFI},
		{seg: "__LD", name: "__compact_unwind", flags: 0x02000000, shape: ShapeCompactUnwind},
		{seg: "__DWARF", name: "__debug_info", flags: 0x02000000, shape: ShapeDebug},
		{seg: "__LLVM", name: "__bitcode", shape: ShapeBitcode},
		{seg: "__LLVM", name: "__bitcode", bitcodeData: true, shape: ShapeSymboled},
		{seg: "__DATA", name: "__cfstring", shape: ShapeCFString, content: ContentCFString},
		{seg: "__DATA", name: "__objc_imageinfo", shape: ShapeObjCImageInfo},
		{seg: "__OBJC", name: "__module_info", shape: ShapeIgnored},
		{seg: "__DATA", name: "__nl_symbol_ptr", flags: macho.S_NON_LAZY_SYMBOL_POINTERS, size: 8, shape: ShapeNonLazyPointer, content: ContentNonLazyPointer},
		{seg: "__DATA", name: "__la_symbol_ptr", flags: macho.S_LAZY_SYMBOL_POINTERS, shape: ShapeIgnored},
		{seg: "__DATA", name: "__mod_init_func", flags: macho.S_MOD_INIT_FUNC_POINTERS, shape: ShapeInitializerPointers, content: ContentInitializerPointers},
		{seg: "__DATA", name: "__thread_vars", flags: macho.S_THREAD_LOCAL_VARIABLES, shape: ShapeSymboled, content: ContentTLVDefs},
	}
	for _, tt := range tests {
		t.Run(tt.seg+","+tt.name, func(t *testing.T) {
			s := &macho.Section{Seg: tt.seg, Name: tt.name, Flags: tt.flags, Size: tt.size}
			shape, content, err := classifySection(s, &Options{TreatBitcodeAsData: tt.bitcodeData})
			if err != nil {
				t.Fatalf("classifySection() error = %v", err)
			}
			if shape != tt.shape || content != tt.content {
				t.Errorf("Expected %s/%s, got %s/%s", tt.shape, tt.content, shape, content)
			}
		})
	}

	if _, _, err := classifySection(&macho.Section{Seg: "__DATA", Name: "__x", Flags: 0x1f}, &Options{}); !IsFormatError(err) {
		t.Errorf("Expected format error for unknown section type, got %v", err)
	}
}

func TestReadLEB128(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		u      uint64
		s      int64
		n      int
		failed bool
	}{
		{name: "small", in: []byte{0x02}, u: 2, s: 2, n: 1},
		{name: "multi byte", in: []byte{0xe5, 0x8e, 0x26}, u: 624485, s: 624485, n: 3},
		{name: "negative", in: []byte{0x7f}, u: 127, s: -1, n: 1},
		{name: "negative multi byte", in: []byte{0x80, 0x7f}, u: 16256, s: -128, n: 2},
		{name: "truncated", in: []byte{0x80}, failed: true},
		{name: "empty", failed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, n, err := readULEB128(tt.in)
			if (err != nil) != tt.failed {
				t.Fatalf("readULEB128() error = %v", err)
			}
			if tt.failed {
				return
			}
			if u != tt.u || n != tt.n {
				t.Errorf("readULEB128() = %d, %d, want %d, %d", u, n, tt.u, tt.n)
			}
			s, n, err := readSLEB128(tt.in)
			if err != nil || s != tt.s || n != tt.n {
				t.Errorf("readSLEB128() = %d, %d, %v, want %d, %d", s, n, err, tt.s, tt.n)
			}
		})
	}
}
