package macho

import "strings"

// An Nlist32 is a Mach-O 32-bit symbol table entry.
type Nlist32 struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Symbol is a pointer-width independent symbol table entry.
type Symbol struct {
	Name  string
	Type  NType
	Sect  uint8
	Desc  NDesc
	Value uint64
}

// NType is the n_type field.
type NType uint8

const (
	N_STAB NType = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	N_PEXT NType = 0x10 /* private external symbol bit */
	N_TYPE NType = 0x0e /* mask for the type bits */
	N_EXT  NType = 0x01 /* external symbol bit, set for external symbols */
)

/*
 * Values for N_TYPE bits of the n_type field.
 */
const (
	N_UNDF NType = 0x0 /* undefined, n_sect == NO_SECT */
	N_ABS  NType = 0x2 /* absolute, n_sect == NO_SECT */
	N_SECT NType = 0xe /* defined in section number n_sect */
	N_PBUD NType = 0xc /* prebound undefined (defined in a dylib) */
	N_INDR NType = 0xa /* indirect */
)

func (t NType) IsStab() bool            { return t&N_STAB != 0 }
func (t NType) IsExternal() bool        { return t&N_EXT != 0 }
func (t NType) IsPrivateExternal() bool { return t&N_PEXT != 0 }
func (t NType) Kind() NType             { return t & N_TYPE }
func (t NType) IsUndefined() bool       { return t.Kind() == N_UNDF }
func (t NType) IsAbsolute() bool        { return t.Kind() == N_ABS }
func (t NType) IsDefinedInSection() bool {
	return t.Kind() == N_SECT
}

// NDesc is the n_desc field.
type NDesc uint16

// CommAlign is the log2 alignment encoded in a tentative definition.
func (d NDesc) CommAlign() uint8 { return uint8((d >> 8) & 0x0f) }

const (
	REFERENCED_DYNAMICALLY NDesc = 0x0010
	NO_DEAD_STRIP          NDesc = 0x0020 /* symbol is not to be dead stripped */
	WEAK_REF               NDesc = 0x0040 /* symbol is weak referenced */
	WEAK_DEF               NDesc = 0x0080 /* coalesed symbol is a weak definition */
	ARM_THUMB_DEF          NDesc = 0x0008 /* symbol is a Thumb function (ARM) */
	SYMBOL_RESOLVER        NDesc = 0x0100
	ALT_ENTRY              NDesc = 0x0200
	COLD_FUNC              NDesc = 0x0400
)

func (d NDesc) Has(f NDesc) bool { return d&f != 0 }

// Stab types.
const (
	N_GSYM    NType = 0x20 /* global symbol: name,,NO_SECT,type,0 */
	N_FNAME   NType = 0x22 /* procedure name (f77 kludge): name,,NO_SECT,0,0 */
	N_FUN     NType = 0x24 /* procedure: name,,n_sect,linenumber,address */
	N_STSYM   NType = 0x26 /* static symbol: name,,n_sect,type,address */
	N_LCSYM   NType = 0x28 /* .lcomm symbol: name,,n_sect,type,address */
	N_BNSYM   NType = 0x2e /* begin nsect sym: 0,,n_sect,0,address */
	N_AST     NType = 0x32 /* AST file path: name,,NO_SECT,0,0 */
	N_OPT     NType = 0x3c /* emitted with gcc2_compiled and in gcc source */
	N_RSYM    NType = 0x40 /* register sym: name,,NO_SECT,type,register */
	N_SLINE   NType = 0x44 /* src line: 0,,n_sect,linenumber,address */
	N_ENSYM   NType = 0x4e /* end nsect sym: 0,,n_sect,0,address */
	N_SSYM    NType = 0x60 /* structure elt: name,,NO_SECT,type,struct_offset */
	N_SO      NType = 0x64 /* source file name: name,,n_sect,0,address */
	N_OSO     NType = 0x66 /* object file name: name,,0,0,st_mtime */
	N_LSYM    NType = 0x80 /* local sym: name,,NO_SECT,type,offset */
	N_BINCL   NType = 0x82 /* include file beginning: name,,NO_SECT,0,sum */
	N_SOL     NType = 0x84 /* #included file name: name,,n_sect,0,address */
	N_PARAMS  NType = 0x86 /* compiler parameters: name,,NO_SECT,0,0 */
	N_VERSION NType = 0x88 /* compiler version: name,,NO_SECT,0,0 */
	N_OLEVEL  NType = 0x8A /* compiler -O level: name,,NO_SECT,0,0 */
	N_PSYM    NType = 0xa0 /* parameter: name,,NO_SECT,type,offset */
	N_EINCL   NType = 0xa2 /* include file end: name,,NO_SECT,0,0 */
	N_ENTRY   NType = 0xa4 /* alternate entry: name,,n_sect,linenumber,address */
	N_LBRAC   NType = 0xc0 /* left bracket: 0,,NO_SECT,nesting level,address */
	N_EXCL    NType = 0xc2 /* deleted include file: name,,NO_SECT,0,sum */
	N_RBRAC   NType = 0xe0 /* right bracket: 0,,NO_SECT,nesting level,address */
	N_BCOMM   NType = 0xe2 /* begin common: name,,NO_SECT,0,0 */
	N_ECOMM   NType = 0xe4 /* end common: name,,n_sect,0,0 */
	N_ECOML   NType = 0xe8 /* end common (local name): 0,,n_sect,0,address */
	N_LENG    NType = 0xfe /* second stab entry with length information */
)

var stabStrings = []intName{
	{uint32(N_GSYM), "GSYM"},
	{uint32(N_FNAME), "FNAME"},
	{uint32(N_FUN), "FUN"},
	{uint32(N_STSYM), "STSYM"},
	{uint32(N_LCSYM), "LCSYM"},
	{uint32(N_BNSYM), "BNSYM"},
	{uint32(N_AST), "AST"},
	{uint32(N_OPT), "OPT"},
	{uint32(N_RSYM), "RSYM"},
	{uint32(N_SLINE), "SLINE"},
	{uint32(N_ENSYM), "ENSYM"},
	{uint32(N_SSYM), "SSYM"},
	{uint32(N_SO), "SO"},
	{uint32(N_OSO), "OSO"},
	{uint32(N_LSYM), "LSYM"},
	{uint32(N_BINCL), "BINCL"},
	{uint32(N_SOL), "SOL"},
	{uint32(N_PARAMS), "PARAMS"},
	{uint32(N_VERSION), "VERSION"},
	{uint32(N_OLEVEL), "OLEVEL"},
	{uint32(N_PSYM), "PSYM"},
	{uint32(N_EINCL), "EINCL"},
	{uint32(N_ENTRY), "ENTRY"},
	{uint32(N_LBRAC), "LBRAC"},
	{uint32(N_EXCL), "EXCL"},
	{uint32(N_RBRAC), "RBRAC"},
	{uint32(N_BCOMM), "BCOMM"},
	{uint32(N_ECOMM), "ECOMM"},
	{uint32(N_ECOML), "ECOML"},
	{uint32(N_LENG), "LENG"},
}

// StabString names a stab n_type.
func StabString(t NType) string { return stringName(uint32(t), stabStrings, false) }

func (s Symbol) IsStab() bool { return s.Type.IsStab() }

// IsTentative reports a common symbol: undefined, external, with a size in n_value.
func (s Symbol) IsTentative() bool {
	return !s.Type.IsStab() && s.Type.IsUndefined() && s.Type.IsExternal() && s.Value != 0
}

// IsLocalLabel reports assembler temporaries that never start atoms.
func (s Symbol) IsLocalLabel() bool { return strings.HasPrefix(s.Name, "L") }

// Indirect symbol table sentinels.
const (
	INDIRECT_SYMBOL_LOCAL uint32 = 0x80000000
	INDIRECT_SYMBOL_ABS   uint32 = 0x40000000
)
