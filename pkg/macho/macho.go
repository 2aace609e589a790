// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Mach-O relocatable object data structures
// Archived copy of the original reference:
// https://web.archive.org/web/20090819232456/http://developer.apple.com/documentation/DeveloperTools/Conceptual/MachORuntime/index.html
// For cloned PDF see:
// https://github.com/aidansteele/osx-abi-macho-file-format-reference

package macho

import (
	"fmt"
	"strconv"

	"github.com/blacktop/go-macho/types"
)

// A FileHeader represents a Mach-O file header.
type FileHeader struct {
	Magic  uint32
	Cpu    Cpu
	SubCpu uint32
	Type   uint32
	Ncmd   uint32
	Cmdsz  uint32
	Flags  HeaderFlag
}

const (
	fileHeaderSize32 = 7 * 4
	fileHeaderSize64 = 8 * 4
)

const (
	Magic32  uint32 = 0xfeedface
	Magic64  uint32 = 0xfeedfacf
	MagicFat uint32 = 0xcafebabe

	cigam32 uint32 = 0xcefaedfe
	cigam64 uint32 = 0xcffaedfe
)

// TypeObject is the MH_OBJECT file type.
var TypeObject = uint32(types.MH_OBJECT)

// IsObject reports whether the header describes a relocatable object.
func (h FileHeader) IsObject() bool { return h.Type == TypeObject }

func (h FileHeader) String() string {
	return fmt.Sprintf("magic=%#x cpu=%s subcpu=%#x type=%d ncmds=%d sizeofcmds=%d flags=%s",
		h.Magic, h.Cpu, h.SubCpu, h.Type, h.Ncmd, h.Cmdsz, h.Flags)
}

// HeaderFlag is the mach_header flags field.
type HeaderFlag uint32

const (
	FlagNoUndefs              HeaderFlag = 0x1
	FlagIncrLink              HeaderFlag = 0x2
	FlagSubsectionsViaSymbols HeaderFlag = 0x2000
	FlagHasTLVDescriptors     HeaderFlag = 0x800000
)

var headerFlagStrings = []intName{
	{uint32(FlagNoUndefs), "NoUndefs"},
	{uint32(FlagIncrLink), "IncrLink"},
	{uint32(FlagSubsectionsViaSymbols), "SubsectionsViaSymbols"},
	{uint32(FlagHasTLVDescriptors), "HasTLVDescriptors"},
}

func (f HeaderFlag) SubsectionsViaSymbols() bool { return f&FlagSubsectionsViaSymbols != 0 }

func (f HeaderFlag) String() string {
	var s string
	for _, n := range headerFlagStrings {
		if uint32(f)&n.i != 0 {
			if s != "" {
				s += "|"
			}
			s += n.s
		}
	}
	if s == "" {
		return "0"
	}
	return s
}

type (
	// A Segment32 is a 32-bit Mach-O segment load command.
	Segment32 struct {
		Cmd     LoadCmd
		Len     uint32
		Name    [16]byte
		Addr    uint32
		Memsz   uint32
		Offset  uint32
		Filesz  uint32
		Maxprot uint32
		Prot    uint32
		Nsect   uint32
		Flag    uint32
	}

	// A Segment64 is a 64-bit Mach-O segment load command.
	Segment64 struct {
		Cmd     LoadCmd
		Len     uint32
		Name    [16]byte
		Addr    uint64
		Memsz   uint64
		Offset  uint64
		Filesz  uint64
		Maxprot uint32
		Prot    uint32
		Nsect   uint32
		Flag    uint32
	}

	// A SymtabCmd is a Mach-O symbol table command.
	SymtabCmd struct {
		Cmd     LoadCmd
		Len     uint32
		Symoff  uint32
		Nsyms   uint32
		Stroff  uint32
		Strsize uint32
	}

	// A DysymtabCmd is a Mach-O dynamic symbol table command.
	DysymtabCmd struct {
		Cmd            LoadCmd
		Len            uint32
		Ilocalsym      uint32
		Nlocalsym      uint32
		Iextdefsym     uint32
		Nextdefsym     uint32
		Iundefsym      uint32
		Nundefsym      uint32
		Tocoffset      uint32
		Ntoc           uint32
		Modtaboff      uint32
		Nmodtab        uint32
		Extrefsymoff   uint32
		Nextrefsyms    uint32
		Indirectsymoff uint32
		Nindirectsyms  uint32
		Extreloff      uint32
		Nextrel        uint32
		Locreloff      uint32
		Nlocrel        uint32
	}

	// BuildVersionCmd is LC_BUILD_VERSION without its trailing tool list.
	BuildVersionCmd struct {
		Cmd      LoadCmd
		Len      uint32
		Platform uint32
		Minos    uint32
		Sdk      uint32
		Ntools   uint32
	}

	// VersionMinCmd is one of the LC_VERSION_MIN_* commands.
	VersionMinCmd struct {
		Cmd     LoadCmd
		Len     uint32
		Version uint32
		Sdk     uint32
	}

	// LinkEditDataCmd points at a blob in the file (data-in-code, LOH).
	LinkEditDataCmd struct {
		Cmd      LoadCmd
		Len      uint32
		Dataoff  uint32
		Datasize uint32
	}
)

// A Section32 is a 32-bit Mach-O section header.
type Section32 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint32
	Size     uint32
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

const (
	section32Size = 68
	section64Size = 80
	segment32Size = 56
	segment64Size = 72
	nlist32Size   = 12
	nlist64Size   = 16
	relocSize     = 8
)

// BuildVersion is a platform and minimum OS pair declared by the object.
type BuildVersion struct {
	Platform types.Platform
	Minos    types.Version
	Sdk      types.Version
}

func (b BuildVersion) String() string {
	return fmt.Sprintf("%s %s (sdk %s)", b.Platform, b.Minos, b.Sdk)
}

// DataInCodeEntry is one LC_DATA_IN_CODE record; Offset is a file offset.
type DataInCodeEntry struct {
	Offset uint32
	Length uint16
	Kind   DiceKind
}

type DiceKind uint16

const (
	DiceKindData           DiceKind = 0x0001
	DiceKindJumpTable8     DiceKind = 0x0002
	DiceKindJumpTable16    DiceKind = 0x0003
	DiceKindJumpTable32    DiceKind = 0x0004
	DiceKindAbsJumpTable32 DiceKind = 0x0005
)

var diceKindStrings = []intName{
	{uint32(DiceKindData), "Data"},
	{uint32(DiceKindJumpTable8), "JumpTable8"},
	{uint32(DiceKindJumpTable16), "JumpTable16"},
	{uint32(DiceKindJumpTable32), "JumpTable32"},
	{uint32(DiceKindAbsJumpTable32), "AbsJumpTable32"},
}

func (k DiceKind) String() string { return stringName(uint32(k), diceKindStrings, false) }

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	Off int64
	Msg string
	Val any
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.Off)
	return msg
}

type intName struct {
	i uint32
	s string
}

func stringName(i uint32, names []intName, goSyntax bool) string {
	for _, n := range names {
		if n.i == i {
			if goSyntax {
				return "macho." + n.s
			}
			return n.s
		}
	}
	return strconv.FormatUint(uint64(i), 10)
}

func cstring(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
