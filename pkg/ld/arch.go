package ld

import (
	"encoding/binary"

	"github.com/blacktop/machobj/pkg/macho"
)

// relocFunc translates the relocation at relocs[i] and reports how many
// records it consumed (2 for pairs).
type relocFunc func(p *parser, s *Section, relocs []macho.Reloc, i int) (int, error)

// ehRelocKind classifies relocations found inside __eh_frame.
type ehRelocKind int

const (
	ehRelocOther ehRelocKind = iota
	ehRelocUnsigned
	ehRelocSubtractor
	ehRelocGOT
)

// Arch is the per-architecture capability set the generic parser is driven by.
type Arch struct {
	Name        string
	Cpu         macho.Cpu
	PointerSize int
	ByteOrder   binary.ByteOrder

	// Scattered is set for the legacy 32-bit relocation formats.
	Scattered bool

	// compact unwind: encoding&UnwindModeMask == UnwindModeDwarf means "use the FDE"
	UnwindModeMask  uint32
	UnwindModeDwarf uint32

	// ReturnAddressReg is the DWARF register every CIE names as return address.
	ReturnAddressReg uint64

	translate relocFunc
	// ehReloc is nil when __eh_frame is already resolved by the assembler.
	ehReloc func(r macho.Reloc) ehRelocKind

	dtraceCallSite, dtraceIsEnabled StoreKind
}

var (
	ArchX86_64 = &Arch{
		Name: "x86_64", Cpu: macho.CpuAmd64, PointerSize: 8, ByteOrder: binary.LittleEndian,
		UnwindModeMask: 0x0F000000, UnwindModeDwarf: 0x04000000,
		ReturnAddressReg: 16,
		translate:        x86_64Reloc, ehReloc: x86_64EHReloc,
		dtraceCallSite: StoreX86DtraceCallSiteNop, dtraceIsEnabled: StoreX86DtraceIsEnableSiteClear,
	}
	ArchX86 = &Arch{
		Name: "i386", Cpu: macho.Cpu386, PointerSize: 4, ByteOrder: binary.LittleEndian, Scattered: true,
		UnwindModeMask: 0x0F000000, UnwindModeDwarf: 0x04000000,
		ReturnAddressReg: 8,
		translate:        x86Reloc,
		dtraceCallSite:   StoreX86DtraceCallSiteNop, dtraceIsEnabled: StoreX86DtraceIsEnableSiteClear,
	}
	ArchArm = &Arch{
		Name: "arm", Cpu: macho.CpuArm, PointerSize: 4, ByteOrder: binary.LittleEndian, Scattered: true,
		UnwindModeMask: 0x0F000000, UnwindModeDwarf: 0x04000000,
		ReturnAddressReg: 14,
		translate:        armReloc,
		dtraceCallSite:   StoreARMDtraceCallSiteNop, dtraceIsEnabled: StoreARMDtraceIsEnableSiteClear,
	}
	ArchArm64 = &Arch{
		Name: "arm64", Cpu: macho.CpuArm64, PointerSize: 8, ByteOrder: binary.LittleEndian,
		UnwindModeMask: 0x0F000000, UnwindModeDwarf: 0x03000000,
		ReturnAddressReg: 30,
		translate:        arm64Reloc, ehReloc: arm64EHReloc,
		dtraceCallSite: StoreARM64DtraceCallSiteNop, dtraceIsEnabled: StoreARM64DtraceIsEnableSiteClear,
	}
	ArchArm64_32 = &Arch{
		Name: "arm64_32", Cpu: macho.CpuArm6432, PointerSize: 4, ByteOrder: binary.LittleEndian,
		UnwindModeMask: 0x0F000000, UnwindModeDwarf: 0x03000000,
		ReturnAddressReg: 30,
		translate:        arm64Reloc, ehReloc: arm64EHReloc,
		dtraceCallSite: StoreARM64DtraceCallSiteNop, dtraceIsEnabled: StoreARM64DtraceIsEnableSiteClear,
	}
)

var archs = []*Arch{ArchX86_64, ArchX86, ArchArm, ArchArm64, ArchArm64_32}

// ArchForCpu returns the capability set for cpu or nil.
func ArchForCpu(cpu macho.Cpu) *Arch {
	for _, a := range archs {
		if a.Cpu == cpu {
			return a
		}
	}
	return nil
}

func (a *Arch) String() string { return a.Name }

// RequiresDwarf reports whether a compact unwind encoding defers to the FDE.
func (a *Arch) RequiresDwarf(encoding uint32) bool {
	return encoding&a.UnwindModeMask == a.UnwindModeDwarf
}

func (a *Arch) is64() bool { return a.PointerSize == 8 }

func (a *Arch) pointerStore() StoreKind {
	if a.is64() {
		return StoreLE64
	}
	return StoreLE32
}
