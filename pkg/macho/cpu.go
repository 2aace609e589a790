package macho

// A Cpu is a Mach-O cpu type.
type Cpu uint32

const (
	cpuArch64   = 0x01000000 // 64 bit ABI
	cpuArch6432 = 0x02000000 // ABI for 64-bit hardware with 32-bit types; LP32
)

const (
	Cpu386     Cpu = 7
	CpuAmd64   Cpu = Cpu386 | cpuArch64
	CpuArm     Cpu = 12
	CpuArm64   Cpu = CpuArm | cpuArch64
	CpuArm6432 Cpu = CpuArm | cpuArch6432
	CpuPpc     Cpu = 18
	CpuPpc64   Cpu = CpuPpc | cpuArch64
)

var cpuStrings = []intName{
	{uint32(Cpu386), "i386"},
	{uint32(CpuAmd64), "x86_64"},
	{uint32(CpuArm), "arm"},
	{uint32(CpuArm64), "arm64"},
	{uint32(CpuArm6432), "arm64_32"},
	{uint32(CpuPpc), "ppc"},
	{uint32(CpuPpc64), "ppc64"},
}

func (i Cpu) String() string   { return stringName(uint32(i), cpuStrings, false) }
func (i Cpu) GoString() string { return stringName(uint32(i), cpuStrings, true) }

// Is64 reports whether the cpu uses 64-bit pointers.
func (i Cpu) Is64() bool { return i&cpuArch64 != 0 }

// CpuByName maps an arch name such as "arm64e" to its cpu type and subtype.
func CpuByName(name string) (Cpu, uint32, bool) {
	switch name {
	case "i386", "x86":
		return Cpu386, CpuSubtypeX86All, true
	case "x86_64", "amd64":
		return CpuAmd64, CpuSubtypeX86_64All, true
	case "x86_64h":
		return CpuAmd64, CpuSubtypeX86_64H, true
	case "armv7":
		return CpuArm, CpuSubtypeArmV7, true
	case "armv7s":
		return CpuArm, CpuSubtypeArmV7S, true
	case "armv7k":
		return CpuArm, CpuSubtypeArmV7K, true
	case "armv6":
		return CpuArm, CpuSubtypeArmV6, true
	case "arm64":
		return CpuArm64, CpuSubtypeArm64All, true
	case "arm64e":
		return CpuArm64, CpuSubtypeArm64E, true
	case "arm64_32":
		return CpuArm6432, CpuSubtypeArm64_32V8, true
	}
	return 0, 0, false
}

// CpuSubtypeMask strips the capability bits (e.g. the arm64e ptrauth ABI version).
const CpuSubtypeMask uint32 = 0x00ffffff

const (
	// X86 subtypes
	CpuSubtypeX86All    uint32 = 3
	CpuSubtypeX86_64All uint32 = 3
	CpuSubtypeX86_64H   uint32 = 8
)

const (
	// ARM subtypes
	CpuSubtypeArmAll  uint32 = 0
	CpuSubtypeArmV6   uint32 = 6
	CpuSubtypeArmV7   uint32 = 9
	CpuSubtypeArmV7S  uint32 = 11
	CpuSubtypeArmV7K  uint32 = 12
	CpuSubtypeArmV7M  uint32 = 15
	CpuSubtypeArmV7Em uint32 = 16
)

const (
	// ARM64 subtypes
	CpuSubtypeArm64All   uint32 = 0
	CpuSubtypeArm64V8    uint32 = 1
	CpuSubtypeArm64E     uint32 = 2
	CpuSubtypeArm64_32V8 uint32 = 1
)
