// Package machotest synthesizes small MH_OBJECT files for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
)

const (
	CpuX86     uint32 = 7
	CpuX86_64  uint32 = 7 | 0x01000000
	CpuArm     uint32 = 12
	CpuArm64   uint32 = 12 | 0x01000000
	CpuArm6432 uint32 = 12 | 0x02000000

	SubsectionsViaSymbols uint32 = 0x2000
)

// Sect describes one section to emit.
type Sect struct {
	Seg, Name string
	Align     uint32
	Flags     uint32
	Data      []byte
	// ZeroSize is the size of a zero-fill section (Data must be nil).
	ZeroSize  uint64
	Reserved1 uint32
	Reserved2 uint32
	Relocs    []Reloc

	addr uint64
}

// Reloc is a raw relocation record.
type Reloc struct{ W0, W1 uint32 }

// Plain encodes a relocation_info.
func Plain(addr uint32, symnum uint32, pcrel bool, length uint8, extern bool, typ uint8) Reloc {
	w1 := symnum&0xffffff | uint32(length&3)<<25 | uint32(typ&0xf)<<28
	if pcrel {
		w1 |= 1 << 24
	}
	if extern {
		w1 |= 1 << 27
	}
	return Reloc{addr, w1}
}

// Scattered encodes a scattered_relocation_info.
func Scattered(addr uint32, typ uint8, length uint8, pcrel bool, value uint32) Reloc {
	w0 := 0x80000000 | addr&0xffffff | uint32(typ&0xf)<<24 | uint32(length&3)<<28
	if pcrel {
		w0 |= 1 << 30
	}
	return Reloc{w0, value}
}

// Sym is one nlist entry.
type Sym struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Dice is a data-in-code range relative to a section.
type Dice struct {
	Sect   int
	Offset uint32
	Length uint16
	Kind   uint16
}

// Builder accumulates sections and symbols and lays out a complete object.
type Builder struct {
	Cpu    uint32
	SubCpu uint32
	Is64   bool
	Flags  uint32

	Platform, Minos, Sdk uint32

	sects    []*Sect
	syms     []Sym
	indirect []uint32
	dice     []Dice
	loh      []byte
	opts     [][]string
	nextAddr uint64
}

// New returns a builder for the cpu with subsections-via-symbols set.
func New(cpu uint32) *Builder {
	return &Builder{Cpu: cpu, Is64: cpu&0x01000000 != 0, Flags: SubsectionsViaSymbols}
}

// AddSection appends s and returns its 1-based ordinal and assigned address.
func (b *Builder) AddSection(s Sect) (int, uint64) {
	a := uint64(1) << s.Align
	b.nextAddr = (b.nextAddr + a - 1) &^ (a - 1)
	s.addr = b.nextAddr
	b.nextAddr += s.size()
	b.sects = append(b.sects, &s)
	return len(b.sects), s.addr
}

// AddReloc appends a relocation to section n (1-based).
func (b *Builder) AddReloc(n int, r Reloc) { b.sects[n-1].Relocs = append(b.sects[n-1].Relocs, r) }

// AddSymbol appends s and returns its symbol-table index.
func (b *Builder) AddSymbol(s Sym) uint32 {
	b.syms = append(b.syms, s)
	return uint32(len(b.syms) - 1)
}

func (b *Builder) AddIndirect(idx ...uint32)        { b.indirect = append(b.indirect, idx...) }
func (b *Builder) AddDataInCode(d Dice)             { b.dice = append(b.dice, d) }
func (b *Builder) SetOptimizationHints(blob []byte) { b.loh = blob }
func (b *Builder) AddLinkerOption(opts ...string)   { b.opts = append(b.opts, opts) }

func (s *Sect) size() uint64 {
	if s.Data == nil {
		return s.ZeroSize
	}
	return uint64(len(s.Data))
}

func isZeroFill(flags uint32) bool {
	t := flags & 0xff
	return t == 0x1 || t == 0xc || t == 0x12
}

func pad(buf *bytes.Buffer, n int) {
	for buf.Len()%n != 0 {
		buf.WriteByte(0)
	}
}

func name16(s string) []byte {
	var b [16]byte
	copy(b[:], s)
	return b[:]
}

// Build serializes the object.
func (b *Builder) Build() []byte {
	le := binary.LittleEndian
	hdrSize, segSize, shSize, cmdAlign := 28, 56, 68, 4
	if b.Is64 {
		hdrSize, segSize, shSize, cmdAlign = 32, 72, 80, 8
	}

	// command sizes
	segCmd := segSize + shSize*len(b.sects)
	cmds := []int{segCmd, 24, 80}
	if b.Platform != 0 {
		cmds = append(cmds, 24)
	}
	if len(b.dice) > 0 {
		cmds = append(cmds, 16)
	}
	if b.loh != nil {
		cmds = append(cmds, 16)
	}
	optSizes := make([]int, len(b.opts))
	for i, o := range b.opts {
		n := 12
		for _, s := range o {
			n += len(s) + 1
		}
		n = (n + cmdAlign - 1) &^ (cmdAlign - 1)
		optSizes[i] = n
		cmds = append(cmds, n)
	}
	sizeofcmds := 0
	for _, c := range cmds {
		sizeofcmds += c
	}

	// payload layout
	var body bytes.Buffer
	base := hdrSize + sizeofcmds
	sectOff := make([]uint32, len(b.sects))
	for i, s := range b.sects {
		if isZeroFill(s.Flags) || len(s.Data) == 0 {
			continue
		}
		for (base+body.Len())%(1<<min(s.Align, 4)) != 0 {
			body.WriteByte(0)
		}
		sectOff[i] = uint32(base + body.Len())
		body.Write(s.Data)
	}
	pad(&body, 8)
	relOff := make([]uint32, len(b.sects))
	for i, s := range b.sects {
		if len(s.Relocs) == 0 {
			continue
		}
		relOff[i] = uint32(base + body.Len())
		for _, r := range s.Relocs {
			binary.Write(&body, le, r.W0)
			binary.Write(&body, le, r.W1)
		}
	}
	indOff := uint32(base + body.Len())
	for _, x := range b.indirect {
		binary.Write(&body, le, x)
	}
	pad(&body, 8)
	diceOff := uint32(base + body.Len())
	for _, d := range b.dice {
		binary.Write(&body, le, sectOff[d.Sect-1]+d.Offset)
		binary.Write(&body, le, d.Length)
		binary.Write(&body, le, d.Kind)
	}
	lohOff := uint32(base + body.Len())
	body.Write(b.loh)
	pad(&body, 8)

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symOff := uint32(base + body.Len())
	for _, s := range b.syms {
		strx := uint32(0)
		if s.Name != "" {
			strx = uint32(strtab.Len())
			strtab.WriteString(s.Name)
			strtab.WriteByte(0)
		}
		binary.Write(&body, le, strx)
		body.WriteByte(s.Type)
		body.WriteByte(s.Sect)
		binary.Write(&body, le, s.Desc)
		if b.Is64 {
			binary.Write(&body, le, s.Value)
		} else {
			binary.Write(&body, le, uint32(s.Value))
		}
	}
	strOff := uint32(base + body.Len())
	body.Write(strtab.Bytes())

	// header
	var out bytes.Buffer
	magic := uint32(0xfeedface)
	if b.Is64 {
		magic = 0xfeedfacf
	}
	for _, v := range []uint32{magic, b.Cpu, b.SubCpu, 1, uint32(len(cmds)), uint32(sizeofcmds), b.Flags} {
		binary.Write(&out, le, v)
	}
	if b.Is64 {
		binary.Write(&out, le, uint32(0))
	}

	// segment
	if b.Is64 {
		binary.Write(&out, le, uint32(0x19))
		binary.Write(&out, le, uint32(segCmd))
		out.Write(name16(""))
		for _, v := range []uint64{0, b.nextAddr, uint64(base), uint64(body.Len())} {
			binary.Write(&out, le, v)
		}
	} else {
		binary.Write(&out, le, uint32(0x1))
		binary.Write(&out, le, uint32(segCmd))
		out.Write(name16(""))
		for _, v := range []uint32{0, uint32(b.nextAddr), uint32(base), uint32(body.Len())} {
			binary.Write(&out, le, v)
		}
	}
	for _, v := range []uint32{7, 7, uint32(len(b.sects)), 0} {
		binary.Write(&out, le, v)
	}
	for i, s := range b.sects {
		out.Write(name16(s.Name))
		out.Write(name16(s.Seg))
		if b.Is64 {
			binary.Write(&out, le, s.addr)
			binary.Write(&out, le, s.size())
		} else {
			binary.Write(&out, le, uint32(s.addr))
			binary.Write(&out, le, uint32(s.size()))
		}
		for _, v := range []uint32{sectOff[i], s.Align, relOff[i], uint32(len(s.Relocs)), s.Flags, s.Reserved1, s.Reserved2} {
			binary.Write(&out, le, v)
		}
		if b.Is64 {
			binary.Write(&out, le, uint32(0))
		}
	}

	// LC_SYMTAB
	for _, v := range []uint32{0x2, 24, symOff, uint32(len(b.syms)), strOff, uint32(strtab.Len())} {
		binary.Write(&out, le, v)
	}
	// LC_DYSYMTAB
	dys := make([]uint32, 20)
	dys[0], dys[1] = 0xb, 80
	dys[14], dys[15] = indOff, uint32(len(b.indirect))
	for _, v := range dys {
		binary.Write(&out, le, v)
	}
	if b.Platform != 0 {
		for _, v := range []uint32{0x32, 24, b.Platform, b.Minos, b.Sdk, 0} {
			binary.Write(&out, le, v)
		}
	}
	if len(b.dice) > 0 {
		for _, v := range []uint32{0x29, 16, diceOff, uint32(8 * len(b.dice))} {
			binary.Write(&out, le, v)
		}
	}
	if b.loh != nil {
		for _, v := range []uint32{0x2e, 16, lohOff, uint32(len(b.loh))} {
			binary.Write(&out, le, v)
		}
	}
	for i, o := range b.opts {
		start := out.Len()
		binary.Write(&out, le, uint32(0x2d))
		binary.Write(&out, le, uint32(optSizes[i]))
		binary.Write(&out, le, uint32(len(o)))
		for _, s := range o {
			out.WriteString(s)
			out.WriteByte(0)
		}
		for out.Len()-start < optSizes[i] {
			out.WriteByte(0)
		}
	}

	out.Write(body.Bytes())
	return out.Bytes()
}

// Uleb128 appends v to buf.
func Uleb128(buf []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf = append(buf, c)
		if v == 0 {
			return buf
		}
	}
}
