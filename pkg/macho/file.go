package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/go-macho/types"
)

// A File is a parsed Mach-O relocatable object.
type File struct {
	FileHeader
	ByteOrder binary.ByteOrder
	Is64      bool

	// SegmentName is the (usually empty) name of the single segment.
	SegmentName string
	Sections    []*Section
	Symtab      *Symtab
	Dysymtab    *Dysymtab

	BuildVersions     []BuildVersion
	DataInCode        []DataInCodeEntry
	OptimizationHints []byte
	LinkerOptions     [][]string

	data []byte
}

// A Symtab is the LC_SYMTAB payload.
type Symtab struct {
	SymtabCmd
	Syms []Symbol
}

// A Dysymtab is the LC_DYSYMTAB payload.
type Dysymtab struct {
	DysymtabCmd
	IndirectSyms []uint32
}

// Open reads and parses the named object file.
func Open(name string) (*File, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return NewFile(data)
}

// Data returns the whole file buffer.
func (f *File) Data() []byte { return f.data }

// PointerSize is 8 for 64-bit objects and 4 otherwise.
func (f *File) PointerSize() int {
	if f.Is64 {
		return 8
	}
	return 4
}

// Section returns the first section with the given segment and section name.
func (f *File) Section(seg, name string) *Section {
	for _, s := range f.Sections {
		if s.Seg == seg && s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByIndex resolves a 1-based n_sect ordinal.
func (f *File) SectionByIndex(n int) *Section {
	if n < 1 || n > len(f.Sections) {
		return nil
	}
	return f.Sections[n-1]
}

// ReadHeader decodes only the mach_header of data.
func ReadHeader(data []byte) (FileHeader, bool, error) {
	var h FileHeader
	if len(data) < fileHeaderSize32 {
		return h, false, &FormatError{0, "file too small for mach header", len(data)}
	}
	magic := binary.LittleEndian.Uint32(data)
	switch magic {
	case Magic32, Magic64:
	case cigam32, cigam64:
		return h, false, &FormatError{0, "big-endian object files are not supported", fmt.Sprintf("%#x", magic)}
	case MagicFat:
		return h, false, &FormatError{0, "fat file is not an object file", nil}
	default:
		return h, false, &FormatError{0, "invalid magic number", fmt.Sprintf("%#x", magic)}
	}
	is64 := magic == Magic64
	if is64 && len(data) < fileHeaderSize64 {
		return h, false, &FormatError{0, "file too small for mach header", len(data)}
	}
	bo := binary.LittleEndian
	h = FileHeader{
		Magic:  magic,
		Cpu:    Cpu(bo.Uint32(data[4:])),
		SubCpu: bo.Uint32(data[8:]),
		Type:   bo.Uint32(data[12:]),
		Ncmd:   bo.Uint32(data[16:]),
		Cmdsz:  bo.Uint32(data[20:]),
		Flags:  HeaderFlag(bo.Uint32(data[24:])),
	}
	return h, is64, nil
}

// NewFile parses an in-memory MH_OBJECT. Any bounds or structural violation
// is reported as a *FormatError.
func NewFile(data []byte) (*File, error) {
	h, is64, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if !h.IsObject() {
		return nil, &FormatError{12, "not a relocatable object (MH_OBJECT)", h.Type}
	}
	f := &File{FileHeader: h, ByteOrder: binary.LittleEndian, Is64: is64, data: data}

	hdrSize := uint64(fileHeaderSize32)
	cmdAlignMask := uint32(3)
	if is64 {
		hdrSize = fileHeaderSize64
		cmdAlignMask = 7
	}
	cmdsEnd := hdrSize + uint64(h.Cmdsz)
	if cmdsEnd > uint64(len(data)) {
		return nil, &FormatError{int64(hdrSize), "load commands extend past end of file", h.Cmdsz}
	}

	var segCount int
	off := hdrSize
	for i := uint32(0); i < h.Ncmd; i++ {
		if off+8 > cmdsEnd {
			return nil, &FormatError{int64(off), "load command extends past sizeofcmds", i}
		}
		cmd := LoadCmd(f.ByteOrder.Uint32(data[off:]))
		size := f.ByteOrder.Uint32(data[off+4:])
		if size < 8 || size&cmdAlignMask != 0 {
			return nil, &FormatError{int64(off), "load command size not aligned", size}
		}
		if off+uint64(size) > cmdsEnd {
			return nil, &FormatError{int64(off), "load command extends past sizeofcmds", cmd}
		}
		cmddat := data[off : off+uint64(size)]

		switch cmd {
		case LoadCmdSegment, LoadCmdSegment64:
			if (cmd == LoadCmdSegment64) != is64 {
				return nil, &FormatError{int64(off), "wrong segment load command for file width", cmd}
			}
			segCount++
			if segCount > 1 {
				return nil, &FormatError{int64(off), "more than one segment load command", nil}
			}
			if err := f.readSegment(cmddat, int64(off)); err != nil {
				return nil, err
			}
		case LoadCmdSymtab:
			var hdr SymtabCmd
			if err := binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &hdr); err != nil {
				return nil, &FormatError{int64(off), "truncated LC_SYMTAB", err}
			}
			st, err := f.readSymtab(hdr, int64(off))
			if err != nil {
				return nil, err
			}
			f.Symtab = st
		case LoadCmdDysymtab:
			var hdr DysymtabCmd
			if err := binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &hdr); err != nil {
				return nil, &FormatError{int64(off), "truncated LC_DYSYMTAB", err}
			}
			end := uint64(hdr.Indirectsymoff) + uint64(hdr.Nindirectsyms)*4
			if hdr.Nindirectsyms > 0 && end > uint64(len(data)) {
				return nil, &FormatError{int64(off), "indirect symbol table extends past end of file", hdr.Nindirectsyms}
			}
			ds := &Dysymtab{DysymtabCmd: hdr, IndirectSyms: make([]uint32, hdr.Nindirectsyms)}
			for j := range ds.IndirectSyms {
				ds.IndirectSyms[j] = f.ByteOrder.Uint32(data[uint64(hdr.Indirectsymoff)+uint64(j)*4:])
			}
			f.Dysymtab = ds
		case LoadCmdBuildVersion:
			var bv BuildVersionCmd
			if err := binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &bv); err != nil {
				return nil, &FormatError{int64(off), "truncated LC_BUILD_VERSION", err}
			}
			f.BuildVersions = append(f.BuildVersions, BuildVersion{
				Platform: types.Platform(bv.Platform),
				Minos:    types.Version(bv.Minos),
				Sdk:      types.Version(bv.Sdk),
			})
		case LoadCmdVersionMinMacosx, LoadCmdVersionMinIphoneos, LoadCmdVersionMinTvos, LoadCmdVersionMinWatchos:
			var vm VersionMinCmd
			if err := binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &vm); err != nil {
				return nil, &FormatError{int64(off), "truncated LC_VERSION_MIN", err}
			}
			f.BuildVersions = append(f.BuildVersions, BuildVersion{
				Platform: types.Platform(versionMinPlatforms[cmd]),
				Minos:    types.Version(vm.Version),
				Sdk:      types.Version(vm.Sdk),
			})
		case LoadCmdDataInCode:
			blob, err := f.linkEditData(cmddat, int64(off))
			if err != nil {
				return nil, err
			}
			for j := 0; j+8 <= len(blob); j += 8 {
				f.DataInCode = append(f.DataInCode, DataInCodeEntry{
					Offset: f.ByteOrder.Uint32(blob[j:]),
					Length: f.ByteOrder.Uint16(blob[j+4:]),
					Kind:   DiceKind(f.ByteOrder.Uint16(blob[j+6:])),
				})
			}
		case LoadCmdLinkerOptimizationHint:
			blob, err := f.linkEditData(cmddat, int64(off))
			if err != nil {
				return nil, err
			}
			f.OptimizationHints = blob
		case LoadCmdLinkerOption:
			if len(cmddat) < 12 {
				return nil, &FormatError{int64(off), "truncated LC_LINKER_OPTION", nil}
			}
			count := f.ByteOrder.Uint32(cmddat[8:])
			strs := bytes.Split(bytes.TrimRight(cmddat[12:], "\x00"), []byte{0})
			var opts []string
			for j := 0; j < len(strs) && uint32(j) < count; j++ {
				opts = append(opts, string(strs[j]))
			}
			f.LinkerOptions = append(f.LinkerOptions, opts)
		}
		off += uint64(size)
	}

	if segCount == 0 {
		return nil, &FormatError{int64(hdrSize), "missing LC_SEGMENT load command", nil}
	}
	return f, nil
}

func (f *File) linkEditData(cmddat []byte, off int64) ([]byte, error) {
	var led LinkEditDataCmd
	if err := binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &led); err != nil {
		return nil, &FormatError{off, "truncated linkedit data command", err}
	}
	end := uint64(led.Dataoff) + uint64(led.Datasize)
	if end > uint64(len(f.data)) {
		return nil, &FormatError{off, "linkedit data extends past end of file", led.Cmd}
	}
	return f.data[led.Dataoff:end], nil
}

func (f *File) readSegment(cmddat []byte, off int64) error {
	var nsect uint32
	var sectOff int
	if f.Is64 {
		var seg Segment64
		if len(cmddat) < segment64Size {
			return &FormatError{off, "truncated LC_SEGMENT_64", nil}
		}
		binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &seg)
		f.SegmentName = cstring(seg.Name[:])
		nsect, sectOff = seg.Nsect, segment64Size
		if seg.Filesz > 0 && seg.Offset+seg.Filesz > uint64(len(f.data)) {
			return &FormatError{off, "segment content extends past end of file", f.SegmentName}
		}
	} else {
		var seg Segment32
		if len(cmddat) < segment32Size {
			return &FormatError{off, "truncated LC_SEGMENT", nil}
		}
		binary.Read(bytes.NewReader(cmddat), f.ByteOrder, &seg)
		f.SegmentName = cstring(seg.Name[:])
		nsect, sectOff = seg.Nsect, segment32Size
		if seg.Filesz > 0 && uint64(seg.Offset)+uint64(seg.Filesz) > uint64(len(f.data)) {
			return &FormatError{off, "segment content extends past end of file", f.SegmentName}
		}
	}

	shSize := section32Size
	if f.Is64 {
		shSize = section64Size
	}
	if uint64(sectOff)+uint64(nsect)*uint64(shSize) > uint64(len(cmddat)) {
		return &FormatError{off, "section headers extend past segment load command", nsect}
	}
	for i := uint32(0); i < nsect; i++ {
		b := bytes.NewReader(cmddat[sectOff+int(i)*shSize:])
		sh := &Section{Index: len(f.Sections) + 1}
		if f.Is64 {
			var s Section64
			binary.Read(b, f.ByteOrder, &s)
			sh.Name, sh.Seg = cstring(s.Name[:]), cstring(s.Seg[:])
			sh.Addr, sh.Size = s.Addr, s.Size
			sh.Offset, sh.Align, sh.Reloff, sh.Nreloc = s.Offset, s.Align, s.Reloff, s.Nreloc
			sh.Flags, sh.Reserved1, sh.Reserved2 = s.Flags, s.Reserve1, s.Reserve2
		} else {
			var s Section32
			binary.Read(b, f.ByteOrder, &s)
			sh.Name, sh.Seg = cstring(s.Name[:]), cstring(s.Seg[:])
			sh.Addr, sh.Size = uint64(s.Addr), uint64(s.Size)
			sh.Offset, sh.Align, sh.Reloff, sh.Nreloc = s.Offset, s.Align, s.Reloff, s.Nreloc
			sh.Flags, sh.Reserved1, sh.Reserved2 = s.Flags, s.Reserve1, s.Reserve2
		}
		secOff := off + int64(sectOff) + int64(i)*int64(shSize)
		if sh.Align > 15 {
			return &FormatError{secOff, "section alignment too large", sh.Align}
		}
		if !sh.Flags.IsZerofill() && sh.Size > 0 {
			end := uint64(sh.Offset) + sh.Size
			if end > uint64(len(f.data)) {
				return &FormatError{secOff, "section content extends past end of file", sh.String()}
			}
			sh.data = f.data[sh.Offset:end]
		}
		if sh.Nreloc > 0 {
			end := uint64(sh.Reloff) + uint64(sh.Nreloc)*relocSize
			if end > uint64(len(f.data)) {
				return &FormatError{secOff, "relocations extend past end of file", sh.String()}
			}
			sh.Relocs = make([]Reloc, sh.Nreloc)
			for j := range sh.Relocs {
				p := uint64(sh.Reloff) + uint64(j)*relocSize
				sh.Relocs[j] = DecodeReloc(f.ByteOrder.Uint32(f.data[p:]), f.ByteOrder.Uint32(f.data[p+4:]), !f.Is64)
			}
		}
		f.Sections = append(f.Sections, sh)
	}
	return nil
}

func (f *File) readSymtab(hdr SymtabCmd, off int64) (*Symtab, error) {
	entSize := uint64(nlist32Size)
	if f.Is64 {
		entSize = nlist64Size
	}
	if uint64(hdr.Symoff)+uint64(hdr.Nsyms)*entSize > uint64(len(f.data)) {
		return nil, &FormatError{off, "symbol table extends past end of file", hdr.Nsyms}
	}
	if uint64(hdr.Stroff)+uint64(hdr.Strsize) > uint64(len(f.data)) {
		return nil, &FormatError{off, "string table extends past end of file", hdr.Strsize}
	}
	strtab := f.data[hdr.Stroff : hdr.Stroff+hdr.Strsize]
	st := &Symtab{SymtabCmd: hdr, Syms: make([]Symbol, hdr.Nsyms)}
	bo := f.ByteOrder
	for i := range st.Syms {
		p := f.data[uint64(hdr.Symoff)+uint64(i)*entSize:]
		var n Nlist64
		n.Name = bo.Uint32(p)
		n.Type, n.Sect, n.Desc = p[4], p[5], bo.Uint16(p[6:])
		if f.Is64 {
			n.Value = bo.Uint64(p[8:])
		} else {
			n.Value = uint64(bo.Uint32(p[8:]))
		}
		if n.Name >= uint32(len(strtab)) && n.Name != 0 {
			return nil, &FormatError{off, "symbol name index out of range", i}
		}
		var name string
		if n.Name < uint32(len(strtab)) {
			name = cstring(strtab[n.Name:])
		}
		st.Syms[i] = Symbol{Name: name, Type: NType(n.Type), Sect: n.Sect, Desc: NDesc(n.Desc), Value: n.Value}
	}
	return st, nil
}

// SectionExists scans load commands for seg,name without decoding anything else.
func SectionExists(data []byte, seg, name string) bool {
	h, is64, err := ReadHeader(data)
	if err != nil {
		return false
	}
	hdrSize, shSize, segHdr := uint64(fileHeaderSize32), uint64(section32Size), uint64(segment32Size)
	if is64 {
		hdrSize, shSize, segHdr = fileHeaderSize64, section64Size, segment64Size
	}
	bo := binary.LittleEndian
	end := hdrSize + uint64(h.Cmdsz)
	if end > uint64(len(data)) {
		return false
	}
	off := hdrSize
	for i := uint32(0); i < h.Ncmd && off+8 <= end; i++ {
		cmd := LoadCmd(bo.Uint32(data[off:]))
		size := uint64(bo.Uint32(data[off+4:]))
		if size < 8 || off+size > end {
			return false
		}
		if cmd == LoadCmdSegment || cmd == LoadCmdSegment64 {
			if size < segHdr {
				return false
			}
			nsect := bo.Uint32(data[off+segHdr-8:])
			for j := uint64(0); j < uint64(nsect); j++ {
				p := off + segHdr + j*shSize
				if p+shSize > off+size {
					return false
				}
				if cstring(data[p:p+16]) == name && cstring(data[p+16:p+32]) == seg {
					return true
				}
			}
		}
		off += size
	}
	return false
}
