package ld

import (
	"io"

	dwf "github.com/blacktop/go-dwarf"
)

// dwarf5Sections maps the 16-byte Mach-O names of the DWARF 5 sections to
// their DWARF names.
var dwarf5Sections = []struct{ macho, dwarf string }{
	{"__debug_line_str", ".debug_line_str"},
	{"__debug_str_offs", ".debug_str_offsets"},
	{"__debug_addr", ".debug_addr"},
	{"__debug_rnglists", ".debug_rnglists"},
	{"__debug_loclists", ".debug_loclists"},
}

type lineRow struct {
	addr   uint64
	file   string
	line   int
	endSeq bool
}

// parseDebugInfo extracts the compile unit and line table from DWARF and
// falls back to STABS when there is no __debug_info. Broken DWARF is a
// warning, never an error.
func (p *parser) parseDebugInfo() {
	if len(p.debug["__debug_info"]) == 0 {
		p.parseStabs()
		return
	}
	if err := p.parseDwarf(); err != nil {
		p.warnf("could not parse DWARF debug info: %v", err)
		p.file.DebugInfo = DebugInfoNone
		p.file.CompileUnitName, p.file.CompileUnitDir = "", ""
		p.lines = p.lines[:0]
		return
	}
	p.file.DebugInfo = DebugInfoDwarf
}

func (p *parser) parseDwarf() error {
	d, err := dwf.New(p.debug["__debug_abbrev"], nil, nil, p.debug["__debug_info"],
		p.debug["__debug_line"], nil, p.debug["__debug_ranges"], p.debug["__debug_str"])
	if err != nil {
		return err
	}
	for _, sec := range dwarf5Sections {
		if data := p.debug[sec.macho]; len(data) > 0 {
			if err := d.AddSection(sec.dwarf, data); err != nil {
				return err
			}
		}
	}
	r := d.Reader()
	var cu *dwf.Entry
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Tag == dwf.TagCompileUnit {
			cu = e
			break
		}
		r.SkipChildren()
	}
	p.file.CompileUnitName, _ = cu.Val(dwf.AttrName).(string)
	p.file.CompileUnitDir, _ = cu.Val(dwf.AttrCompDir).(string)

	lr, err := d.LineReader(cu)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	var rows []lineRow
	var le dwf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		row := lineRow{addr: le.Address, line: le.Line, endSeq: le.EndSequence}
		if le.File != nil {
			row.file = le.File.Name
		}
		rows = append(rows, row)
	}
	p.mapLines(rows)
	return nil
}

// mapLines turns line table rows into per-atom line infos. Repeats of the
// same file and line inside one atom are dropped.
func (p *parser) mapLines(rows []lineRow) {
	type fileLine struct {
		file string
		line int
	}
	cur := NoAtom
	var seen map[fileLine]bool
	for i, row := range rows {
		if row.endSeq || row.line == 0 {
			continue
		}
		if i == 0 && row.addr == 0 && p.sectionAt(0) == nil {
			continue
		}
		id := p.atomForPC(row.addr)
		if id == NoAtom {
			continue
		}
		if id != cur {
			cur, seen = id, make(map[fileLine]bool)
		}
		key := fileLine{row.file, row.line}
		if seen[key] {
			continue
		}
		seen[key] = true
		p.lines = append(p.lines, pendingLine{atom: id, LineInfo: LineInfo{
			AtomOffset: uint32(row.addr - p.file.Atoms[id].Address),
			FileName:   row.file,
			LineNumber: uint32(row.line),
		}})
	}
}

// atomForPC finds the atom for a code address. An address past every sized
// atom resolves to a zero-size atom sitting exactly there.
func (p *parser) atomForPC(addr uint64) AtomID {
	s := p.sectionAt(addr)
	if s == nil {
		return p.zeroSizeAtomAt(addr)
	}
	if id := p.atomAt(s, addr); id != NoAtom {
		return id
	}
	return p.zeroSizeAtomAt(addr)
}

func (p *parser) zeroSizeAtomAt(addr uint64) AtomID {
	for _, s := range p.file.Sections {
		if !s.IsCode() {
			continue
		}
		atoms := s.Atoms()
		for i := range atoms {
			if atoms[i].Size == 0 && atoms[i].Address == addr {
				return AtomID(s.atoms.start) + AtomID(i)
			}
		}
	}
	return NoAtom
}
