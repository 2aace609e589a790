package ld

import (
	"strings"

	"github.com/blacktop/machobj/pkg/macho"
)

type stabState uint8

const (
	stabStart stabState = iota
	stabInBeginEnd
	stabInFun
)

// parseStabs collects stab entries and binds the ones describing functions
// and data to their atoms. BNSYM/ENSYM and FUN/FUN pairs bracket a function.
func (p *parser) parseStabs() {
	var byName map[string]AtomID
	state, cur := stabStart, NoAtom
	for i := range p.syms {
		sym := &p.syms[i]
		if !sym.IsStab() {
			continue
		}
		st := Stab{
			Atom:   NoAtom,
			Type:   sym.Type,
			Other:  sym.Sect,
			Desc:   uint16(sym.Desc),
			Value:  sym.Value,
			String: sym.Name,
		}
		switch state {
		case stabStart:
			switch sym.Type {
			case macho.N_BNSYM:
				cur = p.atomForPC(sym.Value)
				st.Atom, state = cur, stabInBeginEnd
			case macho.N_FUN:
				// class constants look like functions but carry no address
				if sym.Name != "" && !strings.Contains(sym.Name, ":c=") {
					cur = p.atomForPC(sym.Value)
					st.Atom, state = cur, stabInFun
				}
			case macho.N_GSYM:
				if byName == nil {
					byName = p.atomsByName()
				}
				name, _, _ := strings.Cut(sym.Name, ":")
				if id, ok := byName["_"+name]; ok {
					st.Atom = id
				}
			case macho.N_STSYM, macho.N_LCSYM:
				st.Atom = p.atomForPC(sym.Value)
			case macho.N_SO:
				p.stabSourceFile(sym.Name)
			}
		case stabInBeginEnd:
			st.Atom = cur
			if sym.Type == macho.N_ENSYM {
				state, cur = stabStart, NoAtom
			}
		case stabInFun:
			st.Atom = cur
			if sym.Type == macho.N_FUN && sym.Name == "" {
				state, cur = stabStart, NoAtom
			}
		}
		p.file.Stabs = append(p.file.Stabs, st)
	}
	if len(p.file.Stabs) == 0 {
		return
	}
	p.file.DebugInfo = DebugInfoStabs
	if p.opts.WarnStabs {
		p.warnf("object file has STABS debug info and no DWARF")
	}
}

// stabSourceFile records the N_SO pair: a directory ending in '/' and then
// the source file name.
func (p *parser) stabSourceFile(name string) {
	switch {
	case name == "":
	case strings.HasSuffix(name, "/"):
		p.file.CompileUnitDir = name
	case p.file.CompileUnitName == "":
		p.file.CompileUnitName = name
	}
}

func (p *parser) atomsByName() map[string]AtomID {
	m := make(map[string]AtomID, len(p.file.Atoms))
	for i := range p.file.Atoms {
		if name := p.file.Atoms[i].Name; name != anonName {
			if _, dup := m[name]; !dup {
				m[name] = AtomID(i)
			}
		}
	}
	return m
}
