package ld

import (
	"strings"

	"github.com/blacktop/machobj/pkg/macho"
)

var diceStartKinds = map[macho.DiceKind]FixupKind{
	macho.DiceKindData:           KindDataInCodeStartData,
	macho.DiceKindJumpTable8:     KindDataInCodeStartJT8,
	macho.DiceKindJumpTable16:    KindDataInCodeStartJT16,
	macho.DiceKindJumpTable32:    KindDataInCodeStartJT32,
	macho.DiceKindAbsJumpTable32: KindDataInCodeStartJTA32,
}

// labels of the form L$start$<kind>$<n> mark data in code of older objects
var diceLabelKinds = map[string]FixupKind{
	"data":  KindDataInCodeStartData,
	"jt8":   KindDataInCodeStartJT8,
	"jt16":  KindDataInCodeStartJT16,
	"jt32":  KindDataInCodeStartJT32,
	"jta32": KindDataInCodeStartJTA32,
	"code":  KindDataInCodeEnd,
}

// addDataInCode marks non-instruction ranges of code atoms, from
// LC_DATA_IN_CODE when present and from L$start$ labels otherwise.
func (p *parser) addDataInCode() {
	if len(p.mf.DataInCode) > 0 {
		for _, e := range p.mf.DataInCode {
			addr, ok := p.fileOffsetToAddress(e.Offset)
			if !ok {
				p.warnf("data in code entry at file offset %#x is not in any section", e.Offset)
				continue
			}
			kind, ok := diceStartKinds[e.Kind]
			if !ok {
				p.warnf("unknown data in code kind %d at %#x", e.Kind, addr)
				continue
			}
			id, off, ok := p.functionAtom(addr)
			if !ok {
				p.warnf("data in code at %#x is not in any atom", addr)
				continue
			}
			p.emit(id, off, Fixup{Kind: kind})
			if end := uint64(off) + uint64(e.Length); end < p.file.Atoms[id].Size {
				p.emit(id, uint32(end), Fixup{Kind: KindDataInCodeEnd})
			}
		}
		return
	}
	if !p.sum.dataInCodeLabels {
		return
	}
	for i := range p.syms {
		sym := &p.syms[i]
		if sym.IsStab() || !sym.Type.IsDefinedInSection() || !strings.HasPrefix(sym.Name, dataInCodeLabelPrefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(sym.Name, dataInCodeLabelPrefix), "$")
		kind, ok := diceLabelKinds[name]
		if !ok {
			p.warnf("unknown data in code label %s", sym.Name)
			continue
		}
		id, off, ok := p.functionAtom(sym.Value)
		if !ok {
			continue
		}
		p.emit(id, off, Fixup{Kind: kind})
	}
}

func (p *parser) fileOffsetToAddress(off uint32) (uint64, bool) {
	for _, s := range p.mf.Sections {
		if s.Flags.IsZerofill() {
			continue
		}
		if off >= s.Offset && uint64(off-s.Offset) < s.Size {
			return s.Addr + uint64(off-s.Offset), true
		}
	}
	return 0, false
}

// addOptimizationHints decodes LC_LINKER_OPTIMIZATION_HINT: a ULEB128
// stream of (kind, count, address...) records terminated by a zero kind.
func (p *parser) addOptimizationHints() {
	b := p.mf.OptimizationHints
	for len(b) > 0 {
		kind, n, err := readULEB128(b)
		if err != nil {
			p.warnf("malformed linker optimization hint: %v", err)
			return
		}
		b = b[n:]
		if kind == 0 {
			return
		}
		count, n, err := readULEB128(b)
		if err != nil {
			p.warnf("malformed linker optimization hint: %v", err)
			return
		}
		b = b[n:]
		// every address takes at least one byte
		if count > uint64(len(b)) {
			p.warnf("linker optimization hint %d claims %d addresses in %d bytes", kind, count, len(b))
			return
		}
		addrs := make([]uint64, 0, count)
		for j := uint64(0); j < count; j++ {
			addr, n, err := readULEB128(b)
			if err != nil {
				p.warnf("malformed linker optimization hint: %v", err)
				return
			}
			b = b[n:]
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}
		p.addOptimizationHint(uint8(kind), addrs)
	}
}

func (p *parser) addOptimizationHint(kind uint8, addrs []uint64) {
	id, _, ok := p.functionAtom(addrs[0])
	if !ok {
		p.warnf("linker optimization hint %d at %#x is not in any atom", kind, addrs[0])
		return
	}
	a := &p.file.Atoms[id]
	offs := make([]uint32, len(addrs))
	for i, addr := range addrs {
		if addr < a.Address || addr >= a.Address+a.Size {
			p.warnf("linker optimization hint %d spans atoms at %#x", kind, addr)
			return
		}
		offs[i] = uint32(addr - a.Address)
	}
	p.emit(id, offs[0], Fixup{Kind: KindLinkerOptimizationHint, LOH: &LOH{Kind: kind, Offsets: offs}})
}
