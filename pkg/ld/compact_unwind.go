package ld

import (
	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

// cuEntry is one __LD,__compact_unwind entry with its relocations applied.
type cuEntry struct {
	funcAddr uint64
	funcSize uint32
	encoding uint32
	// funcSym is the symbol the function column was relocated against, or -1.
	funcSym int32

	personality string
	lsdaAddr    uint64
	hasLSDA     bool

	requiresDwarf bool
}

type cuLayout struct {
	size                              uint32
	funcOff, lenOff, encOff           uint32
	personalityOff, lsdaOff, ptrWidth uint32
}

func compactUnwindLayout(ptrSize int) cuLayout {
	if ptrSize == 8 {
		return cuLayout{size: 32, funcOff: 0, lenOff: 8, encOff: 12, personalityOff: 16, lsdaOff: 24, ptrWidth: 8}
	}
	return cuLayout{size: 20, funcOff: 0, lenOff: 4, encOff: 8, personalityOff: 12, lsdaOff: 16, ptrWidth: 4}
}

func (p *parser) readPointer(b []byte) uint64 {
	if p.arch.is64() {
		return p.arch.ByteOrder.Uint64(b)
	}
	return uint64(p.arch.ByteOrder.Uint32(b))
}

// parseCompactUnwind reads the fixed-size entries of s and resolves the
// relocated function, personality and LSDA columns.
func (p *parser) parseCompactUnwind(s *macho.Section) ([]cuEntry, error) {
	lay := compactUnwindLayout(p.arch.PointerSize)
	data := s.Data()
	if uint64(len(data)) != s.Size || s.Size%uint64(lay.size) != 0 {
		return nil, formatErrorf("__compact_unwind size %#x is not a multiple of %d", s.Size, lay.size)
	}
	entries := make([]cuEntry, len(data)/int(lay.size))
	bo := p.arch.ByteOrder
	for i := range entries {
		e := data[uint32(i)*lay.size:]
		entries[i] = cuEntry{
			funcAddr: p.readPointer(e[lay.funcOff:]),
			funcSize: bo.Uint32(e[lay.lenOff:]),
			encoding: bo.Uint32(e[lay.encOff:]),
			funcSym:  -1,
			lsdaAddr: p.readPointer(e[lay.lsdaOff:]),
		}
	}

	for _, r := range s.Relocs {
		if r.Scattered || r.Addr/lay.size >= uint32(len(entries)) {
			return nil, formatErrorf("bad relocation at %#x in __compact_unwind", r.Addr)
		}
		e := &entries[r.Addr/lay.size]
		col := r.Addr % lay.size
		if col != lay.funcOff && col != lay.personalityOff && col != lay.lsdaOff {
			continue
		}
		content := p.readPointer(data[r.Addr:])
		switch col {
		case lay.funcOff:
			if r.Extern {
				sym, err := p.symbol(r.Symnum)
				if err != nil {
					return nil, err
				}
				e.funcAddr = sym.Value + content
				e.funcSym = int32(r.Symnum)
			} else if idx, ok := p.bestSymbolAt(content); ok {
				e.funcSym = int32(idx)
			}
		case lay.personalityOff:
			if r.Extern {
				sym, err := p.symbol(r.Symnum)
				if err != nil {
					return nil, err
				}
				e.personality = sym.Name
			} else {
				e.personality = p.personalityFromPointer(content)
			}
		case lay.lsdaOff:
			if r.Extern {
				sym, err := p.symbol(r.Symnum)
				if err != nil {
					return nil, err
				}
				e.lsdaAddr = sym.Value + content
			}
		}
	}

	for i := range entries {
		e := &entries[i]
		e.hasLSDA = e.lsdaAddr != 0
		e.requiresDwarf = p.arch.RequiresDwarf(e.encoding)
	}
	slices.SortStableFunc(entries, func(a, b cuEntry) int {
		if a.funcSym != b.funcSym {
			return int(a.funcSym) - int(b.funcSym)
		}
		switch {
		case a.funcAddr < b.funcAddr:
			return -1
		case a.funcAddr > b.funcAddr:
			return 1
		}
		return 0
	})
	return entries, nil
}

// personalityFromPointer names the personality a non-extern column points
// at: the indirect symbol of a non-lazy pointer slot, else the symbol
// defined at that address.
func (p *parser) personalityFromPointer(addr uint64) string {
	for _, s := range p.mf.Sections {
		if !s.Contains(addr) || s.Flags.Type() != macho.S_NON_LAZY_SYMBOL_POINTERS {
			continue
		}
		slot := uint32((addr - s.Addr) / uint64(p.arch.PointerSize))
		if idx, ok := p.indirectSymbol(s.Reserved1 + slot); ok && idx < uint32(len(p.syms)) {
			return p.syms[idx].Name
		}
	}
	if idx, ok := p.bestSymbolAt(addr); ok {
		return p.syms[idx].Name
	}
	return ""
}

// bestSymbolAt returns the preferred non-stab symbol defined exactly at addr.
func (p *parser) bestSymbolAt(addr uint64) (uint32, bool) {
	var best uint32
	found := false
	for _, idx := range p.sum.sorted {
		sym := &p.syms[idx]
		if sym.Value == addr {
			best, found = idx, true
		} else if sym.Value > addr {
			break
		}
	}
	return best, found
}
