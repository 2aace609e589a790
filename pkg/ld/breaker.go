package ld

import (
	"cmp"

	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

// chunk is one atom-sized piece of a section.
type chunk struct {
	addr, size uint64
	// sym is the label naming the chunk, or -1.
	sym   int32
	alias bool
}

// breakIterator cuts [start, end) at every label and CFI function start.
type breakIterator struct {
	start, end uint64
	syms       []macho.Symbol
	labels     []uint32
	cfi        []uint64

	cursor uint64
	li, ci int
}

// newBreakIterator keeps the labels of sorted that fall in [start, end] and
// the CFI starts that fall in [start, end). cfiStarts must be sorted.
func newBreakIterator(start, end uint64, syms []macho.Symbol, sorted []uint32, sect uint8, cfiStarts []uint64) *breakIterator {
	it := &breakIterator{start: start, end: end, syms: syms, cursor: start}
	lo, _ := slices.BinarySearchFunc(sorted, start, func(idx uint32, v uint64) int { return cmp.Compare(syms[idx].Value, v) })
	for _, idx := range sorted[lo:] {
		sym := &syms[idx]
		if sym.Value > end {
			break
		}
		if sym.Sect == sect {
			it.labels = append(it.labels, idx)
		}
	}
	for _, a := range cfiStarts {
		if a >= start && a < end {
			it.cfi = append(it.cfi, a)
		}
	}
	return it
}

func (it *breakIterator) labelAddr(i int) uint64 { return it.syms[it.labels[i]].Value }

// next returns the following chunk, or false once the section is covered.
func (it *breakIterator) next() (chunk, bool) {
	for {
		for it.ci < len(it.cfi) && it.cfi[it.ci] <= it.cursor {
			it.ci++
		}
		boundary := it.end
		if it.ci < len(it.cfi) {
			boundary = min(boundary, it.cfi[it.ci])
		}

		if it.li < len(it.labels) && it.labelAddr(it.li) == it.cursor {
			idx := it.labels[it.li]
			it.li++
			if it.li < len(it.labels) {
				boundary = min(boundary, it.labelAddr(it.li))
			}
			size := boundary - it.cursor
			alias := size == 0 && it.li < len(it.labels) && it.labelAddr(it.li) == it.cursor
			if alias && it.cursor == it.end {
				continue
			}
			c := chunk{addr: it.cursor, size: size, sym: int32(idx), alias: alias}
			it.cursor = boundary
			return c, true
		}

		if it.cursor >= it.end {
			return chunk{}, false
		}
		if it.li < len(it.labels) {
			boundary = min(boundary, it.labelAddr(it.li))
		}
		c := chunk{addr: it.cursor, size: boundary - it.cursor, sym: -1}
		it.cursor = boundary
		return c, true
	}
}
