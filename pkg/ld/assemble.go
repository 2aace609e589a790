package ld

import "golang.org/x/exp/slices"

// finish orders the per-atom records by atom then offset, keeping the
// emission order of clusters, and hands each atom its slice of them.
func (p *parser) finish() {
	slices.SortStableFunc(p.fixups, func(a, b pendingFixup) int {
		return compareAtomOffset(a.atom, a.Offset, b.atom, b.Offset)
	})
	slices.SortStableFunc(p.lines, func(a, b pendingLine) int {
		return compareAtomOffset(a.atom, a.AtomOffset, b.atom, b.AtomOffset)
	})
	slices.SortStableFunc(p.unwinds, func(a, b pendingUnwind) int {
		return compareAtomOffset(a.atom, a.StartOffset, b.atom, b.StartOffset)
	})

	f := p.file
	f.Fixups = make([]Fixup, len(p.fixups))
	for i := range p.fixups {
		f.Fixups[i] = p.fixups[i].Fixup
		a := &f.Atoms[p.fixups[i].atom]
		if a.fixups.count == 0 {
			a.fixups.start = uint32(i)
		}
		a.fixups.count++
	}
	f.LineInfos = make([]LineInfo, len(p.lines))
	for i := range p.lines {
		f.LineInfos[i] = p.lines[i].LineInfo
		a := &f.Atoms[p.lines[i].atom]
		if a.lines.count == 0 {
			a.lines.start = uint32(i)
		}
		a.lines.count++
	}
	f.UnwindInfos = make([]UnwindInfo, len(p.unwinds))
	for i := range p.unwinds {
		f.UnwindInfos[i] = p.unwinds[i].UnwindInfo
		a := &f.Atoms[p.unwinds[i].atom]
		if a.unwind.count == 0 {
			a.unwind.start = uint32(i)
		}
		a.unwind.count++
	}
	p.fixups, p.lines, p.unwinds = nil, nil, nil
}

func compareAtomOffset(a AtomID, aoff uint32, b AtomID, boff uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case aoff < boff:
		return -1
	case aoff > boff:
		return 1
	}
	return 0
}
