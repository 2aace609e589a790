package ld

import (
	"strings"

	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/macho"
)

const (
	dtraceProbePrefix     = "___dtrace_probe$"
	dtraceIsEnabledPrefix = "___dtrace_isenabled$"
	dtraceStabilityPrefix = "___dtrace_stability$"
	dtraceTypedefsPrefix  = "___dtrace_typedefs$"
	dataInCodeLabelPrefix = "L$start$"
)

// symbolSummary is the result of the single prescan pass over the symbol table.
type symbolSummary struct {
	// sorted holds indices of atom-seeding labels in break order.
	sorted []uint32
	// seeds counts sorted entries per 1-based section ordinal.
	seeds []int

	tentative int
	absolute  int
	// dtraceProviders are the undefined stability/typedef symbols.
	dtraceProviders []string

	dataInCodeLabels   bool
	overlappingSymbols bool
}

func isSyntheticAbsolute(name string) bool {
	return strings.HasPrefix(name, ".objc_class_name_") ||
		strings.HasPrefix(name, ".objc_category_name_") ||
		strings.HasSuffix(name, ".eh")
}

// seedsAtom reports whether a section-defined symbol may start an atom.
func seedsAtom(sym *macho.Symbol) bool {
	return !sym.IsStab() && sym.Type.IsDefinedInSection() && !sym.IsLocalLabel()
}

func prescanSymbols(syms []macho.Symbol, nsect int) *symbolSummary {
	sum := &symbolSummary{seeds: make([]int, nsect+1)}
	for i := range syms {
		sym := &syms[i]
		if sym.IsStab() {
			continue
		}
		switch {
		case sym.IsTentative():
			sum.tentative++
		case sym.Type.IsUndefined():
			if hasPrefixAny(sym.Name, dtraceStabilityPrefix, dtraceTypedefsPrefix) {
				sum.dtraceProviders = append(sum.dtraceProviders, sym.Name)
			}
		case sym.Type.IsAbsolute():
			if !isSyntheticAbsolute(sym.Name) {
				sum.absolute++
			}
		case sym.Type.IsDefinedInSection():
			if strings.HasPrefix(sym.Name, dataInCodeLabelPrefix) {
				sum.dataInCodeLabels = true
			}
			if !seedsAtom(sym) {
				continue
			}
			sum.sorted = append(sum.sorted, uint32(i))
			if int(sym.Sect) <= nsect {
				sum.seeds[sym.Sect]++
			}
		}
	}

	slices.SortStableFunc(sum.sorted, func(a, b uint32) int {
		return compareLabels(&syms[a], &syms[b])
	})
	for i := 1; i < len(sum.sorted); i++ {
		prev, cur := &syms[sum.sorted[i-1]], &syms[sum.sorted[i]]
		if prev.Value == cur.Value && prev.Sect == cur.Sect {
			sum.overlappingSymbols = true
			break
		}
	}
	return sum
}

// compareLabels orders by address then section. Among labels sharing an
// address in one section the preferred label sorts last so the others
// become zero-size aliases of it.
func compareLabels(a, b *macho.Symbol) int {
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Sect != b.Sect:
		return int(a.Sect) - int(b.Sect)
	}
	aTmp, bTmp := strings.HasPrefix(a.Name, "ltmp"), strings.HasPrefix(b.Name, "ltmp")
	if aTmp != bTmp {
		if aTmp {
			return -1
		}
		return 1
	}
	aExt, bExt := a.Type.IsExternal(), b.Type.IsExternal()
	if aExt != bExt {
		if aExt {
			return 1
		}
		return -1
	}
	return strings.Compare(b.Name, a.Name)
}
