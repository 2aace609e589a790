// Package atomdump prints the atom graph of parsed object files.
package atomdump

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/blacktop/machobj/internal/colors"
	"github.com/blacktop/machobj/pkg/ld"
)

// Config selects what Dump prints.
type Config struct {
	// Section limits output to one "segment,section" pair.
	Section string
	// Symbol limits output to atoms with this name.
	Symbol string

	Fixups   bool
	Lines    bool
	Unwind   bool
	Warnings bool
}

func (c *Config) wantSection(s *ld.Section) bool {
	return c.Section == "" || c.Section == s.String()
}

func (c *Config) wantAtom(a *ld.Atom) bool {
	return c.Symbol == "" || c.Symbol == a.Name
}

// Dump writes f in the order atoms were built: section by section, then
// the synthetic tentative and absolute sections.
func Dump(w io.Writer, f *ld.ObjectFile, conf *Config) error {
	if conf == nil {
		conf = &Config{Fixups: true, Lines: true, Unwind: true, Warnings: true}
	}
	if err := dumpHeader(w, f); err != nil {
		return err
	}
	for _, s := range f.Sections {
		if !conf.wantSection(s) {
			continue
		}
		atoms := s.Atoms()
		if len(atoms) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s %s %s %s\n",
			colors.Section().Sprint(s.String()),
			colors.Attr().Sprint(s.Shape),
			colors.Address().Sprintf("%#x", s.Address),
			humanize.Bytes(s.Size))
		for i := range atoms {
			a := &atoms[i]
			if !conf.wantAtom(a) {
				continue
			}
			if err := dumpAtom(w, a, conf); err != nil {
				return err
			}
		}
	}
	if conf.Warnings && len(f.Warnings) > 0 {
		fmt.Fprintf(w, "\n%s\n", colors.Warning().Sprint("warnings:"))
		for _, msg := range f.Warnings {
			fmt.Fprintf(w, "    %s\n", msg)
		}
	}
	return nil
}

func dumpHeader(w io.Writer, f *ld.ObjectFile) error {
	var flags []string
	if f.SubsectionsViaSymbols {
		flags = append(flags, "subsections-via-symbols")
	}
	if f.DebugInfo != ld.DebugInfoNone {
		flags = append(flags, "debug="+f.DebugInfo.String())
	}
	_, err := fmt.Fprintf(w, "%s: %s %s atoms, %s fixups\n",
		colors.Path().Sprint(f.Path),
		f.Arch,
		humanize.Comma(int64(len(f.Atoms))),
		humanize.Comma(int64(len(f.Fixups))))
	if err != nil {
		return err
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, "    flags:     %s\n", strings.Join(flags, ", "))
	}
	if f.CompileUnitName != "" {
		fmt.Fprintf(w, "    unit:      %s (%s)\n", f.CompileUnitName, f.CompileUnitDir)
	}
	for _, p := range f.Platforms {
		fmt.Fprintf(w, "    platform:  %s\n", p)
	}
	if f.ObjCImageInfo != nil {
		fmt.Fprintf(w, "    objc:      version=%d flags=%#x swift=%d\n",
			f.ObjCImageInfo.Version, f.ObjCImageInfo.Flags, f.ObjCImageInfo.SwiftVersion)
	}
	for _, opt := range f.LinkerOptions {
		fmt.Fprintf(w, "    ld-option: %s\n", strings.Join(opt, " "))
	}
	for _, b := range f.Bitcode {
		fmt.Fprintf(w, "    bitcode:   %s,%s %s\n", b.Segment, b.Section, humanize.Bytes(uint64(len(b.Data))))
	}
	return nil
}

func atomName(a *ld.Atom) string {
	if a.SymbolIndex < 0 {
		return colors.Anon().Sprint(a.Name)
	}
	return colors.Symbol().Sprint(a.Name)
}

func atomAttrs(a *ld.Atom) []string {
	var attrs []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{a.DontDeadStrip, "dont-dead-strip"},
		{a.DontDeadStripIfReferencesLive, "dont-dead-strip-if-references-live"},
		{a.AutoHide, "auto-hide"},
		{a.Thumb, "thumb"},
		{a.Cold, "cold"},
		{a.AltEntry, "alt-entry"},
	} {
		if f.set {
			attrs = append(attrs, f.name)
		}
	}
	return attrs
}

func dumpAtom(w io.Writer, a *ld.Atom, conf *Config) error {
	_, err := fmt.Fprintf(w, "  %s\n      address: %s size: %s align: %s\n",
		atomName(a),
		colors.Address().Sprintf("%#x", a.Address),
		colors.Address().Sprint(humanize.Bytes(a.Size)),
		a.Alignment)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "      scope: %s def: %s combine: %s type: %s symbols: %s\n",
		colors.Attr().Sprint(a.Scope),
		colors.Attr().Sprint(a.Definition),
		colors.Attr().Sprint(a.Combine),
		colors.Attr().Sprint(a.ContentType),
		colors.Attr().Sprint(a.SymbolTableInclusion))
	if attrs := atomAttrs(a); len(attrs) > 0 {
		fmt.Fprintf(w, "      attrs: %s\n", strings.Join(attrs, ", "))
	}
	if a.IsAlias() {
		fmt.Fprintf(w, "      alias-of: #%d\n", a.AliasOf)
	}
	if h := a.ContentHash(); h != 0 {
		fmt.Fprintf(w, "      content-hash: %#016x\n", h)
	}
	if fixups := a.Fixups(); conf.Fixups && len(fixups) > 0 {
		fmt.Fprintln(w, "      fixups:")
		for i := range fixups {
			fmt.Fprintf(w, "          %s\n", FormatFixup(&fixups[i]))
		}
	}
	if lines := a.LineInfo(); conf.Lines && len(lines) > 0 {
		fmt.Fprintln(w, "      line info:")
		for _, li := range lines {
			fmt.Fprintf(w, "          %s %s:%d\n", colors.Address().Sprintf("%#x", li.AtomOffset), li.FileName, li.LineNumber)
		}
	}
	if unwind := a.UnwindInfo(); conf.Unwind && len(unwind) > 0 {
		fmt.Fprintln(w, "      unwind:")
		for _, u := range unwind {
			fmt.Fprintf(w, "          %s %#08x\n", colors.Address().Sprintf("%#x", u.StartOffset), u.Encoding)
		}
	}
	return nil
}

// FormatFixup renders one cluster step as "offset [index/size] kind detail".
func FormatFixup(f *ld.Fixup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%d/%d] %s",
		colors.Address().Sprintf("%#x", f.Offset),
		f.ClusterIndex, f.ClusterSize,
		colors.Kind().Sprint(f.Kind))
	switch f.Kind {
	case ld.KindAddAddend, ld.KindSubtractAddend:
		fmt.Fprintf(&b, " %#x", f.Addend)
	case ld.KindSetAuthData:
		fmt.Fprintf(&b, " %s", f.Auth)
	case ld.KindDtraceExtra:
		fmt.Fprintf(&b, " %s", f.Name)
	case ld.KindLinkerOptimizationHint:
		fmt.Fprintf(&b, " %s", f.LOH)
	}
	if f.Kind.HasTarget() {
		fmt.Fprintf(&b, " %s %s", f.Binding, colors.Target().Sprint(targetName(f)))
		if f.WeakImport {
			b.WriteString(" weak")
		}
	}
	if f.Store != ld.StoreNone {
		fmt.Fprintf(&b, " %s", f.Store)
		if f.Scale != 0 {
			fmt.Fprintf(&b, " scale=%d", f.Scale)
		}
	}
	return b.String()
}

func targetName(f *ld.Fixup) string {
	if f.Target == ld.NoAtom {
		return f.Name
	}
	return fmt.Sprintf("#%d %s", f.Target, f.Name)
}
