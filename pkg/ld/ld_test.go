package ld

import (
	"reflect"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/blacktop/machobj/internal/machotest"
	"github.com/blacktop/machobj/pkg/macho"
)

const (
	nSectExt  = 0x0f
	nSectLoc  = 0x0e
	nUndefExt = 0x01
	nAbsExt   = 0x03

	codeFlags = 0x80000400
)

func testOptions() *Options {
	return &Options{Logger: &log.Logger{Handler: discard.New(), Level: log.DebugLevel}}
}

func mustParse(t *testing.T, data []byte, opts *Options) *ObjectFile {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	f, err := Parse("test.o", data, opts)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	checkClusters(t, f)
	return f
}

// checkClusters asserts every atom's fixups form well-shaped clusters that
// lie inside the atom.
func checkClusters(t *testing.T, f *ObjectFile) {
	t.Helper()
	f.ForEachAtom(func(id AtomID, a *Atom) bool {
		fixups := a.Fixups()
		for _, fx := range fixups {
			if uint64(fx.Offset) >= a.Size {
				t.Errorf("%s: fixup %v outside [0,%#x)", a.Name, fx, a.Size)
				return false
			}
		}
		for i := 0; i < len(fixups); {
			size := int(fixups[i].ClusterSize)
			if size < 1 || size > 5 {
				t.Errorf("%s: cluster at %d has size %d", a.Name, i, size)
				return false
			}
			if i+size > len(fixups) {
				t.Errorf("%s: cluster at %d overruns fixups", a.Name, i)
				return false
			}
			for j := 0; j < size; j++ {
				fx := fixups[i+j]
				if int(fx.ClusterIndex) != j || int(fx.ClusterSize) != size || fx.Offset != fixups[i].Offset {
					t.Errorf("%s: malformed cluster step %v", a.Name, fx)
				}
			}
			i += size
		}
		return true
	})
}

func clusters(fixups []Fixup) [][]Fixup {
	var out [][]Fixup
	for i := 0; i < len(fixups); i += int(fixups[i].ClusterSize) {
		out = append(out, fixups[i:i+int(fixups[i].ClusterSize)])
	}
	return out
}

func atomNamed(t *testing.T, f *ObjectFile, name string) (AtomID, *Atom) {
	t.Helper()
	id, a := f.AtomByName(name)
	if a == nil {
		t.Fatalf("no atom named %s", name)
	}
	return id, a
}

func x86_64BranchObject() []byte {
	b := machotest.New(machotest.CpuX86_64)
	text := make([]byte, 16)
	text[4] = 0xe8
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: text})
	b.AddSymbol(machotest.Sym{Name: "_foo", Type: nSectExt, Sect: 1})
	bar := b.AddSymbol(machotest.Sym{Name: "_bar", Type: nUndefExt})
	b.AddReloc(1, machotest.Plain(5, bar, true, 2, true, x86_64RelocBranch))
	return b.Build()
}

func TestParseX86_64Branch(t *testing.T) {
	f := mustParse(t, x86_64BranchObject(), nil)

	if len(f.Atoms) != 1 {
		t.Fatalf("Expected 1 atom, got %d", len(f.Atoms))
	}
	a := &f.Atoms[0]
	if a.Name != "_foo" || a.Size != 16 || a.Scope != ScopeGlobal || a.ContentType != ContentCode {
		t.Errorf("unexpected atom %s scope=%s", a, a.Scope)
	}
	fixups := a.Fixups()
	if len(fixups) != 2 {
		t.Fatalf("Expected 2 fixups, got %d: %v", len(fixups), fixups)
	}
	set, store := fixups[0], fixups[1]
	if set.Kind != KindSetTargetAddress || set.Binding != BindingByName || set.Name != "_bar" || set.Offset != 5 {
		t.Errorf("Expected SetTargetAddress by name _bar at 5, got %v", set)
	}
	if store.Kind != KindStore || store.Store != StoreX86BranchPCRel32 {
		t.Errorf("Expected x86 branch store, got %v", store)
	}
	if f.DebugInfo != DebugInfoNone {
		t.Errorf("Expected no debug info, got %s", f.DebugInfo)
	}
}

func TestParseIsIdempotent(t *testing.T) {
	data := cfiObject(x86RBPFrame)
	first := mustParse(t, data, nil)
	second := mustParse(t, data, nil)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("parsing the same buffer twice gave different results")
	}
}

func TestTentativeDefinition(t *testing.T) {
	b := machotest.New(machotest.CpuX86_64)
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: make([]byte, 4)})
	b.AddSymbol(machotest.Sym{Name: "_g", Type: nUndefExt, Value: 4})
	b.AddSymbol(machotest.Sym{Name: "_big", Type: nUndefExt, Value: 1 << 20})
	b.AddSymbol(machotest.Sym{Name: "_aligned", Type: nUndefExt, Value: 8, Desc: 5 << 8})
	b.AddSymbol(machotest.Sym{Name: "_abs", Type: nAbsExt, Value: 0x1234})
	f := mustParse(t, b.Build(), nil)

	tests := []struct {
		name  string
		size  uint64
		align uint8
	}{
		{"_g", 4, 2},
		{"_big", 1 << 20, 15},
		{"_aligned", 8, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, a := atomNamed(t, f, tt.name)
			if a.Definition != DefinitionTentative || a.ContentType != ContentZeroFill || a.Combine != CombineByName {
				t.Errorf("unexpected tentative atom %s: %s %s", a, a.Definition, a.Combine)
			}
			if a.Size != tt.size {
				t.Errorf("Expected size %d, got %d", tt.size, a.Size)
			}
			if a.Alignment.PowerOf2 != tt.align {
				t.Errorf("Expected alignment 2^%d, got %s", tt.align, a.Alignment)
			}
			if a.Section.SectionName != "__common" {
				t.Errorf("Expected __common section, got %s", a.Section)
			}
		})
	}

	_, abs := atomNamed(t, f, "_abs")
	if abs.Definition != DefinitionAbsolute || abs.Address != 0x1234 || abs.Scope != ScopeGlobal {
		t.Errorf("unexpected absolute atom %s", abs)
	}
}

func TestParseErrors(t *testing.T) {
	wrongArch := testOptions()
	wrongArch.Arch = macho.CpuArm64

	ppc := machotest.New(18)
	ppc.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Flags: codeFlags, Data: make([]byte, 4)})

	badType := machotest.New(machotest.CpuX86_64)
	badType.AddSection(machotest.Sect{Seg: "__DATA", Name: "__weird", Flags: 0x1f, Data: make([]byte, 4)})

	platform := machotest.New(machotest.CpuX86_64)
	platform.Platform, platform.Minos = 2, 0x000f0000
	platform.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Flags: codeFlags, Data: make([]byte, 4)})
	macOnly := testOptions()
	macOnly.Platforms = []PlatformVersion{{Platform: 1, MinOS: 0x000c0000}}

	tests := []struct {
		name        string
		data        []byte
		opts        *Options
		format      bool
		unsupported bool
	}{
		{name: "truncated", data: []byte{0xcf, 0xfa, 0xed}, format: true},
		{name: "wrong arch", data: x86_64BranchObject(), opts: wrongArch, format: true},
		{name: "unknown cpu", data: ppc.Build(), unsupported: true},
		{name: "unknown section type", data: badType.Build(), format: true},
		{name: "platform not linked", data: platform.Build(), opts: macOnly, format: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if opts == nil {
				opts = testOptions()
			}
			f, err := Parse("bad.o", tt.data, opts)
			if err == nil {
				t.Fatalf("Expected error, got %d atoms", len(f.Atoms))
			}
			if f != nil {
				t.Errorf("Expected nil file on error")
			}
			if IsFormatError(err) != tt.format || IsUnsupported(err) != tt.unsupported {
				t.Errorf("unexpected error class for %v", err)
			}
			if !strings.Contains(err.Error(), "bad.o") {
				t.Errorf("Expected path in error, got %q", err)
			}
		})
	}
}

func TestNewerMinOSIsWarning(t *testing.T) {
	b := machotest.New(machotest.CpuX86_64)
	b.Platform, b.Minos = 1, 0x000e0000
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Flags: codeFlags, Data: make([]byte, 4)})
	opts := testOptions()
	opts.Platforms = []PlatformVersion{{Platform: 1, MinOS: 0x000c0000}}
	f := mustParse(t, b.Build(), opts)
	if len(f.Warnings) != 1 || !strings.Contains(f.Warnings[0], "newer") {
		t.Errorf("Expected a newer version warning, got %v", f.Warnings)
	}
}

func TestIsObjectFile(t *testing.T) {
	data := x86_64BranchObject()
	tests := []struct {
		name      string
		data      []byte
		cpu       macho.Cpu
		subtype   uint32
		mustMatch bool
		want      bool
	}{
		{"match", data, macho.CpuAmd64, 0, false, true},
		{"other cpu", data, macho.CpuArm64, 0, false, false},
		{"subtype mismatch", data, macho.CpuAmd64, 8, true, false},
		{"subtype ignored", data, macho.CpuAmd64, 8, false, true},
		{"garbage", []byte("!<arch>\n"), macho.CpuAmd64, 0, false, false},
		{"empty", nil, macho.CpuAmd64, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsObjectFile(tt.data, tt.cpu, tt.subtype, tt.mustMatch); got != tt.want {
				t.Errorf("IsObjectFile() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestHasObjCCategories(t *testing.T) {
	withCat := machotest.New(machotest.CpuArm64)
	withCat.AddSection(machotest.Sect{Seg: "__DATA", Name: "__objc_catlist", Align: 3, Data: make([]byte, 8)})
	legacy := machotest.New(machotest.CpuX86)
	legacy.AddSection(machotest.Sect{Seg: "__OBJC", Name: "__category", Align: 2, Data: make([]byte, 28)})

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"catlist", withCat.Build(), true},
		{"legacy", legacy.Build(), true},
		{"none", x86_64BranchObject(), false},
		{"garbage", []byte{1, 2, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasObjCCategories(tt.data); got != tt.want {
				t.Errorf("HasObjCCategories() = %t, want %t", got, tt.want)
			}
		})
	}
}
