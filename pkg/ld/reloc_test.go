package ld

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/machobj/internal/machotest"
)

type step struct {
	kind   FixupKind
	name   string
	addend int64
	store  StoreKind
}

func checkSteps(t *testing.T, got []Fixup, want []step) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d steps, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		g := got[i]
		if g.Kind != w.kind || (w.name != "" && g.Name != w.name) || g.Addend != w.addend || g.Store != w.store {
			t.Errorf("step %d: Expected %s %q %d %s, got %v", i, w.kind, w.name, w.addend, w.store, g)
		}
	}
}

func dataObject(cpu uint32, data []byte, relocs ...machotest.Reloc) *machotest.Builder {
	b := machotest.New(cpu)
	b.AddSection(machotest.Sect{Seg: "__DATA", Name: "__data", Align: 3, Data: data, Relocs: relocs})
	return b
}

func TestX86_64Subtractor(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[8:], 4)
	b := dataObject(machotest.CpuX86_64, data)
	a := b.AddSymbol(machotest.Sym{Name: "_a", Type: nSectLoc, Sect: 1})
	bb := b.AddSymbol(machotest.Sym{Name: "_b", Type: nSectLoc, Sect: 1, Value: 8})
	b.AddReloc(1, machotest.Plain(8, bb, false, 3, true, x86_64RelocSubtractor))
	b.AddReloc(1, machotest.Plain(8, a, false, 3, true, x86_64RelocUnsigned))
	f := mustParse(t, b.Build(), nil)

	aID, _ := atomNamed(t, f, "_a")
	bID, batom := atomNamed(t, f, "_b")
	cs := clusters(batom.Fixups())
	if len(cs) != 1 {
		t.Fatalf("Expected one cluster for the reloc pair, got %d", len(cs))
	}
	checkSteps(t, cs[0], []step{
		{kind: KindSetTargetAddress, name: "_a"},
		{kind: KindAddAddend, addend: 4},
		{kind: KindSubtractTargetAddress, name: "_b"},
		{kind: KindStore, store: StoreLE64},
	})
	if cs[0][0].Binding != BindingDirect || cs[0][0].Target != aID || cs[0][2].Target != bID {
		t.Errorf("Expected direct bindings to local labels, got %v", cs[0])
	}
}

func TestX86_64SubtractorErrors(t *testing.T) {
	tests := []struct {
		name   string
		relocs func(a, b uint32) []machotest.Reloc
	}{
		{"alone", func(a, b uint32) []machotest.Reloc {
			return []machotest.Reloc{machotest.Plain(8, b, false, 3, true, x86_64RelocSubtractor)}
		}},
		{"followed by branch", func(a, b uint32) []machotest.Reloc {
			return []machotest.Reloc{
				machotest.Plain(8, b, false, 3, true, x86_64RelocSubtractor),
				machotest.Plain(8, a, true, 2, true, x86_64RelocBranch),
			}
		}},
		{"length mismatch", func(a, b uint32) []machotest.Reloc {
			return []machotest.Reloc{
				machotest.Plain(8, b, false, 3, true, x86_64RelocSubtractor),
				machotest.Plain(8, a, false, 2, true, x86_64RelocUnsigned),
			}
		}},
		{"not extern", func(a, b uint32) []machotest.Reloc {
			return []machotest.Reloc{
				machotest.Plain(8, 1, false, 3, false, x86_64RelocSubtractor),
				machotest.Plain(8, a, false, 3, true, x86_64RelocUnsigned),
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := dataObject(machotest.CpuX86_64, make([]byte, 16))
			a := b.AddSymbol(machotest.Sym{Name: "_a", Type: nSectLoc, Sect: 1})
			bb := b.AddSymbol(machotest.Sym{Name: "_b", Type: nSectLoc, Sect: 1, Value: 8})
			for _, r := range tt.relocs(a, bb) {
				b.AddReloc(1, r)
			}
			_, err := Parse("sub.o", b.Build(), testOptions())
			if !IsFormatError(err) {
				t.Errorf("Expected format error, got %v", err)
			}
		})
	}
}

func TestX86_64Relocs(t *testing.T) {
	tests := []struct {
		name    string
		typ     uint8
		pcrel   bool
		length  uint8
		content uint32
		want    []step
	}{
		{"signed", x86_64RelocSigned, true, 2, 0, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindStore, store: StoreX86PCRel32},
		}},
		{"signed with addend", x86_64RelocSigned, true, 2, 8, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindAddAddend, addend: 8},
			{kind: KindStore, store: StoreX86PCRel32},
		}},
		{"signed_4", x86_64RelocSigned4, true, 2, 0, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindAddAddend, addend: 4},
			{kind: KindStore, store: StoreX86PCRel32_4},
		}},
		{"negative addend", x86_64RelocSigned, true, 2, 0xfffffffc, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindSubtractAddend, addend: 4},
			{kind: KindStore, store: StoreX86PCRel32},
		}},
		{"got load", x86_64RelocGOTLoad, true, 2, 0, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindStore, store: StoreX86PCRel32GOTLoad},
		}},
		{"tlv", x86_64RelocTLV, true, 2, 0, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindStore, store: StoreX86PCRel32TLVLoad},
		}},
		{"pointer", x86_64RelocUnsigned, false, 3, 0, []step{
			{kind: KindStoreTargetAddress, name: "_x", store: StoreLE64},
		}},
		{"pointer with addend", x86_64RelocUnsigned, false, 3, 16, []step{
			{kind: KindSetTargetAddress, name: "_x"},
			{kind: KindAddAddend, addend: 16},
			{kind: KindStore, store: StoreLE64},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := make([]byte, 16)
			binary.LittleEndian.PutUint32(text[4:], tt.content)
			b := machotest.New(machotest.CpuX86_64)
			b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: text})
			b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
			x := b.AddSymbol(machotest.Sym{Name: "_x", Type: nUndefExt})
			b.AddReloc(1, machotest.Plain(4, x, tt.pcrel, tt.length, true, tt.typ))
			f := mustParse(t, b.Build(), nil)

			_, fn := atomNamed(t, f, "_f")
			got := fn.Fixups()
			checkSteps(t, got, tt.want)
			if got[0].Offset != 4 || got[0].Binding != BindingByName {
				t.Errorf("Expected by-name binding at 4, got %v", got[0])
			}
		})
	}
}

func TestX86_64RelocErrors(t *testing.T) {
	tests := []struct {
		name        string
		reloc       machotest.Reloc
		unsupported bool
	}{
		{name: "pc-relative unsigned", reloc: machotest.Plain(4, 1, true, 2, true, x86_64RelocUnsigned)},
		{name: "non-extern got", reloc: machotest.Plain(4, 1, true, 2, false, x86_64RelocGOT)},
		{name: "past section end", reloc: machotest.Plain(14, 1, false, 3, true, x86_64RelocUnsigned)},
		{name: "bad symbol", reloc: machotest.Plain(4, 99, true, 2, true, x86_64RelocBranch)},
		{name: "unknown type", reloc: machotest.Plain(4, 1, false, 2, true, 15), unsupported: true},
		{name: "branch wrong length", reloc: machotest.Plain(4, 1, true, 1, true, x86_64RelocBranch), unsupported: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := machotest.New(machotest.CpuX86_64)
			b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: make([]byte, 16)})
			b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
			b.AddSymbol(machotest.Sym{Name: "_x", Type: nUndefExt})
			b.AddReloc(1, tt.reloc)
			_, err := Parse("bad.o", b.Build(), testOptions())
			if err == nil {
				t.Fatal("Expected an error")
			}
			if IsUnsupported(err) != tt.unsupported || IsFormatError(err) == tt.unsupported {
				t.Errorf("unexpected error class for %v", err)
			}
		})
	}
}

func TestDtraceCallSite(t *testing.T) {
	text := make([]byte, 16)
	text[4] = 0xe8
	b := machotest.New(machotest.CpuX86_64)
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: text})
	b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
	stub := b.AddSymbol(machotest.Sym{Name: "___dtrace_probe$myprov$fire$v1", Type: nUndefExt})
	b.AddSymbol(machotest.Sym{Name: "___dtrace_stability$myprov$v1$1_1_0", Type: nUndefExt})
	b.AddSymbol(machotest.Sym{Name: "___dtrace_stability$other$v1$1_1_0", Type: nUndefExt})
	b.AddReloc(1, machotest.Plain(5, stub, true, 2, true, x86_64RelocBranch))
	f := mustParse(t, b.Build(), nil)

	_, fn := atomNamed(t, f, "_f")
	cs := clusters(fn.Fixups())
	if len(cs) != 2 {
		t.Fatalf("Expected store plus one provider cluster, got %v", fn.Fixups())
	}
	checkSteps(t, cs[0], []step{{kind: KindStore, name: "___dtrace_probe$myprov$fire$v1", store: StoreX86DtraceCallSiteNop}})
	checkSteps(t, cs[1], []step{{kind: KindDtraceExtra, name: "___dtrace_stability$myprov$v1$1_1_0"}})
}

func TestARM64PageRelocs(t *testing.T) {
	text := make([]byte, 12)
	le := binary.LittleEndian
	le.PutUint32(text[0:], 0x90000000) // adrp x0, _x@PAGE
	le.PutUint32(text[4:], 0xF9400000) // ldr x0, [x0, _x@PAGEOFF]
	le.PutUint32(text[8:], 0x91000000) // add x0, x0, _x@PAGEOFF+16
	b := machotest.New(machotest.CpuArm64)
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 2, Flags: codeFlags, Data: text})
	b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
	x := b.AddSymbol(machotest.Sym{Name: "_x", Type: nUndefExt})
	b.AddReloc(1, machotest.Plain(0, x, true, 2, true, arm64RelocPage21))
	b.AddReloc(1, machotest.Plain(4, x, false, 2, true, arm64RelocPageOff12))
	b.AddReloc(1, machotest.Plain(8, 16, false, 2, false, arm64RelocAddend))
	b.AddReloc(1, machotest.Plain(8, x, false, 2, true, arm64RelocPageOff12))
	f := mustParse(t, b.Build(), nil)

	_, fn := atomNamed(t, f, "_f")
	cs := clusters(fn.Fixups())
	if len(cs) != 3 {
		t.Fatalf("Expected 3 clusters, got %d", len(cs))
	}
	checkSteps(t, cs[0], []step{{kind: KindSetTargetAddress, name: "_x"}, {kind: KindStore, store: StoreARM64Page21}})
	checkSteps(t, cs[1], []step{{kind: KindSetTargetAddress, name: "_x"}, {kind: KindStore, store: StoreARM64PageOff12}})
	checkSteps(t, cs[2], []step{{kind: KindSetTargetAddress, name: "_x"}, {kind: KindAddAddend, addend: 16}, {kind: KindStore, store: StoreARM64PageOff12}})
	if cs[1][1].Scale != 3 {
		t.Errorf("Expected ldr x scale 3, got %d", cs[1][1].Scale)
	}
	if cs[2][2].Scale != 0 {
		t.Errorf("Expected add scale 0, got %d", cs[2][2].Scale)
	}
}

func TestARM64AuthenticatedPointer(t *testing.T) {
	signed := uint64(1)<<63 | uint64(2)<<49 | uint64(1)<<48 | uint64(0x1234)<<32
	tests := []struct {
		name        string
		content     uint64
		supported   bool
		format      bool
		unsupported bool
	}{
		{name: "signed", content: signed, supported: true},
		{name: "target without pointer auth", content: signed, unsupported: true},
		{name: "missing auth bit", content: signed &^ (1 << 63), supported: true, format: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 8)
			binary.LittleEndian.PutUint64(data, tt.content)
			b := dataObject(machotest.CpuArm64, data)
			b.AddSymbol(machotest.Sym{Name: "_p", Type: nSectExt, Sect: 1})
			x := b.AddSymbol(machotest.Sym{Name: "_x", Type: nUndefExt})
			b.AddReloc(1, machotest.Plain(0, x, false, 3, true, arm64RelocAuthenticatedPtr))
			opts := testOptions()
			opts.SupportsAuthenticatedPointers = tt.supported

			f, err := Parse("auth.o", b.Build(), opts)
			if tt.format || tt.unsupported {
				if IsFormatError(err) != tt.format || IsUnsupported(err) != tt.unsupported {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			_, p := atomNamed(t, f, "_p")
			got := p.Fixups()
			checkSteps(t, got, []step{
				{kind: KindSetAuthData},
				{kind: KindSetTargetAddress, name: "_x"},
				{kind: KindStore, store: StoreLE64Auth},
			})
			want := AuthData{Discriminator: 0x1234, AddressDiversity: true, Key: 2}
			if got[0].Auth != want {
				t.Errorf("Expected %s, got %s", want, got[0].Auth)
			}
		})
	}
}

func TestI386SectDiff(t *testing.T) {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[8:], 4)
	b := machotest.New(machotest.CpuX86)
	_, base := b.AddSection(machotest.Sect{Seg: "__DATA", Name: "__data", Align: 2, Data: data})
	b.AddSymbol(machotest.Sym{Name: "_a", Type: nSectLoc, Sect: 1, Value: base})
	b.AddSymbol(machotest.Sym{Name: "_b", Type: nSectLoc, Sect: 1, Value: base + 4})
	b.AddReloc(1, machotest.Scattered(8, x86RelocSectDiff, 2, false, uint32(base+4)))
	b.AddReloc(1, machotest.Scattered(0, x86RelocPair, 2, false, uint32(base)))
	f := mustParse(t, b.Build(), nil)

	aID, _ := atomNamed(t, f, "_a")
	bID, batom := atomNamed(t, f, "_b")
	cs := clusters(batom.Fixups())
	if len(cs) != 1 {
		t.Fatalf("Expected one cluster for SECTDIFF+PAIR, got %d", len(cs))
	}
	checkSteps(t, cs[0], []step{
		{kind: KindSetTargetAddress},
		{kind: KindSubtractTargetAddress},
		{kind: KindStore, store: StoreLE32},
	})
	if cs[0][0].Target != bID || cs[0][1].Target != aID || cs[0][0].Offset != 4 {
		t.Errorf("unexpected cluster %v", cs[0])
	}
}

func TestLonePairIsFormatError(t *testing.T) {
	for _, cpu := range []uint32{machotest.CpuX86, machotest.CpuArm} {
		b := dataObject(cpu, make([]byte, 8), machotest.Plain(0, 0, false, 2, false, 1))
		if _, err := Parse("pair.o", b.Build(), testOptions()); !IsFormatError(err) {
			t.Errorf("cpu %#x: Expected format error, got %v", cpu, err)
		}
	}
}

func TestARMRelocs(t *testing.T) {
	le := binary.LittleEndian
	text := make([]byte, 12)
	le.PutUint32(text[0:], 0xEBFFFFFE) // bl _g
	le.PutUint32(text[4:], 0xE3000000) // movw r0, #:lower16:_g
	b := machotest.New(machotest.CpuArm)
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 2, Flags: codeFlags, Data: text})
	data := make([]byte, 4)
	_, dataAddr := b.AddSection(machotest.Sect{Seg: "__DATA", Name: "__data", Align: 2, Data: data})
	b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
	b.AddSymbol(machotest.Sym{Name: "_t", Type: nSectExt, Sect: 1, Value: 8, Desc: 0x0008})
	b.AddSymbol(machotest.Sym{Name: "_ptr", Type: nSectExt, Sect: 2, Value: dataAddr})
	g := b.AddSymbol(machotest.Sym{Name: "_g", Type: nUndefExt})
	b.AddReloc(1, machotest.Plain(0, g, true, 2, true, armRelocBR24))
	b.AddReloc(1, machotest.Plain(4, g, false, 0, true, armRelocHalf))
	b.AddReloc(1, machotest.Plain(0, 0xffffff, false, 0, false, armRelocPair))
	le.PutUint32(data, 9) // _t | 1
	b.AddReloc(2, machotest.Plain(0, 1, false, 2, false, armRelocVanilla))
	f := mustParse(t, b.Build(), nil)

	_, fn := atomNamed(t, f, "_f")
	cs := clusters(fn.Fixups())
	if len(cs) != 2 {
		t.Fatalf("Expected 2 clusters, got %v", fn.Fixups())
	}
	checkSteps(t, cs[0], []step{{kind: KindSetTargetAddress, name: "_g"}, {kind: KindStore, store: StoreARMBranch24}})
	checkSteps(t, cs[1], []step{{kind: KindSetTargetAddress, name: "_g"}, {kind: KindStore, store: StoreARMLow16}})

	_, tf := atomNamed(t, f, "_t")
	if !tf.Thumb {
		t.Errorf("Expected _t to be thumb")
	}
	_, ptr := atomNamed(t, f, "_ptr")
	checkSteps(t, ptr.Fixups(), []step{{kind: KindStoreTargetAddress, name: "_t", store: StoreLE32}})
}

func TestARMAlignment(t *testing.T) {
	le := binary.LittleEndian
	// ldr x0, [x0, _v@PAGEOFF] against a __data label at offset v
	arm64Load := func(v uint64) []byte {
		text := make([]byte, 4)
		le.PutUint32(text, 0xF9400000)
		b := machotest.New(machotest.CpuArm64)
		b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 2, Flags: codeFlags, Data: text})
		_, dataAddr := b.AddSection(machotest.Sect{Seg: "__DATA", Name: "__data", Align: 3, Data: make([]byte, 16)})
		b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
		b.AddSymbol(machotest.Sym{Name: "_d", Type: nSectExt, Sect: 2, Value: dataAddr})
		sym := b.AddSymbol(machotest.Sym{Name: "_v", Type: nSectExt, Sect: 2, Value: dataAddr + v})
		b.AddReloc(1, machotest.Plain(0, sym, false, 2, true, arm64RelocPageOff12))
		return b.Build()
	}
	// bl _g where _g is arm code at offset g
	armBranch := func(g uint64) []byte {
		text := make([]byte, 16)
		le.PutUint32(text, 0xEBFFFFFE)
		b := machotest.New(machotest.CpuArm)
		b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 2, Flags: codeFlags, Data: text})
		b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
		sym := b.AddSymbol(machotest.Sym{Name: "_g", Type: nSectExt, Sect: 1, Value: g})
		b.AddReloc(1, machotest.Plain(0, sym, true, 2, true, armRelocBR24))
		return b.Build()
	}
	localBranch := func() []byte {
		text := make([]byte, 8)
		le.PutUint32(text, 0x94000001) // bl .+4
		b := machotest.New(machotest.CpuArm64)
		b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 2, Flags: codeFlags, Data: text})
		b.AddSymbol(machotest.Sym{Name: "_f", Type: nSectExt, Sect: 1})
		b.AddReloc(1, machotest.Plain(0, 1, true, 2, false, arm64RelocBranch26))
		return b.Build()
	}

	tests := []struct {
		name     string
		data     []byte
		wantWarn bool
		wantErr  bool
	}{
		{name: "aligned 8-byte load", data: arm64Load(8)},
		{name: "misaligned 8-byte load", data: arm64Load(4), wantWarn: true},
		{name: "aligned arm branch", data: armBranch(8)},
		{name: "misaligned arm branch", data: armBranch(6), wantWarn: true},
		{name: "non-extern arm64 branch", data: localBranch(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse("align.o", tt.data, testOptions())
			if tt.wantErr {
				if !IsFormatError(err) {
					t.Errorf("Expected format error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			checkClusters(t, f)
			if got := len(f.Warnings) == 1; got != tt.wantWarn {
				t.Errorf("Expected alignment warning %t, got %v", tt.wantWarn, f.Warnings)
			}
		})
	}
}

func TestScatteredRelocArch(t *testing.T) {
	tests := []struct {
		cpu     uint32
		wantErr bool
	}{
		{cpu: machotest.CpuX86, wantErr: false},
		{cpu: machotest.CpuArm, wantErr: false},
		{cpu: machotest.CpuArm6432, wantErr: true},
	}
	for _, tt := range tests {
		b := machotest.New(tt.cpu)
		_, base := b.AddSection(machotest.Sect{Seg: "__DATA", Name: "__data", Align: 2, Data: make([]byte, 8)})
		b.AddSymbol(machotest.Sym{Name: "_a", Type: nSectLoc, Sect: 1, Value: base})
		b.AddSymbol(machotest.Sym{Name: "_b", Type: nSectLoc, Sect: 1, Value: base + 4})
		b.AddReloc(1, machotest.Scattered(0, 0, 2, false, uint32(base+4)))
		_, err := Parse("scattered.o", b.Build(), testOptions())
		if got := IsFormatError(err); got != tt.wantErr {
			t.Errorf("cpu %#x: expected format error %t, got %v", tt.cpu, tt.wantErr, err)
		}
	}
}
