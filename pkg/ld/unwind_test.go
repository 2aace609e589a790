package ld

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/internal/machotest"
)

const (
	x86RBPFrame = 0x01000000
	x86Dwarf    = 0x04000000
)

// cfiObject is an x86_64 object with one function _foo described by an
// FDE and, when cuEncoding is non-zero, by a compact unwind entry.
func cfiObject(cuEncoding uint32) []byte {
	le := binary.LittleEndian
	b := machotest.New(machotest.CpuX86_64)
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: make([]byte, 16)})
	b.AddSymbol(machotest.Sym{Name: "_foo", Type: nSectExt, Sect: 1})

	eh := make([]byte, 56)
	// CIE: version 1, "zR", code align 1, data align -8, ra 16, pcrel FDE pointers
	le.PutUint32(eh[0:], 20)
	copy(eh[8:], []byte{1, 'z', 'R', 0, 0x01, 0x78, 0x10, 0x01, 0x10})
	// FDE for [0, 16)
	_, ehAddr := b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__eh_frame", Align: 3, Flags: 0x6800000b, Data: eh})
	le.PutUint32(eh[24:], 28)
	le.PutUint32(eh[28:], 28)
	le.PutUint64(eh[32:], uint64(-int64(ehAddr+32)))
	le.PutUint64(eh[40:], 16)

	if cuEncoding != 0 {
		cu := make([]byte, 32)
		le.PutUint32(cu[8:], 16)
		le.PutUint32(cu[12:], cuEncoding)
		n, _ := b.AddSection(machotest.Sect{Seg: "__LD", Name: "__compact_unwind", Align: 3, Flags: 0x02000000, Data: cu})
		b.AddReloc(n, machotest.Plain(0, 1, false, 3, false, 0))
	}
	return b.Build()
}

func hasFDE(a *Atom) (AtomID, bool) {
	for _, fx := range a.Fixups() {
		if fx.Kind == KindNoneGroupSubordinateFDE {
			return fx.Target, true
		}
	}
	return NoAtom, false
}

func TestUnwindPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		cuEncoding uint32
		forceDwarf bool
		keepDwarf  bool
		want       uint32
		wantFDE    bool
	}{
		{name: "compact unwind wins", cuEncoding: x86RBPFrame, want: x86RBPFrame},
		{name: "force dwarf", cuEncoding: x86RBPFrame, forceDwarf: true, want: x86Dwarf, wantFDE: true},
		{name: "keep dwarf unwind", cuEncoding: x86RBPFrame, keepDwarf: true, want: x86RBPFrame, wantFDE: true},
		{name: "compact unwind defers to dwarf", cuEncoding: x86Dwarf, want: x86Dwarf, wantFDE: true},
		{name: "fde only", want: x86Dwarf, wantFDE: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.ForceDwarf, opts.KeepDwarfUnwind = tt.forceDwarf, tt.keepDwarf
			f := mustParse(t, cfiObject(tt.cuEncoding), opts)

			_, foo := atomNamed(t, f, "_foo")
			if foo.Size != 16 {
				t.Errorf("Expected _foo size 16, got %d", foo.Size)
			}
			unwind := foo.UnwindInfo()
			if len(unwind) != 1 || unwind[0].StartOffset != 0 || unwind[0].Encoding != tt.want {
				t.Errorf("Expected encoding %#x at 0, got %v", tt.want, unwind)
			}
			fdeID, _ := atomNamed(t, f, "FDE for: _foo")
			got, ok := hasFDE(foo)
			if ok != tt.wantFDE {
				t.Errorf("Expected FDE attached=%t, got %t", tt.wantFDE, ok)
			}
			if ok && got != fdeID {
				t.Errorf("Expected FDE subordinate %d, got %d", fdeID, got)
			}
		})
	}
}

func TestCFIFixups(t *testing.T) {
	f := mustParse(t, cfiObject(0), nil)
	cieID, _ := atomNamed(t, f, "CIE")
	fdeID, fde := atomNamed(t, f, "FDE for: _foo")
	if fde.Size != 32 {
		t.Errorf("Expected FDE size 32, got %d", fde.Size)
	}
	cs := clusters(fde.Fixups())
	if len(cs) != 2 {
		t.Fatalf("Expected 2 clusters, got %d: %v", len(cs), fde.Fixups())
	}

	cie := cs[0]
	if len(cie) != 4 || cie[0].Offset != 4 {
		t.Fatalf("unexpected CIE pointer cluster %v", cie)
	}
	if cie[0].Target != fdeID || cie[1].Kind != KindAddAddend || cie[1].Addend != 4 ||
		cie[2].Kind != KindSubtractTargetAddress || cie[2].Target != cieID || cie[3].Store != StoreLE32 {
		t.Errorf("unexpected CIE pointer cluster %v", cie)
	}

	fn := cs[1]
	if len(fn) != 4 || fn[0].Offset != 8 {
		t.Fatalf("unexpected function pointer cluster %v", fn)
	}
	if fn[0].Name != "_foo" || fn[1].Target != fdeID || fn[2].Kind != KindSubtractAddend || fn[2].Addend != 8 || fn[3].Store != StoreLE64 {
		t.Errorf("unexpected function pointer cluster %v", fn)
	}
}

func TestParseCFIRejectsUnknownCIE(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], 12)
	binary.LittleEndian.PutUint32(buf[4:], 0x100)
	if _, err := parseCFI(buf, 0, 8, binary.LittleEndian, nil); err == nil {
		t.Errorf("Expected error for FDE with unknown CIE")
	}
}

// ehRecord prefixes body with its 32-bit length.
func ehRecord(body ...byte) []byte {
	return append(binary.LittleEndian.AppendUint32(nil, uint32(len(body))), body...)
}

func TestParseCFITruncatedRecords(t *testing.T) {
	trailer := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// "zR" CIE with pcrel sdata4 FDE pointers, padded with DW_CFA_nop
	cie := ehRecord(0, 0, 0, 0, 1, 'z', 'R', 0, 0x01, 0x78, 0x10, 0x01, 0x1b, 0, 0, 0)

	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "FDE without pc range", buf: append(append(slices.Clone(cie), ehRecord(24, 0, 0, 0, 0, 0, 0, 0)...), trailer...)},
		{name: "FDE without augmentation length", buf: append(append(slices.Clone(cie), ehRecord(24, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0)...), trailer...)},
		{name: "record without id", buf: append(ehRecord(0, 0), trailer...)},
		{name: "unterminated augmentation", buf: append(ehRecord(0, 0, 0, 0, 1, 'z', 'R', 'x'), trailer...)},
		{name: "personality past end", buf: append(ehRecord(0, 0, 0, 0, 1, 'z', 'P', 0, 0x01, 0x78, 0x10, 0x09, 0x00), trailer...)},
		{name: "version 1 without return register", buf: append(ehRecord(0, 0, 0, 0, 1, 'z', 0, 0x01, 0x78), trailer...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCFI(tt.buf, 0, 8, binary.LittleEndian, nil); err == nil {
				t.Errorf("Expected error for truncated __eh_frame record")
			}
		})
	}
}

func TestCIEReturnAddressRegister(t *testing.T) {
	data := cfiObject(0)
	i := bytes.Index(data, []byte{1, 'z', 'R', 0, 0x01, 0x78, 0x10})
	if i < 0 {
		t.Fatal("CIE not found in fixture")
	}
	if f := mustParse(t, data, nil); len(f.Warnings) != 0 {
		t.Fatalf("Expected no warnings for rip, got %v", f.Warnings)
	}
	data[i+6] = 0x1e // lr
	f := mustParse(t, data, nil)
	if len(f.Warnings) != 1 {
		t.Errorf("Expected one return address register warning, got %v", f.Warnings)
	}
}
