package atomdump

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/fatih/color"

	"github.com/blacktop/machobj/internal/machotest"
	"github.com/blacktop/machobj/pkg/ld"
	"github.com/blacktop/machobj/pkg/macho"
)

const (
	nSectExt  = 0x0f
	nUndefExt = 0x01
	codeFlags = 0x80000400

	x86_64RelocBranch = 2
)

// callObject is _main -> _helper -> _puts with an unreferenced _unused.
func callObject() []byte {
	b := machotest.New(machotest.CpuX86_64)
	text := make([]byte, 24)
	text[0], text[8] = 0xe8, 0xe8
	b.AddSection(machotest.Sect{Seg: "__TEXT", Name: "__text", Align: 4, Flags: codeFlags, Data: text})
	b.AddSymbol(machotest.Sym{Name: "_main", Type: nSectExt, Sect: 1, Value: 0})
	helper := b.AddSymbol(machotest.Sym{Name: "_helper", Type: nSectExt, Sect: 1, Value: 8})
	b.AddSymbol(machotest.Sym{Name: "_unused", Type: nSectExt, Sect: 1, Value: 16})
	puts := b.AddSymbol(machotest.Sym{Name: "_puts", Type: nUndefExt})
	b.AddReloc(1, machotest.Plain(1, helper, true, 2, true, x86_64RelocBranch))
	b.AddReloc(1, machotest.Plain(9, puts, true, 2, true, x86_64RelocBranch))
	return b.Build()
}

func testOptions() *ld.Options {
	return &ld.Options{Logger: &log.Logger{Handler: discard.New(), Level: log.DebugLevel}}
}

func parseCallObject(t *testing.T) *ld.ObjectFile {
	t.Helper()
	f, err := ld.Parse("call.o", callObject(), testOptions())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return f
}

func noColor(t *testing.T) {
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func TestDump(t *testing.T) {
	noColor(t)
	f := parseCallObject(t)

	tests := []struct {
		name    string
		conf    *Config
		want    []string
		notWant []string
	}{
		{
			name: "everything",
			conf: nil,
			want: []string{"call.o: x86_64 3 atoms", "__TEXT,__text", "_main", "_helper", "_unused",
				"set-target-address by-name _puts", "x86-branch-pcrel32", "scope: global"},
		},
		{
			name:    "one symbol",
			conf:    &Config{Symbol: "_helper", Fixups: true},
			want:    []string{"_helper", "_puts"},
			notWant: []string{"_unused", "  _main"},
		},
		{
			name:    "no fixups",
			conf:    &Config{},
			want:    []string{"_main"},
			notWant: []string{"fixups:"},
		},
		{
			name:    "other section",
			conf:    &Config{Section: "__DATA,__data"},
			notWant: []string{"__TEXT,__text"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Dump(&buf, f, tt.conf); err != nil {
				t.Fatalf("Dump() error = %v", err)
			}
			out := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("Expected output to contain %q, got:\n%s", s, out)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(out, s) {
					t.Errorf("Expected output without %q, got:\n%s", s, out)
				}
			}
		})
	}
}

func TestFormatFixup(t *testing.T) {
	noColor(t)
	fx := &ld.Fixup{
		Offset: 0x10, Kind: ld.KindSetTargetAddress, ClusterIndex: 0, ClusterSize: 3,
		Binding: ld.BindingDirect, Target: 4, Name: "_x",
	}
	if got, want := FormatFixup(fx), "0x10 [0/3] set-target-address direct #4 _x"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	fx = &ld.Fixup{Offset: 0x10, Kind: ld.KindSubtractAddend, ClusterIndex: 1, ClusterSize: 3, Addend: 8, Target: ld.NoAtom}
	if got, want := FormatFixup(fx), "0x10 [1/3] subtract-addend 0x8"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestRefGraph(t *testing.T) {
	f := parseCallObject(t)
	g, err := NewRefGraph(f)
	if err != nil {
		t.Fatalf("NewRefGraph() error = %v", err)
	}

	undef, err := g.Undefined()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(undef, []string{"_puts"}) {
		t.Errorf("Expected [_puts] undefined, got %v", undef)
	}

	live, err := g.Reachable("_main")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(live, []ld.AtomID{0, 1}) {
		t.Errorf("Expected _main and _helper reachable, got %v", live)
	}

	dead, err := g.Dead("_main")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dead, []ld.AtomID{2}) {
		t.Errorf("Expected _unused dead, got %v", dead)
	}

	if _, err := g.Reachable("_missing"); err == nil {
		t.Error("Expected error for unknown root")
	}

	var buf bytes.Buffer
	if err := g.WriteDOT(&buf); err != nil {
		t.Fatalf("WriteDOT() error = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "digraph") || !strings.Contains(out, "_helper") {
		t.Errorf("Expected a digraph naming _helper, got:\n%s", out)
	}
}

func TestCheck(t *testing.T) {
	data := callObject()

	tests := []struct {
		name       string
		data       []byte
		opts       *ld.Options
		wantObject bool
		wantErr    bool
	}{
		{name: "header cpu", data: data, opts: testOptions(), wantObject: true},
		{name: "matching arch", data: data, opts: &ld.Options{Arch: macho.CpuAmd64, Logger: testOptions().Logger}, wantObject: true},
		{name: "wrong arch", data: data, opts: &ld.Options{Arch: macho.CpuArm64}},
		{name: "not mach-o", data: []byte("not a mach-o file at all, just text"), opts: testOptions(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Check("x.o", tt.data, tt.opts)
			if r.Object != tt.wantObject {
				t.Errorf("Expected object %v, got %v", tt.wantObject, r.Object)
			}
			if (r.Err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", r.Err, tt.wantErr)
			}
			if r.Failed() == (tt.wantObject && !tt.wantErr) {
				t.Errorf("Expected Failed() %v", !r.Failed())
			}
			if tt.wantObject && r.Atoms != 3 {
				t.Errorf("Expected 3 atoms, got %d", r.Atoms)
			}
		})
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.o")
	bad := filepath.Join(dir, "bad.o")
	if err := os.WriteFile(good, callObject(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("garbage garbage garbage garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var done int
	reports, err := CheckFiles(context.Background(), []string{good, bad}, testOptions(), 2, func(*Report) {
		mu.Lock()
		done++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("CheckFiles() error = %v", err)
	}
	if len(reports) != 2 || reports[0].Path != good || reports[1].Path != bad {
		t.Fatalf("Expected reports in argument order, got %v", reports)
	}
	if done != 2 {
		t.Errorf("Expected 2 completion callbacks, got %d", done)
	}
	if reports[0].Failed() || !reports[1].Failed() {
		t.Errorf("Expected good to pass and bad to fail, got %v and %v", reports[0].Failed(), reports[1].Failed())
	}

	if _, err := CheckFiles(context.Background(), []string{filepath.Join(dir, "missing.o")}, testOptions(), 0, nil); err == nil {
		t.Error("Expected error for a missing file")
	}

	files, err := OpenFiles(context.Background(), []string{good, good}, testOptions(), 1)
	if err != nil {
		t.Fatalf("OpenFiles() error = %v", err)
	}
	if len(files) != 2 || len(files[0].Atoms) != 3 {
		t.Fatalf("Expected two parsed files with 3 atoms, got %d files", len(files))
	}
	if files[0] != files[1] {
		t.Error("Expected a repeated path to reuse the cached parse")
	}
	if _, err := OpenFiles(context.Background(), []string{good, bad}, testOptions(), 0); err == nil {
		t.Error("Expected OpenFiles to fail on a bad file")
	}
}

func TestLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.o")
	if err := os.WriteFile(path, callObject(), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := NewLoader(testOptions(), 4)
	if err != nil {
		t.Fatal(err)
	}
	first, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := l.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || l.Len() != 1 {
		t.Errorf("Expected one cached parse, got %d entries", l.Len())
	}

	// trailing padding changes the content hash but not the parse
	data := append(callObject(), 0, 0, 0, 0)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	third, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if third == first || l.Len() != 2 {
		t.Errorf("Expected a fresh parse after the file changed, got %d entries", l.Len())
	}
}
