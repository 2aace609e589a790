package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	tests := []struct {
		name    string
		start   bool
		force   *bool
		enabled bool
	}{
		{name: "--color", start: true, force: &on, enabled: true},
		{name: "--no-color", start: false, force: &off, enabled: false},
		{name: "auto with tty", start: false, force: nil, enabled: true},
		{name: "auto when piped", start: true, force: nil, enabled: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if got := Enabled(); got != tt.enabled {
				t.Errorf("Enabled() = %t, want %t", got, tt.enabled)
			}
		})
	}
}

// dump output is grepped and diffed, so every role must degrade to plain text.
func TestPalette(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	palette := map[string]func() *color.Color{
		"path":    Path,
		"section": Section,
		"symbol":  Symbol,
		"anon":    Anon,
		"address": Address,
		"attr":    Attr,
		"kind":    Kind,
		"target":  Target,
		"warning": Warning,
		"error":   Error,
		"ok":      OK,
		"bold":    Bold,
		"faint":   Faint,
	}
	for role, c := range palette {
		color.NoColor = false
		if got := c().Sprint("_main"); !strings.Contains(got, "\x1b[") || !strings.Contains(got, "_main") {
			t.Errorf("%s: expected ANSI codes around text, got %q", role, got)
		}
		color.NoColor = true
		if got := c().Sprintf("%#x", 0x1000); got != "0x1000" {
			t.Errorf("%s: expected plain text with colors disabled, got %q", role, got)
		}
	}
}

func TestDiagnosticsDiffer(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = false

	w, e, ok := Warning().Sprint("x"), Error().Sprint("x"), OK().Sprint("x")
	if w == e || e == ok || w == ok {
		t.Errorf("expected distinct warning/error/ok styles, got %q %q %q", w, e, ok)
	}
	if Symbol().Sprint("_f") == Anon().Sprint("_f") {
		t.Error("expected labelled and anonymous atoms to render differently")
	}
}
