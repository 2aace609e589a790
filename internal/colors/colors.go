// Package colors provides the color palette used by atomdump output.
//
// Colors are automatically disabled when stdout is not a terminal (piped or
// redirected to a file). Use Init() to override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting.
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on (--color)
//   - forceColor == false: force colors off (--no-color)
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

// Path is the object file heading.
func Path() *color.Color { return color.New(color.Bold, color.FgHiWhite) }

// Section is a segment,section heading.
func Section() *color.Color { return color.New(color.Bold, color.FgHiBlue) }

// Symbol is a defined atom name.
func Symbol() *color.Color { return color.New(color.Bold, color.FgHiCyan) }

// Anon is an atom without a label.
func Anon() *color.Color { return color.New(color.Italic, color.Faint, color.FgWhite) }

// Address is an address, offset or size.
func Address() *color.Color { return color.New(color.FgMagenta) }

// Attr is an atom attribute value such as scope or combine.
func Attr() *color.Color { return color.New(color.FgGreen) }

// Kind is a fixup step kind.
func Kind() *color.Color { return color.New(color.FgYellow) }

// Target is a fixup target name.
func Target() *color.Color { return color.New(color.FgHiCyan) }

// Warning is a recoverable parse diagnostic.
func Warning() *color.Color { return color.New(color.Bold, color.FgHiYellow) }

// Error is a fatal parse diagnostic.
func Error() *color.Color { return color.New(color.Bold, color.FgHiRed) }

// OK marks a passing check.
func OK() *color.Color { return color.New(color.Bold, color.FgHiGreen) }
