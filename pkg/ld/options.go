package ld

import (
	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/machobj/pkg/macho"
)

// PlatformVersion is an accepted platform and the newest minimum OS it accepts.
type PlatformVersion struct {
	Platform types.Platform
	MinOS    types.Version
}

// Options controls how one object file is parsed.
type Options struct {
	// Arch is the expected cpu type. Zero accepts whatever the header says.
	Arch    macho.Cpu
	SubType uint32
	// SubTypeMustMatch rejects objects whose cpu subtype differs from SubType.
	SubTypeMustMatch bool

	// Platforms, when non-empty, lists the platforms objects may be built for.
	Platforms []PlatformVersion

	TreatBitcodeAsData bool
	WarnStabs          bool

	// MaxDefaultCommonAlign caps the log2 alignment derived from a
	// tentative definition's size. Zero means 15.
	MaxDefaultCommonAlign uint8

	SupportsAuthenticatedPointers bool

	// ForceDwarf makes FDE-derived unwind info win over compact unwind.
	ForceDwarf bool
	// KeepDwarfUnwind keeps FDEs attached even when compact unwind covers the function.
	KeepDwarfUnwind bool

	Logger log.Interface
}

const defaultMaxCommonAlign = 15

func (o *Options) logger() log.Interface {
	if o.Logger == nil {
		return log.Log
	}
	return o.Logger
}

func (o *Options) maxCommonAlign() uint8 {
	if o.MaxDefaultCommonAlign == 0 {
		return defaultMaxCommonAlign
	}
	return o.MaxDefaultCommonAlign
}
