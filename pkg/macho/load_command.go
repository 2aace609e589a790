package macho

import "fmt"

// A LoadCmd is a Mach-O load command. Only the commands an MH_OBJECT can
// carry that the parser reads are named; everything else is skipped.
type LoadCmd uint32

const (
	LoadCmdSegment                LoadCmd = 0x1
	LoadCmdSymtab                 LoadCmd = 0x2
	LoadCmdDysymtab               LoadCmd = 0xb
	LoadCmdSegment64              LoadCmd = 0x19
	LoadCmdVersionMinMacosx       LoadCmd = 0x24
	LoadCmdVersionMinIphoneos     LoadCmd = 0x25
	LoadCmdDataInCode             LoadCmd = 0x29
	LoadCmdLinkerOption           LoadCmd = 0x2D
	LoadCmdLinkerOptimizationHint LoadCmd = 0x2E
	LoadCmdVersionMinTvos         LoadCmd = 0x2F
	LoadCmdVersionMinWatchos      LoadCmd = 0x30
	LoadCmdBuildVersion           LoadCmd = 0x32
)

var loadCmdNames = map[LoadCmd]string{
	LoadCmdSegment:                "LC_SEGMENT",
	LoadCmdSymtab:                 "LC_SYMTAB",
	LoadCmdDysymtab:               "LC_DYSYMTAB",
	LoadCmdSegment64:              "LC_SEGMENT_64",
	LoadCmdVersionMinMacosx:       "LC_VERSION_MIN_MACOSX",
	LoadCmdVersionMinIphoneos:     "LC_VERSION_MIN_IPHONEOS",
	LoadCmdDataInCode:             "LC_DATA_IN_CODE",
	LoadCmdLinkerOption:           "LC_LINKER_OPTION",
	LoadCmdLinkerOptimizationHint: "LC_LINKER_OPTIMIZATION_HINT",
	LoadCmdVersionMinTvos:         "LC_VERSION_MIN_TVOS",
	LoadCmdVersionMinWatchos:      "LC_VERSION_MIN_WATCHOS",
	LoadCmdBuildVersion:           "LC_BUILD_VERSION",
}

func (c LoadCmd) String() string {
	if s, ok := loadCmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("LC_%#x", uint32(c))
}

// platform numbers implied by the legacy LC_VERSION_MIN_* commands
var versionMinPlatforms = map[LoadCmd]uint32{
	LoadCmdVersionMinMacosx:   1, // PLATFORM_MACOS
	LoadCmdVersionMinIphoneos: 2, // PLATFORM_IOS
	LoadCmdVersionMinTvos:     3, // PLATFORM_TVOS
	LoadCmdVersionMinWatchos:  4, // PLATFORM_WATCHOS
}
