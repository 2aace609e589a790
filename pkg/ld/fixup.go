package ld

import (
	"fmt"
	"strings"
)

// FixupKind is the operation a single cluster step performs.
type FixupKind uint8

const (
	KindNoneFollowOn FixupKind = iota
	KindNoneGroupSubordinate
	KindNoneGroupSubordinateFDE
	KindNoneGroupSubordinateLSDA
	KindNoneGroupSubordinatePersonality

	KindSetTargetAddress
	KindSubtractTargetAddress
	KindAddAddend
	KindSubtractAddend
	KindSetAuthData

	// KindStore writes the accumulated value using Fixup.Store.
	KindStore
	// KindStoreTargetAddress is SetTargetAddress and Store collapsed into one step.
	KindStoreTargetAddress

	KindDtraceExtra
	KindDataInCodeStartData
	KindDataInCodeStartJT8
	KindDataInCodeStartJT16
	KindDataInCodeStartJT32
	KindDataInCodeStartJTA32
	KindDataInCodeEnd
	KindLinkerOptimizationHint
)

var fixupKindNames = [...]string{
	"none-follow-on", "none-group-subordinate", "none-group-subordinate-fde",
	"none-group-subordinate-lsda", "none-group-subordinate-personality",
	"set-target-address", "subtract-target-address", "add-addend", "subtract-addend",
	"set-auth-data", "store", "store-target-address", "dtrace-extra",
	"data-in-code-start-data", "data-in-code-start-jt8", "data-in-code-start-jt16",
	"data-in-code-start-jt32", "data-in-code-start-jta32", "data-in-code-end",
	"linker-optimization-hint",
}

func (k FixupKind) String() string {
	if int(k) < len(fixupKindNames) {
		return fixupKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// HasTarget reports whether the step names a target atom or symbol.
func (k FixupKind) HasTarget() bool {
	switch k {
	case KindNoneFollowOn, KindNoneGroupSubordinate, KindNoneGroupSubordinateFDE,
		KindNoneGroupSubordinateLSDA, KindNoneGroupSubordinatePersonality,
		KindSetTargetAddress, KindSubtractTargetAddress, KindStoreTargetAddress:
		return true
	}
	return false
}

// Binding is how a fixup's target is identified.
type Binding uint8

const (
	BindingNone Binding = iota
	BindingByName
	// BindingDirect refers to an atom of the same file by handle.
	BindingDirect
	// BindingByContent refers to an atom that will be coalesced by content.
	BindingByContent
)

func (b Binding) String() string {
	return [...]string{"none", "by-name", "direct", "by-content"}[b]
}

// StoreKind is the width, byte order, pc-relativity and instruction shape of a store.
type StoreKind uint8

const (
	StoreNone StoreKind = iota
	Store8
	StoreLE16
	StoreLE32
	StoreLE64
	StoreLELow24of32

	StoreX86BranchPCRel8
	StoreX86BranchPCRel32
	StoreX86PCRel8
	StoreX86PCRel16
	StoreX86PCRel32
	StoreX86PCRel32_1
	StoreX86PCRel32_2
	StoreX86PCRel32_4
	StoreX86PCRel32GOTLoad
	StoreX86PCRel32GOT
	StoreX86PCRel32TLVLoad
	StoreX86Abs32TLVLoad
	StoreX86DtraceCallSiteNop
	StoreX86DtraceIsEnableSiteClear

	StoreARMBranch24
	StoreThumbBranch22
	StoreARMLow16
	StoreARMHigh16
	StoreThumbLow16
	StoreThumbHigh16
	StoreARMDtraceCallSiteNop
	StoreARMDtraceIsEnableSiteClear
	StoreThumbDtraceCallSiteNop
	StoreThumbDtraceIsEnableSiteClear

	StoreARM64Branch26
	StoreARM64Page21
	StoreARM64PageOff12
	StoreARM64GOTLoadPage21
	StoreARM64GOTLoadPageOff12
	StoreARM64TLVPLoadPage21
	StoreARM64TLVPLoadPageOff12
	StoreARM64PointerToGOT
	StoreARM64PCRelToGOT
	StoreARM64PointerToGOT32
	StoreARM64DtraceCallSiteNop
	StoreARM64DtraceIsEnableSiteClear

	StoreLE64Auth
)

type storeInfo struct {
	name  string
	width uint8
	pcrel bool
}

var storeInfos = [...]storeInfo{
	StoreNone:        {"none", 0, false},
	Store8:           {"8", 1, false},
	StoreLE16:        {"le16", 2, false},
	StoreLE32:        {"le32", 4, false},
	StoreLE64:        {"le64", 8, false},
	StoreLELow24of32: {"le-low24-of-32", 4, false},

	StoreX86BranchPCRel8:            {"x86-branch-pcrel8", 1, true},
	StoreX86BranchPCRel32:           {"x86-branch-pcrel32", 4, true},
	StoreX86PCRel8:                  {"x86-pcrel8", 1, true},
	StoreX86PCRel16:                 {"x86-pcrel16", 2, true},
	StoreX86PCRel32:                 {"x86-pcrel32", 4, true},
	StoreX86PCRel32_1:               {"x86-pcrel32-1", 4, true},
	StoreX86PCRel32_2:               {"x86-pcrel32-2", 4, true},
	StoreX86PCRel32_4:               {"x86-pcrel32-4", 4, true},
	StoreX86PCRel32GOTLoad:          {"x86-pcrel32-got-load", 4, true},
	StoreX86PCRel32GOT:              {"x86-pcrel32-got", 4, true},
	StoreX86PCRel32TLVLoad:          {"x86-pcrel32-tlv-load", 4, true},
	StoreX86Abs32TLVLoad:            {"x86-abs32-tlv-load", 4, false},
	StoreX86DtraceCallSiteNop:       {"x86-dtrace-call-site-nop", 4, false},
	StoreX86DtraceIsEnableSiteClear: {"x86-dtrace-is-enabled-site-clear", 4, false},

	StoreARMBranch24:                  {"arm-branch24", 4, true},
	StoreThumbBranch22:                {"thumb-branch22", 4, true},
	StoreARMLow16:                     {"arm-low16", 4, false},
	StoreARMHigh16:                    {"arm-high16", 4, false},
	StoreThumbLow16:                   {"thumb-low16", 4, false},
	StoreThumbHigh16:                  {"thumb-high16", 4, false},
	StoreARMDtraceCallSiteNop:         {"arm-dtrace-call-site-nop", 4, false},
	StoreARMDtraceIsEnableSiteClear:   {"arm-dtrace-is-enabled-site-clear", 4, false},
	StoreThumbDtraceCallSiteNop:       {"thumb-dtrace-call-site-nop", 4, false},
	StoreThumbDtraceIsEnableSiteClear: {"thumb-dtrace-is-enabled-site-clear", 4, false},

	StoreARM64Branch26:                {"arm64-branch26", 4, true},
	StoreARM64Page21:                  {"arm64-page21", 4, true},
	StoreARM64PageOff12:               {"arm64-pageoff12", 4, false},
	StoreARM64GOTLoadPage21:           {"arm64-got-load-page21", 4, true},
	StoreARM64GOTLoadPageOff12:        {"arm64-got-load-pageoff12", 4, false},
	StoreARM64TLVPLoadPage21:          {"arm64-tlvp-load-page21", 4, true},
	StoreARM64TLVPLoadPageOff12:       {"arm64-tlvp-load-pageoff12", 4, false},
	StoreARM64PointerToGOT:            {"arm64-pointer-to-got", 8, false},
	StoreARM64PCRelToGOT:              {"arm64-pcrel-to-got", 4, true},
	StoreARM64PointerToGOT32:          {"arm64-pointer-to-got32", 4, false},
	StoreARM64DtraceCallSiteNop:       {"arm64-dtrace-call-site-nop", 4, false},
	StoreARM64DtraceIsEnableSiteClear: {"arm64-dtrace-is-enabled-site-clear", 4, false},

	StoreLE64Auth: {"le64-auth", 8, false},
}

func (s StoreKind) String() string {
	if int(s) < len(storeInfos) {
		return storeInfos[s].name
	}
	return fmt.Sprintf("store(%d)", s)
}

// Width is the number of bytes written. Every store is little-endian.
func (s StoreKind) Width() int { return int(storeInfos[s].width) }

// PCRelative reports whether the stored value is relative to the fixup address.
func (s StoreKind) PCRelative() bool { return storeInfos[s].pcrel }

// combinable reports whether a SetTarget+Store pair may collapse to one step.
func (s StoreKind) combinable() bool { return s == StoreLE32 || s == StoreLE64 }

// AuthData is the arm64e pointer-authentication schema of a signed pointer.
type AuthData struct {
	Discriminator    uint16
	AddressDiversity bool
	Key              uint8
}

var authKeyNames = [...]string{"IA", "IB", "DA", "DB"}

func (a AuthData) String() string {
	return fmt.Sprintf("key=%s addr-div=%t disc=%#04x", authKeyNames[a.Key&3], a.AddressDiversity, a.Discriminator)
}

// LOH is one linker optimization hint.
type LOH struct {
	Kind uint8
	// Offsets are the hinted instruction offsets inside the atom.
	Offsets []uint32
}

var lohKindNames = map[uint8]string{
	1: "AdrpAdrp", 2: "AdrpLdr", 3: "AdrpAddLdr", 4: "AdrpLdrGotLdr",
	5: "AdrpAddStr", 6: "AdrpLdrGotStr", 7: "AdrpAdd", 8: "AdrpLdrGot",
}

func (l *LOH) String() string {
	offs := make([]string, len(l.Offsets))
	for i, o := range l.Offsets {
		offs[i] = fmt.Sprintf("%#x", o)
	}
	name, ok := lohKindNames[l.Kind]
	if !ok {
		name = fmt.Sprintf("kind%d", l.Kind)
	}
	return name + "(" + strings.Join(offs, ",") + ")"
}

// Fixup is one step of an ordered cluster. All steps of a cluster share
// Offset and ClusterSize; ClusterIndex runs from 0 to ClusterSize-1.
type Fixup struct {
	Offset       uint32
	Kind         FixupKind
	ClusterIndex uint8
	ClusterSize  uint8

	Binding Binding
	Target  AtomID
	Name    string
	Addend  int64

	Store StoreKind
	// Scale is the load/store size shift of an arm64 page-offset instruction.
	Scale      uint8
	WeakImport bool
	Auth       AuthData
	LOH        *LOH
}

// FirstInCluster reports whether f starts a cluster.
func (f *Fixup) FirstInCluster() bool { return f.ClusterIndex == 0 }

func (f *Fixup) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#x %s", f.Offset, f.Kind)
	switch f.Kind {
	case KindAddAddend, KindSubtractAddend:
		fmt.Fprintf(&b, " %#x", f.Addend)
	case KindSetAuthData:
		fmt.Fprintf(&b, " %s", f.Auth)
	case KindDtraceExtra:
		fmt.Fprintf(&b, " %s", f.Name)
	case KindLinkerOptimizationHint:
		fmt.Fprintf(&b, " %s", f.LOH)
	}
	if f.Kind.HasTarget() {
		if f.Binding == BindingByName || f.Target == NoAtom {
			fmt.Fprintf(&b, " %s(%s)", f.Binding, f.Name)
		} else {
			fmt.Fprintf(&b, " %s(#%d %s)", f.Binding, f.Target, f.Name)
		}
		if f.WeakImport {
			b.WriteString(" weak")
		}
	}
	if f.Store != StoreNone {
		fmt.Fprintf(&b, " %s", f.Store)
		if f.Scale != 0 {
			fmt.Fprintf(&b, " scale=%d", f.Scale)
		}
	}
	return b.String()
}
