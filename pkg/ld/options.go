package ld

import (
	"fmt"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/machlink/pkg/macho"
)

// OutputKind is the kind of image being produced.
type OutputKind uint8

const (
	OutputDynamicExecutable OutputKind = iota + 1
	OutputStaticExecutable
	OutputDylib
	OutputBundle
	OutputObject
	OutputPreload
	OutputKext
)

var outputKindNames = map[OutputKind]string{
	OutputDynamicExecutable: "executable",
	OutputStaticExecutable:  "static",
	OutputDylib:             "dylib",
	OutputBundle:            "bundle",
	OutputObject:            "object",
	OutputPreload:           "preload",
	OutputKext:              "kext",
}

func (k OutputKind) String() string {
	if n, ok := outputKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("output(%d)", k)
}

// ParseOutputKind is the inverse of OutputKind.String.
func ParseOutputKind(s string) (OutputKind, error) {
	for k, n := range outputKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown output kind %q", s)
}

// FileType is the mach_header filetype for the output kind.
func (k OutputKind) FileType() types.HeaderFileType {
	switch k {
	case OutputDylib:
		return types.MH_DYLIB
	case OutputBundle:
		return types.MH_BUNDLE
	case OutputObject:
		return types.MH_OBJECT
	case OutputPreload:
		return types.MH_PRELOAD
	case OutputKext:
		return types.MH_KEXT_BUNDLE
	}
	return types.MH_EXECUTE
}

// FixupMode selects how the image tells dyld about pointers.
type FixupMode uint8

const (
	FixupsDyldInfo FixupMode = iota
	FixupsChained
	FixupsClassic
)

var fixupModeNames = map[FixupMode]string{
	FixupsDyldInfo: "dyld-info",
	FixupsChained:  "chained",
	FixupsClassic:  "classic",
}

func (m FixupMode) String() string { return fixupModeNames[m] }

// ParseFixupMode is the inverse of FixupMode.String.
func ParseFixupMode(s string) (FixupMode, error) {
	for m, n := range fixupModeNames {
		if n == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown fixup mode %q", s)
}

// UnalignedPolicy is what to do with a pointer slot that is not pointer aligned.
type UnalignedPolicy uint8

const (
	UnalignedUnset UnalignedPolicy = iota
	UnalignedError
	UnalignedWarn
	UnalignedIgnore
)

// ParseUnalignedPolicy accepts error, warn or ignore. There is no default.
func ParseUnalignedPolicy(s string) (UnalignedPolicy, error) {
	switch s {
	case "error":
		return UnalignedError, nil
	case "warn":
		return UnalignedWarn, nil
	case "ignore":
		return UnalignedIgnore, nil
	case "":
		return UnalignedUnset, fmt.Errorf("unaligned pointer policy is required (error, warn or ignore)")
	}
	return UnalignedUnset, fmt.Errorf("unknown unaligned pointer policy %q", s)
}

func (p UnalignedPolicy) String() string {
	switch p {
	case UnalignedError:
		return "error"
	case UnalignedWarn:
		return "warn"
	case UnalignedIgnore:
		return "ignore"
	}
	return "unset"
}

// UUIDMode selects how LC_UUID is filled in.
type UUIDMode uint8

const (
	UUIDContent UUIDMode = iota
	UUIDRandom
	UUIDNone
)

// ParseUUIDMode accepts content, random or none.
func ParseUUIDMode(s string) (UUIDMode, error) {
	switch s {
	case "content", "":
		return UUIDContent, nil
	case "random":
		return UUIDRandom, nil
	case "none":
		return UUIDNone, nil
	}
	return 0, fmt.Errorf("unknown uuid mode %q", s)
}

// Options configures one link.
type Options struct {
	Arch       macho.Arch
	OutputKind OutputKind
	FixupMode  FixupMode
	// ChainedFormat overrides the architecture's natural pointer format.
	ChainedFormat fixupchains.DCPtrKind
	Unaligned     UnalignedPolicy
	UUID          UUIDMode
	// SplitSegVersion is 0 (none), 1 or 2.
	SplitSegVersion int

	InstallName      string
	CurrentVersion   macho.Version
	CompatVersion    macho.Version
	DylinkerPath     string
	EntryName        string
	InitName         string
	Platform         macho.Platform
	MinOS            macho.Version
	SDK              macho.Version
	SourceVersion    macho.SourceVersion
	ToolVersion      macho.Version
	RPaths           []string
	Umbrella         string
	SubUmbrellas     []string
	SubLibraries     []string
	AllowableClients []string
	LinkerOptions    [][]string

	BaseAddress  uint64
	PageZeroSize uint64
	StackSize    uint64
	HeaderPad    uint64

	PIE                 bool
	FlatNamespace       bool
	StripLocals         bool
	KeepPrivateExterns  bool
	DebugNotes          bool
	FunctionStarts      bool
	DataInCode          bool
	OptimizationHints   bool
	Thumb2              bool
	AllowTextRelocs     bool
	Encryptable         bool
	AppExtensionSafe    bool
	DeadStrippableDylib bool
	CodeSignatureSize   uint64
}

// Validate rejects inconsistent options and fills in kind dependent defaults.
func (o *Options) Validate() error {
	if o.Arch == macho.ArchUnknown {
		return fmt.Errorf("no architecture specified")
	}
	if o.OutputKind == 0 {
		return fmt.Errorf("no output kind specified")
	}
	if o.Unaligned == UnalignedUnset {
		return fmt.Errorf("unaligned pointer policy is required (error, warn or ignore)")
	}
	if o.OutputKind == OutputDylib && o.InstallName == "" {
		return fmt.Errorf("dylib output needs an install name")
	}
	if o.OutputKind != OutputDylib && o.SplitSegVersion != 0 {
		return fmt.Errorf("split seg info is only emitted for dylibs")
	}
	if o.SplitSegVersion < 0 || o.SplitSegVersion > 2 {
		return fmt.Errorf("unknown split seg info version %d", o.SplitSegVersion)
	}
	if o.FixupMode == FixupsChained {
		if o.ChainedFormat == 0 {
			o.ChainedFormat = o.Arch.Traits().ChainedFormat()
		}
		if !o.isDynamic() {
			return fmt.Errorf("chained fixups need a dyld loaded output, not %s", o.OutputKind)
		}
	}
	if o.OutputKind == OutputKext {
		o.FixupMode = FixupsClassic
	}
	if o.OutputKind == OutputDynamicExecutable && o.DylinkerPath == "" {
		o.DylinkerPath = "/usr/lib/dyld"
	}
	if o.OutputKind == OutputDynamicExecutable || o.OutputKind == OutputStaticExecutable {
		if o.PageZeroSize == 0 && o.OutputKind == OutputDynamicExecutable {
			if o.Arch.Traits().Is64() {
				o.PageZeroSize = 0x100000000
			} else {
				o.PageZeroSize = 0x1000
			}
		}
		if o.BaseAddress == 0 {
			o.BaseAddress = o.PageZeroSize
		}
	}
	if o.Arch.IsARM64() && o.OutputKind == OutputDynamicExecutable {
		o.PIE = true
	}
	return nil
}

// isDynamic reports whether dyld loads the output.
func (o *Options) isDynamic() bool {
	switch o.OutputKind {
	case OutputDynamicExecutable, OutputDylib, OutputBundle:
		return true
	}
	return false
}

// slidable reports whether the image can load at an address other than
// its link address.
func (o *Options) slidable() bool {
	switch o.OutputKind {
	case OutputDylib, OutputBundle, OutputKext:
		return true
	case OutputDynamicExecutable:
		return o.PIE
	}
	return false
}

// finalImage is false only for relocatable objects.
func (o *Options) finalImage() bool { return o.OutputKind != OutputObject }

func (o *Options) usesDyldInfo() bool { return o.isDynamic() && o.FixupMode == FixupsDyldInfo }
func (o *Options) usesChained() bool  { return o.isDynamic() && o.FixupMode == FixupsChained }
func (o *Options) usesClassic() bool {
	return o.OutputKind == OutputKext || (o.isDynamic() && o.FixupMode == FixupsClassic)
}
