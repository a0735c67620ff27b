package macho

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform is the LC_BUILD_VERSION platform.
type Platform uint32

const (
	PlatformUnknown     Platform = 0
	PlatformMacOS       Platform = 1
	PlatformIOS         Platform = 2
	PlatformTvOS        Platform = 3
	PlatformWatchOS     Platform = 4
	PlatformBridgeOS    Platform = 5
	PlatformMacCatalyst Platform = 6
	PlatformIOSSim      Platform = 7
	PlatformTvOSSim     Platform = 8
	PlatformWatchOSSim  Platform = 9
	PlatformDriverKit   Platform = 10
	PlatformVisionOS    Platform = 11
	PlatformVisionOSSim Platform = 12
)

var platformNames = map[string]Platform{
	"macos":              PlatformMacOS,
	"ios":                PlatformIOS,
	"tvos":               PlatformTvOS,
	"watchos":            PlatformWatchOS,
	"bridgeos":           PlatformBridgeOS,
	"mac-catalyst":       PlatformMacCatalyst,
	"ios-simulator":      PlatformIOSSim,
	"tvos-simulator":     PlatformTvOSSim,
	"watchos-simulator":  PlatformWatchOSSim,
	"driverkit":          PlatformDriverKit,
	"visionos":           PlatformVisionOS,
	"visionos-simulator": PlatformVisionOSSim,
}

// ParsePlatform converts a -platform_version style name.
func ParsePlatform(name string) (Platform, error) {
	if p, ok := platformNames[strings.ToLower(name)]; ok {
		return p, nil
	}
	return PlatformUnknown, fmt.Errorf("unknown platform %q", name)
}

func (p Platform) String() string {
	for n, v := range platformNames {
		if v == p {
			return n
		}
	}
	return fmt.Sprintf("platform(%d)", uint32(p))
}

// TOOL_LD is the build tool id recorded for the linker.
const TOOL_LD uint32 = 3

// Version is an X.Y.Z version packed as xxxx.yy.zz nibbles.
type Version uint32

// ParseVersion parses "X[.Y[.Z]]".
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return 0, fmt.Errorf("malformed version %q", s)
	}
	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("malformed version %q: %w", s, err)
		}
		v[i] = n
	}
	if v[0] > 0xffff || v[1] > 0xff || v[2] > 0xff {
		return 0, fmt.Errorf("version %q out of range", s)
	}
	return Version(v[0]<<16 | v[1]<<8 | v[2]), nil
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d", v>>16, (v>>8)&0xff)
	if v&0xff != 0 {
		s += fmt.Sprintf(".%d", v&0xff)
	}
	return s
}

// SourceVersion is the A.B.C.D.E version packed as a24.b10.c10.d10.e10.
type SourceVersion uint64

// ParseSourceVersion parses "A[.B[.C[.D[.E]]]]".
func ParseSourceVersion(s string) (SourceVersion, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > 5 {
		return 0, fmt.Errorf("malformed source version %q", s)
	}
	var out uint64
	for i := 0; i < 5; i++ {
		var n uint64
		if i < len(parts) {
			var err error
			if n, err = strconv.ParseUint(parts[i], 10, 32); err != nil {
				return 0, fmt.Errorf("malformed source version %q: %w", s, err)
			}
		}
		limit, shift := uint64(0x3ff), uint(10)
		if i == 0 {
			limit, shift = 0xffffff, 0
		}
		if n > limit {
			return 0, fmt.Errorf("source version %q component %d out of range", s, i)
		}
		out = out<<shift | n
	}
	return SourceVersion(out), nil
}
