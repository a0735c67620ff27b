package macho

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
)

// Arch is the closed set of architectures the linker can emit.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchI386
	ArchARM64
	ArchARM64E
	ArchARMv7
)

var archNames = map[Arch]string{
	ArchX86_64: "x86_64",
	ArchI386:   "i386",
	ArchARM64:  "arm64",
	ArchARM64E: "arm64e",
	ArchARMv7:  "armv7",
}

func (a Arch) String() string {
	if n, ok := archNames[a]; ok {
		return n
	}
	return fmt.Sprintf("arch(%d)", a)
}

// ParseArch converts an -arch style name into an Arch.
func ParseArch(name string) (Arch, error) {
	for a, n := range archNames {
		if strings.EqualFold(n, name) {
			return a, nil
		}
	}
	return ArchUnknown, fmt.Errorf("unsupported architecture %q", name)
}

// ThreadState describes the LC_UNIXTHREAD register layout of an architecture.
type ThreadState struct {
	Flavor uint32
	Count  uint32 // in uint32 units
	// PCIndex is the index of the program counter in register sized units.
	PCIndex int
}

// Traits captures the per architecture facts the linker dispatches on.
type Traits interface {
	PointerSize() int
	ByteOrder() binary.ByteOrder
	CPU() Cpu
	SubCPU() uint32
	PageSize() uint64
	Is64() bool
	Magic() uint32
	ThreadState() ThreadState
	// ChainedFormat is the natural chained pointer format for user space images.
	ChainedFormat() fixupchains.DCPtrKind
}

type traits struct {
	ptrSize int
	cpu     Cpu
	subCPU  uint32
	page    uint64
	thread  ThreadState
	chained fixupchains.DCPtrKind
}

func (t traits) PointerSize() int                     { return t.ptrSize }
func (t traits) ByteOrder() binary.ByteOrder          { return binary.LittleEndian }
func (t traits) CPU() Cpu                             { return t.cpu }
func (t traits) SubCPU() uint32                       { return t.subCPU }
func (t traits) PageSize() uint64                     { return t.page }
func (t traits) Is64() bool                           { return t.ptrSize == 8 }
func (t traits) ThreadState() ThreadState             { return t.thread }
func (t traits) ChainedFormat() fixupchains.DCPtrKind { return t.chained }
func (t traits) Magic() uint32 {
	if t.Is64() {
		return uint32(types.Magic64)
	}
	return uint32(types.Magic32)
}

var archTraits = map[Arch]traits{
	ArchX86_64: {
		ptrSize: 8, cpu: CpuAmd64, subCPU: CpuSubtypeX86_64All, page: 0x1000,
		thread:  ThreadState{Flavor: 4, Count: 42, PCIndex: 16},
		chained: fixupchains.DYLD_CHAINED_PTR_64_OFFSET,
	},
	ArchI386: {
		ptrSize: 4, cpu: Cpu386, subCPU: CpuSubtypeX86All, page: 0x1000,
		thread:  ThreadState{Flavor: 1, Count: 16, PCIndex: 10},
		chained: fixupchains.DYLD_CHAINED_PTR_32,
	},
	ArchARM64: {
		ptrSize: 8, cpu: CpuArm64, subCPU: CpuSubtypeArm64All, page: 0x4000,
		thread:  ThreadState{Flavor: 6, Count: 68, PCIndex: 32},
		chained: fixupchains.DYLD_CHAINED_PTR_64_OFFSET,
	},
	ArchARM64E: {
		ptrSize: 8, cpu: CpuArm64, subCPU: CpuSubtypeArm64E | CpuSubtypePtrAuthABI, page: 0x4000,
		thread:  ThreadState{Flavor: 6, Count: 68, PCIndex: 32},
		chained: fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24,
	},
	ArchARMv7: {
		ptrSize: 4, cpu: CpuArm, subCPU: CpuSubtypeArmV7, page: 0x1000,
		thread:  ThreadState{Flavor: 1, Count: 17, PCIndex: 15},
		chained: fixupchains.DYLD_CHAINED_PTR_32,
	},
}

// Traits returns the architecture's trait table. It panics on ArchUnknown.
func (a Arch) Traits() Traits {
	t, ok := archTraits[a]
	if !ok {
		panic(fmt.Sprintf("macho: no traits for %s", a))
	}
	return t
}

// IsARM64 reports whether a is one of the 64-bit ARM variants.
func (a Arch) IsARM64() bool { return a == ArchARM64 || a == ArchARM64E }

// IsX86 reports whether a is one of the Intel variants.
func (a Arch) IsX86() bool { return a == ArchX86_64 || a == ArchI386 }

// SupportsPointerAuth reports whether authenticated pointers can be emitted.
func (a Arch) SupportsPointerAuth() bool { return a == ArchARM64E }
