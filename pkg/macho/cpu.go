package macho

import "github.com/blacktop/machlink/pkg/macho/utils"

// A Cpu is a Mach-O cpu type.
type Cpu uint32

const (
	cpuArch64   = 0x01000000 // 64 bit ABI
	cpuArch6432 = 0x02000000 // ABI for 64-bit hardware with 32-bit types; LP32
)

const (
	Cpu386     Cpu = 7
	CpuAmd64   Cpu = Cpu386 | cpuArch64
	CpuArm     Cpu = 12
	CpuArm64   Cpu = CpuArm | cpuArch64
	CpuArm6432 Cpu = CpuArm | cpuArch6432
)

var cpuStrings = []utils.IntName{
	{I: uint32(Cpu386), S: "Cpu386"},
	{I: uint32(CpuAmd64), S: "CpuAmd64"},
	{I: uint32(CpuArm), S: "CpuArm"},
	{I: uint32(CpuArm64), S: "CpuArm64"},
	{I: uint32(CpuArm6432), S: "CpuArm6432"},
}

func (i Cpu) String() string   { return utils.StringName(uint32(i), cpuStrings, false) }
func (i Cpu) GoString() string { return utils.StringName(uint32(i), cpuStrings, true) }

const (
	// X86 subtypes
	CpuSubtypeX86All    uint32 = 3
	CpuSubtypeX86_64All uint32 = 3
	CpuSubtypeX86_64H   uint32 = 8

	// ARM subtypes
	CpuSubtypeArmAll uint32 = 0
	CpuSubtypeArmV7  uint32 = 9
	CpuSubtypeArmV7S uint32 = 11
	CpuSubtypeArmV7K uint32 = 12

	// ARM64 subtypes
	CpuSubtypeArm64All uint32 = 0
	CpuSubtypeArm64V8  uint32 = 1
	CpuSubtypeArm64E   uint32 = 2

	// CpuSubtypePtrAuthABI marks arm64e binaries built against the versioned pointer auth ABI.
	CpuSubtypePtrAuthABI uint32 = 0x80000000
)
