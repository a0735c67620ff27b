package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

// fixed load command sizes
const (
	SymtabCmdSize          = 24
	DysymtabCmdSize        = 80
	DyldInfoCmdSize        = 48
	LinkEditDataCmdSize    = 16
	UUIDCmdSize            = 24
	SourceVersionCmdSize   = 16
	EntryPointCmdSize      = 24
	BuildVersionCmdSize    = 24
	BuildToolVersionSize   = 8
	EncryptionInfoSize32   = 20
	EncryptionInfoSize64   = 24
	RoutinesCmdSize32      = 40
	RoutinesCmdSize64      = 72
	DylibCmdHeaderSize     = 24
	StringCmdHeaderSize    = 12
	LinkerOptionHeaderSize = 12
	ThreadCmdHeaderSize    = 16
)

func putHeader(b []byte, cmd types.LoadCmd, size uint32, o binary.ByteOrder) {
	o.PutUint32(b[0:], uint32(cmd))
	o.PutUint32(b[4:], size)
}

// StringCmdSize is the padded size of a command carrying one trailing string.
func StringCmdSize(header int, s string, is64 bool) uint32 {
	align := uint64(4)
	if is64 {
		align = 8
	}
	return uint32(utils.Align(uint64(header+len(s)+1), align))
}

// SegmentHeader is a segment_command or segment_command_64 without its sections.
type SegmentHeader struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  VmProtection
	Prot     VmProtection
	Nsect    uint32
	Flag     uint32
	Sections []*Section
}

// Size returns the command size including its section headers.
func (s *SegmentHeader) Size(is64 bool) uint32 {
	if is64 {
		return SegmentHeaderSize64 + uint32(len(s.Sections))*SectionHeaderSize64
	}
	return SegmentHeaderSize32 + uint32(len(s.Sections))*SectionHeaderSize32
}

// Put writes the segment command followed by its section headers.
func (s *SegmentHeader) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	size := s.Size(is64)
	if is64 {
		putHeader(b, types.LC_SEGMENT_64, size, o)
		utils.PutName(b[8:], s.Name)
		o.PutUint64(b[24:], s.Addr)
		o.PutUint64(b[32:], s.Memsz)
		o.PutUint64(b[40:], s.Offset)
		o.PutUint64(b[48:], s.Filesz)
		o.PutUint32(b[56:], uint32(s.Maxprot))
		o.PutUint32(b[60:], uint32(s.Prot))
		o.PutUint32(b[64:], uint32(len(s.Sections)))
		o.PutUint32(b[68:], s.Flag)
		n := SegmentHeaderSize64
		for _, sect := range s.Sections {
			n += sect.Put64(b[n:], o)
		}
		return n
	}
	putHeader(b, types.LC_SEGMENT, size, o)
	utils.PutName(b[8:], s.Name)
	o.PutUint32(b[24:], uint32(s.Addr))
	o.PutUint32(b[28:], uint32(s.Memsz))
	o.PutUint32(b[32:], uint32(s.Offset))
	o.PutUint32(b[36:], uint32(s.Filesz))
	o.PutUint32(b[40:], uint32(s.Maxprot))
	o.PutUint32(b[44:], uint32(s.Prot))
	o.PutUint32(b[48:], uint32(len(s.Sections)))
	o.PutUint32(b[52:], s.Flag)
	n := SegmentHeaderSize32
	for _, sect := range s.Sections {
		n += sect.Put32(b[n:], o)
	}
	return n
}

// SymtabCmd is LC_SYMTAB.
type SymtabCmd struct {
	Symoff, Nsyms, Stroff, Strsize uint32
}

func (c *SymtabCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_SYMTAB, SymtabCmdSize, o)
	o.PutUint32(b[8:], c.Symoff)
	o.PutUint32(b[12:], c.Nsyms)
	o.PutUint32(b[16:], c.Stroff)
	o.PutUint32(b[20:], c.Strsize)
	return SymtabCmdSize
}

// DysymtabCmd is LC_DYSYMTAB.
type DysymtabCmd struct {
	Ilocalsym, Nlocalsym          uint32
	Iextdefsym, Nextdefsym        uint32
	Iundefsym, Nundefsym          uint32
	Tocoffset, Ntoc               uint32
	Modtaboff, Nmodtab            uint32
	Extrefsymoff, Nextrefsyms     uint32
	Indirectsymoff, Nindirectsyms uint32
	Extreloff, Nextrel            uint32
	Locreloff, Nlocrel            uint32
}

func (c *DysymtabCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_DYSYMTAB, DysymtabCmdSize, o)
	for i, v := range []uint32{
		c.Ilocalsym, c.Nlocalsym, c.Iextdefsym, c.Nextdefsym, c.Iundefsym, c.Nundefsym,
		c.Tocoffset, c.Ntoc, c.Modtaboff, c.Nmodtab, c.Extrefsymoff, c.Nextrefsyms,
		c.Indirectsymoff, c.Nindirectsyms, c.Extreloff, c.Nextrel, c.Locreloff, c.Nlocrel,
	} {
		o.PutUint32(b[8+4*i:], v)
	}
	return DysymtabCmdSize
}

// DyldInfoCmd is LC_DYLD_INFO_ONLY.
type DyldInfoCmd struct {
	RebaseOff, RebaseSize     uint32
	BindOff, BindSize         uint32
	WeakBindOff, WeakBindSize uint32
	LazyBindOff, LazyBindSize uint32
	ExportOff, ExportSize     uint32
}

func (c *DyldInfoCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_DYLD_INFO_ONLY, DyldInfoCmdSize, o)
	for i, v := range []uint32{
		c.RebaseOff, c.RebaseSize, c.BindOff, c.BindSize, c.WeakBindOff, c.WeakBindSize,
		c.LazyBindOff, c.LazyBindSize, c.ExportOff, c.ExportSize,
	} {
		o.PutUint32(b[8+4*i:], v)
	}
	return DyldInfoCmdSize
}

// LinkEditDataCmd is any command that points at a LINKEDIT blob.
type LinkEditDataCmd struct {
	Cmd          types.LoadCmd
	Offset, Size uint32
}

func (c *LinkEditDataCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, c.Cmd, LinkEditDataCmdSize, o)
	o.PutUint32(b[8:], c.Offset)
	o.PutUint32(b[12:], c.Size)
	return LinkEditDataCmdSize
}

// UUIDCmd is LC_UUID. The id occupies bytes 8 through 24.
type UUIDCmd struct {
	ID [16]byte
}

func (c *UUIDCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_UUID, UUIDCmdSize, o)
	copy(b[8:24], c.ID[:])
	return UUIDCmdSize
}

// BuildVersionCmd is LC_BUILD_VERSION with a single ld tool entry.
type BuildVersionCmd struct {
	Platform    Platform
	MinOS       Version
	SDK         Version
	ToolVersion Version
}

func (c *BuildVersionCmd) Size() uint32 { return BuildVersionCmdSize + BuildToolVersionSize }

func (c *BuildVersionCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_BUILD_VERSION, c.Size(), o)
	o.PutUint32(b[8:], uint32(c.Platform))
	o.PutUint32(b[12:], uint32(c.MinOS))
	o.PutUint32(b[16:], uint32(c.SDK))
	o.PutUint32(b[20:], 1)
	o.PutUint32(b[24:], TOOL_LD)
	o.PutUint32(b[28:], uint32(c.ToolVersion))
	return int(c.Size())
}

// SourceVersionCmd is LC_SOURCE_VERSION.
type SourceVersionCmd struct {
	Version SourceVersion
}

func (c *SourceVersionCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_SOURCE_VERSION, SourceVersionCmdSize, o)
	o.PutUint64(b[8:], uint64(c.Version))
	return SourceVersionCmdSize
}

// EntryPointCmd is LC_MAIN.
type EntryPointCmd struct {
	EntryOffset uint64
	StackSize   uint64
}

func (c *EntryPointCmd) Put(b []byte, o binary.ByteOrder) int {
	putHeader(b, types.LC_MAIN, EntryPointCmdSize, o)
	o.PutUint64(b[8:], c.EntryOffset)
	o.PutUint64(b[16:], c.StackSize)
	return EntryPointCmdSize
}

// ThreadCmd is LC_UNIXTHREAD with a zeroed register file except the pc.
type ThreadCmd struct {
	State ThreadState
	Is64  bool
	PC    uint64
}

func (c *ThreadCmd) Size() uint32 { return ThreadCmdHeaderSize + c.State.Count*4 }

func (c *ThreadCmd) Put(b []byte, o binary.ByteOrder) int {
	size := c.Size()
	putHeader(b, types.LC_UNIXTHREAD, size, o)
	o.PutUint32(b[8:], c.State.Flavor)
	o.PutUint32(b[12:], c.State.Count)
	regs := b[ThreadCmdHeaderSize:size]
	clear(regs)
	if c.Is64 {
		o.PutUint64(regs[c.State.PCIndex*8:], c.PC)
	} else {
		o.PutUint32(regs[c.State.PCIndex*4:], uint32(c.PC))
	}
	return int(size)
}

// EncryptionInfoCmd is LC_ENCRYPTION_INFO or LC_ENCRYPTION_INFO_64.
type EncryptionInfoCmd struct {
	Offset, Size, ID uint32
}

func (c *EncryptionInfoCmd) CmdSize(is64 bool) uint32 {
	if is64 {
		return EncryptionInfoSize64
	}
	return EncryptionInfoSize32
}

func (c *EncryptionInfoCmd) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	cmd := types.LC_ENCRYPTION_INFO
	if is64 {
		cmd = types.LC_ENCRYPTION_INFO_64
	}
	size := c.CmdSize(is64)
	putHeader(b, cmd, size, o)
	o.PutUint32(b[8:], c.Offset)
	o.PutUint32(b[12:], c.Size)
	o.PutUint32(b[16:], c.ID)
	if is64 {
		o.PutUint32(b[20:], 0)
	}
	return int(size)
}

// RoutinesCmd is LC_ROUTINES or LC_ROUTINES_64.
type RoutinesCmd struct {
	InitAddress uint64
}

func (c *RoutinesCmd) Size(is64 bool) uint32 {
	if is64 {
		return RoutinesCmdSize64
	}
	return RoutinesCmdSize32
}

func (c *RoutinesCmd) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	size := c.Size(is64)
	clear(b[:size])
	if is64 {
		putHeader(b, types.LC_ROUTINES_64, size, o)
		o.PutUint64(b[8:], c.InitAddress)
	} else {
		putHeader(b, types.LC_ROUTINES, size, o)
		o.PutUint32(b[8:], uint32(c.InitAddress))
	}
	return int(size)
}

// DylibCmd is LC_ID_DYLIB and the LC_*LOAD*_DYLIB family.
type DylibCmd struct {
	Cmd            types.LoadCmd
	Name           string
	Timestamp      uint32
	CurrentVersion Version
	CompatVersion  Version
}

func (c *DylibCmd) Size(is64 bool) uint32 { return StringCmdSize(DylibCmdHeaderSize, c.Name, is64) }

func (c *DylibCmd) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	size := c.Size(is64)
	clear(b[:size])
	putHeader(b, c.Cmd, size, o)
	o.PutUint32(b[8:], DylibCmdHeaderSize)
	o.PutUint32(b[12:], c.Timestamp)
	o.PutUint32(b[16:], uint32(c.CurrentVersion))
	o.PutUint32(b[20:], uint32(c.CompatVersion))
	copy(b[DylibCmdHeaderSize:], c.Name)
	return int(size)
}

// StringCmd is any command made of a header and one string: LC_LOAD_DYLINKER,
// LC_RPATH and the LC_SUB_* commands.
type StringCmd struct {
	Cmd   types.LoadCmd
	Value string
}

func (c *StringCmd) Size(is64 bool) uint32 { return StringCmdSize(StringCmdHeaderSize, c.Value, is64) }

func (c *StringCmd) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	size := c.Size(is64)
	clear(b[:size])
	putHeader(b, c.Cmd, size, o)
	o.PutUint32(b[8:], StringCmdHeaderSize)
	copy(b[StringCmdHeaderSize:], c.Value)
	return int(size)
}

// LinkerOptionCmd is LC_LINKER_OPTION.
type LinkerOptionCmd struct {
	Options []string
}

func (c *LinkerOptionCmd) Size(is64 bool) uint32 {
	n := LinkerOptionHeaderSize
	for _, s := range c.Options {
		n += len(s) + 1
	}
	align := uint64(4)
	if is64 {
		align = 8
	}
	return uint32(utils.Align(uint64(n), align))
}

func (c *LinkerOptionCmd) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	size := c.Size(is64)
	clear(b[:size])
	putHeader(b, types.LC_LINKER_OPTION, size, o)
	o.PutUint32(b[8:], uint32(len(c.Options)))
	n := LinkerOptionHeaderSize
	for _, s := range c.Options {
		n += copy(b[n:], s) + 1
	}
	return int(size)
}
