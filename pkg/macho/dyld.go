package macho

// rebase opcodes
const (
	REBASE_TYPE_POINTER         uint8 = 1
	REBASE_TYPE_TEXT_ABSOLUTE32 uint8 = 2
	REBASE_TYPE_TEXT_PCREL32    uint8 = 3

	REBASE_OPCODE_MASK                               uint8 = 0xF0
	REBASE_IMMEDIATE_MASK                            uint8 = 0x0F
	REBASE_OPCODE_DONE                               uint8 = 0x00
	REBASE_OPCODE_SET_TYPE_IMM                       uint8 = 0x10
	REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB        uint8 = 0x20
	REBASE_OPCODE_ADD_ADDR_ULEB                      uint8 = 0x30
	REBASE_OPCODE_ADD_ADDR_IMM_SCALED                uint8 = 0x40
	REBASE_OPCODE_DO_REBASE_IMM_TIMES                uint8 = 0x50
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES               uint8 = 0x60
	REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB            uint8 = 0x70
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB uint8 = 0x80
)

// bind opcodes
const (
	BIND_TYPE_POINTER         uint8 = 1
	BIND_TYPE_TEXT_ABSOLUTE32 uint8 = 2
	BIND_TYPE_TEXT_PCREL32    uint8 = 3

	BIND_SPECIAL_DYLIB_SELF            int = 0
	BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE int = -1
	BIND_SPECIAL_DYLIB_FLAT_LOOKUP     int = -2
	BIND_SPECIAL_DYLIB_WEAK_LOOKUP     int = -3

	BIND_SYMBOL_FLAGS_WEAK_IMPORT         uint8 = 0x1
	BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION uint8 = 0x8

	BIND_OPCODE_MASK                             uint8 = 0xF0
	BIND_IMMEDIATE_MASK                          uint8 = 0x0F
	BIND_OPCODE_DONE                             uint8 = 0x00
	BIND_OPCODE_SET_DYLIB_ORDINAL_IMM            uint8 = 0x10
	BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB           uint8 = 0x20
	BIND_OPCODE_SET_DYLIB_SPECIAL_IMM            uint8 = 0x30
	BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM    uint8 = 0x40
	BIND_OPCODE_SET_TYPE_IMM                     uint8 = 0x50
	BIND_OPCODE_SET_ADDEND_SLEB                  uint8 = 0x60
	BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB      uint8 = 0x70
	BIND_OPCODE_ADD_ADDR_ULEB                    uint8 = 0x80
	BIND_OPCODE_DO_BIND                          uint8 = 0x90
	BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB            uint8 = 0xA0
	BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED      uint8 = 0xB0
	BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB uint8 = 0xC0
)

// export trie flags
const (
	EXPORT_SYMBOL_FLAGS_KIND_MASK         uint64 = 0x03
	EXPORT_SYMBOL_FLAGS_KIND_REGULAR      uint64 = 0x00
	EXPORT_SYMBOL_FLAGS_KIND_THREAD_LOCAL uint64 = 0x01
	EXPORT_SYMBOL_FLAGS_KIND_ABSOLUTE     uint64 = 0x02
	EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION   uint64 = 0x04
	EXPORT_SYMBOL_FLAGS_REEXPORT          uint64 = 0x08
	EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER uint64 = 0x10
)

// data in code kinds
const (
	DICE_KIND_DATA             uint16 = 0x0001
	DICE_KIND_JUMP_TABLE8      uint16 = 0x0002
	DICE_KIND_JUMP_TABLE16     uint16 = 0x0003
	DICE_KIND_JUMP_TABLE32     uint16 = 0x0004
	DICE_KIND_ABS_JUMP_TABLE32 uint16 = 0x0005
)

// DataInCodeEntrySize is the size of a data_in_code_entry.
const DataInCodeEntrySize = 8

// linker optimization hint kinds
const (
	LOH_ARM64_ADRP_ADRP        uint8 = 1
	LOH_ARM64_ADRP_LDR         uint8 = 2
	LOH_ARM64_ADRP_ADD_LDR     uint8 = 3
	LOH_ARM64_ADRP_LDR_GOT_LDR uint8 = 4
	LOH_ARM64_ADRP_ADD_STR     uint8 = 5
	LOH_ARM64_ADRP_LDR_GOT_STR uint8 = 6
	LOH_ARM64_ADRP_ADD         uint8 = 7
	LOH_ARM64_ADRP_LDR_GOT     uint8 = 8
)

// split seg info v1 kinds
const (
	DYLD_CACHE_ADJ_V1_POINTER_32     uint8 = 1
	DYLD_CACHE_ADJ_V1_POINTER_64     uint8 = 2
	DYLD_CACHE_ADJ_V1_ADRP           uint8 = 3
	DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVT uint8 = 0x10 // low nibble holds the carry
	DYLD_CACHE_ADJ_V1_ARM_MOVT       uint8 = 0x20 // low nibble holds the carry
	DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVW uint8 = 5
	DYLD_CACHE_ADJ_V1_ARM_MOVW       uint8 = 6
)

// split seg info v2 kinds
const (
	DYLD_CACHE_ADJ_V2_FORMAT              uint8 = 0x7F
	DYLD_CACHE_ADJ_V2_POINTER_32          uint8 = 0x01
	DYLD_CACHE_ADJ_V2_POINTER_64          uint8 = 0x02
	DYLD_CACHE_ADJ_V2_DELTA_32            uint8 = 0x03
	DYLD_CACHE_ADJ_V2_DELTA_64            uint8 = 0x04
	DYLD_CACHE_ADJ_V2_ARM64_ADRP          uint8 = 0x05
	DYLD_CACHE_ADJ_V2_ARM64_OFF12         uint8 = 0x06
	DYLD_CACHE_ADJ_V2_ARM64_BR26          uint8 = 0x07
	DYLD_CACHE_ADJ_V2_ARM_MOVW_MOVT       uint8 = 0x08
	DYLD_CACHE_ADJ_V2_ARM_BR24            uint8 = 0x09
	DYLD_CACHE_ADJ_V2_THUMB_MOVW_MOVT     uint8 = 0x0A
	DYLD_CACHE_ADJ_V2_THUMB_BR22          uint8 = 0x0B
	DYLD_CACHE_ADJ_V2_IMAGE_OFF_32        uint8 = 0x0C
	DYLD_CACHE_ADJ_V2_THREADED_POINTER_64 uint8 = 0x0D
)
