package macho

// VmProtection is a segment's initial or maximum protection.
type VmProtection int32

const (
	VmProtNone    VmProtection = 0
	VmProtRead    VmProtection = 0x01
	VmProtWrite   VmProtection = 0x02
	VmProtExecute VmProtection = 0x04
)

func (v VmProtection) Read() bool    { return (v & VmProtRead) != 0 }
func (v VmProtection) Write() bool   { return (v & VmProtWrite) != 0 }
func (v VmProtection) Execute() bool { return (v & VmProtExecute) != 0 }

func (v VmProtection) String() string {
	b := []byte("---")
	if v.Read() {
		b[0] = 'r'
	}
	if v.Write() {
		b[1] = 'w'
	}
	if v.Execute() {
		b[2] = 'x'
	}
	return string(b)
}

// segment flags
const (
	SG_HIGHVM              uint32 = 0x1
	SG_NORELOC             uint32 = 0x4
	SG_PROTECTED_VERSION_1 uint32 = 0x8
	SG_READ_ONLY           uint32 = 0x10
)
