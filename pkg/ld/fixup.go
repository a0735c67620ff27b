package ld

import "fmt"

// FixupKind is one step of a relocation computation.
type FixupKind uint8

const (
	KindNone FixupKind = iota
	KindNoneFollowOn
	KindLazyTarget
	KindSetLazyOffset

	// accumulator
	KindSetTargetAddress
	KindSubtractTargetAddress
	KindAddAddend
	KindSubtractAddend
	KindSetTargetImageOffset
	KindSetTargetSectionOffset
	KindSetTargetTLVTemplateOffset

	// markers
	KindDataInCodeStartData
	KindDataInCodeStartJT8
	KindDataInCodeStartJT16
	KindDataInCodeStartJT32
	KindDataInCodeStartJTA32
	KindDataInCodeEnd
	KindLinkerOptimizationHint

	// stores
	KindStoreLittleEndian8
	KindStoreLittleEndian16
	KindStoreLittleEndianLow24of32
	KindStoreLittleEndian32
	KindStoreLittleEndian64
	KindStoreBigEndian16
	KindStoreBigEndianLow24of32
	KindStoreBigEndian32
	KindStoreBigEndian64
	KindStoreX86BranchPCRel8
	KindStoreX86BranchPCRel32
	KindStoreX86PCRel8
	KindStoreX86PCRel16
	KindStoreX86PCRel32
	KindStoreX86PCRel32_1
	KindStoreX86PCRel32_2
	KindStoreX86PCRel32_4
	KindStoreX86PCRel32GOTLoad
	KindStoreX86PCRel32GOTLoadNowLEA
	KindStoreX86PCRel32GOT
	KindStoreX86PCRel32TLVLoad
	KindStoreX86PCRel32TLVLoadNowLEA
	KindStoreX86Abs32TLVLoad
	KindStoreX86Abs32TLVLoadNowLEA
	KindStoreARMBranch24
	KindStoreThumbBranch22
	KindStoreARMLoad12
	KindStoreARMLow16
	KindStoreARMHigh16
	KindStoreThumbLow16
	KindStoreThumbHigh16
	KindStoreARM64Branch26
	KindStoreARM64Page21
	KindStoreARM64PageOff12
	KindStoreARM64GOTLoadPage21
	KindStoreARM64GOTLoadPageOff12
	KindStoreARM64GOTLeaPage21
	KindStoreARM64GOTLeaPageOff12
	KindStoreARM64TLVPLoadPage21
	KindStoreARM64TLVPLoadPageOff12
	KindStoreARM64TLVPLoadNowLeaPage21
	KindStoreARM64TLVPLoadNowLeaPageOff12
	KindStoreARM64PointerToGOT
	KindStoreARM64PCRelToGOT

	// set target and store in one step
	KindStoreTargetAddressLittleEndian32
	KindStoreTargetAddressLittleEndian64
	KindStoreTargetAddressX86BranchPCRel32
	KindStoreTargetAddressX86PCRel32
	KindStoreTargetAddressX86PCRel32GOTLoad
	KindStoreTargetAddressX86PCRel32GOTLoadNowLEA
	KindStoreTargetAddressX86PCRel32TLVLoad
	KindStoreTargetAddressX86PCRel32TLVLoadNowLEA
	KindStoreTargetAddressX86Abs32TLVLoad
	KindStoreTargetAddressARMBranch24
	KindStoreTargetAddressThumbBranch22
	KindStoreTargetAddressARMLoad12
	KindStoreTargetAddressARM64Branch26
	KindStoreTargetAddressARM64Page21
	KindStoreTargetAddressARM64PageOff12
	KindStoreTargetAddressARM64GOTLoadPage21
	KindStoreTargetAddressARM64GOTLoadPageOff12
	KindStoreTargetAddressARM64GOTLeaPage21
	KindStoreTargetAddressARM64GOTLeaPageOff12
	KindStoreTargetAddressARM64TLVPLoadPage21
	KindStoreTargetAddressARM64TLVPLoadPageOff12
	KindStoreTargetAddressARM64TLVPLoadNowLeaPage21
	KindStoreTargetAddressARM64TLVPLoadNowLeaPageOff12

	kindCount
)

var kindNames = [...]string{
	KindNone:                       "none",
	KindNoneFollowOn:               "none-follow-on",
	KindLazyTarget:                 "lazy-target",
	KindSetLazyOffset:              "set-lazy-offset",
	KindSetTargetAddress:           "set-target-address",
	KindSubtractTargetAddress:      "subtract-target-address",
	KindAddAddend:                  "add-addend",
	KindSubtractAddend:             "subtract-addend",
	KindSetTargetImageOffset:       "set-target-image-offset",
	KindSetTargetSectionOffset:     "set-target-section-offset",
	KindSetTargetTLVTemplateOffset: "set-target-tlv-template-offset",
	KindDataInCodeStartData:        "data-in-code-start-data",
	KindDataInCodeStartJT8:         "data-in-code-start-jt8",
	KindDataInCodeStartJT16:        "data-in-code-start-jt16",
	KindDataInCodeStartJT32:        "data-in-code-start-jt32",
	KindDataInCodeStartJTA32:       "data-in-code-start-jta32",
	KindDataInCodeEnd:              "data-in-code-end",
	KindLinkerOptimizationHint:     "linker-optimization-hint",

	KindStoreLittleEndian8:                "store-little-endian-8",
	KindStoreLittleEndian16:               "store-little-endian-16",
	KindStoreLittleEndianLow24of32:        "store-little-endian-low24of32",
	KindStoreLittleEndian32:               "store-little-endian-32",
	KindStoreLittleEndian64:               "store-little-endian-64",
	KindStoreBigEndian16:                  "store-big-endian-16",
	KindStoreBigEndianLow24of32:           "store-big-endian-low24of32",
	KindStoreBigEndian32:                  "store-big-endian-32",
	KindStoreBigEndian64:                  "store-big-endian-64",
	KindStoreX86BranchPCRel8:              "store-x86-branch-pcrel8",
	KindStoreX86BranchPCRel32:             "store-x86-branch-pcrel32",
	KindStoreX86PCRel8:                    "store-x86-pcrel8",
	KindStoreX86PCRel16:                   "store-x86-pcrel16",
	KindStoreX86PCRel32:                   "store-x86-pcrel32",
	KindStoreX86PCRel32_1:                 "store-x86-pcrel32-1",
	KindStoreX86PCRel32_2:                 "store-x86-pcrel32-2",
	KindStoreX86PCRel32_4:                 "store-x86-pcrel32-4",
	KindStoreX86PCRel32GOTLoad:            "store-x86-pcrel32-got-load",
	KindStoreX86PCRel32GOTLoadNowLEA:      "store-x86-pcrel32-got-load-now-lea",
	KindStoreX86PCRel32GOT:                "store-x86-pcrel32-got",
	KindStoreX86PCRel32TLVLoad:            "store-x86-pcrel32-tlv-load",
	KindStoreX86PCRel32TLVLoadNowLEA:      "store-x86-pcrel32-tlv-load-now-lea",
	KindStoreX86Abs32TLVLoad:              "store-x86-abs32-tlv-load",
	KindStoreX86Abs32TLVLoadNowLEA:        "store-x86-abs32-tlv-load-now-lea",
	KindStoreARMBranch24:                  "store-arm-branch24",
	KindStoreThumbBranch22:                "store-thumb-branch22",
	KindStoreARMLoad12:                    "store-arm-load12",
	KindStoreARMLow16:                     "store-arm-low16",
	KindStoreARMHigh16:                    "store-arm-high16",
	KindStoreThumbLow16:                   "store-thumb-low16",
	KindStoreThumbHigh16:                  "store-thumb-high16",
	KindStoreARM64Branch26:                "store-arm64-branch26",
	KindStoreARM64Page21:                  "store-arm64-page21",
	KindStoreARM64PageOff12:               "store-arm64-pageoff12",
	KindStoreARM64GOTLoadPage21:           "store-arm64-got-load-page21",
	KindStoreARM64GOTLoadPageOff12:        "store-arm64-got-load-pageoff12",
	KindStoreARM64GOTLeaPage21:            "store-arm64-got-lea-page21",
	KindStoreARM64GOTLeaPageOff12:         "store-arm64-got-lea-pageoff12",
	KindStoreARM64TLVPLoadPage21:          "store-arm64-tlvp-load-page21",
	KindStoreARM64TLVPLoadPageOff12:       "store-arm64-tlvp-load-pageoff12",
	KindStoreARM64TLVPLoadNowLeaPage21:    "store-arm64-tlvp-load-now-lea-page21",
	KindStoreARM64TLVPLoadNowLeaPageOff12: "store-arm64-tlvp-load-now-lea-pageoff12",
	KindStoreARM64PointerToGOT:            "store-arm64-pointer-to-got",
	KindStoreARM64PCRelToGOT:              "store-arm64-pcrel-to-got",

	KindStoreTargetAddressLittleEndian32:               "store-target-address-little-endian-32",
	KindStoreTargetAddressLittleEndian64:               "store-target-address-little-endian-64",
	KindStoreTargetAddressX86BranchPCRel32:             "store-target-address-x86-branch-pcrel32",
	KindStoreTargetAddressX86PCRel32:                   "store-target-address-x86-pcrel32",
	KindStoreTargetAddressX86PCRel32GOTLoad:            "store-target-address-x86-pcrel32-got-load",
	KindStoreTargetAddressX86PCRel32GOTLoadNowLEA:      "store-target-address-x86-pcrel32-got-load-now-lea",
	KindStoreTargetAddressX86PCRel32TLVLoad:            "store-target-address-x86-pcrel32-tlv-load",
	KindStoreTargetAddressX86PCRel32TLVLoadNowLEA:      "store-target-address-x86-pcrel32-tlv-load-now-lea",
	KindStoreTargetAddressX86Abs32TLVLoad:              "store-target-address-x86-abs32-tlv-load",
	KindStoreTargetAddressARMBranch24:                  "store-target-address-arm-branch24",
	KindStoreTargetAddressThumbBranch22:                "store-target-address-thumb-branch22",
	KindStoreTargetAddressARMLoad12:                    "store-target-address-arm-load12",
	KindStoreTargetAddressARM64Branch26:                "store-target-address-arm64-branch26",
	KindStoreTargetAddressARM64Page21:                  "store-target-address-arm64-page21",
	KindStoreTargetAddressARM64PageOff12:               "store-target-address-arm64-pageoff12",
	KindStoreTargetAddressARM64GOTLoadPage21:           "store-target-address-arm64-got-load-page21",
	KindStoreTargetAddressARM64GOTLoadPageOff12:        "store-target-address-arm64-got-load-pageoff12",
	KindStoreTargetAddressARM64GOTLeaPage21:            "store-target-address-arm64-got-lea-page21",
	KindStoreTargetAddressARM64GOTLeaPageOff12:         "store-target-address-arm64-got-lea-pageoff12",
	KindStoreTargetAddressARM64TLVPLoadPage21:          "store-target-address-arm64-tlvp-load-page21",
	KindStoreTargetAddressARM64TLVPLoadPageOff12:       "store-target-address-arm64-tlvp-load-pageoff12",
	KindStoreTargetAddressARM64TLVPLoadNowLeaPage21:    "store-target-address-arm64-tlvp-load-now-lea-page21",
	KindStoreTargetAddressARM64TLVPLoadNowLeaPageOff12: "store-target-address-arm64-tlvp-load-now-lea-pageoff12",
}

func (k FixupKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseFixupKind is the inverse of FixupKind.String.
func ParseFixupKind(s string) (FixupKind, error) {
	for k, n := range kindNames {
		if n == s && n != "" {
			return FixupKind(k), nil
		}
	}
	return KindNone, fmt.Errorf("unknown fixup kind %q", s)
}

// IsStore reports whether the kind writes the accumulator into content.
func (k FixupKind) IsStore() bool {
	return k >= KindStoreLittleEndian8 && k < kindCount || k == KindSetLazyOffset
}

// SetsTarget reports whether the kind loads the bound target's address.
func (k FixupKind) SetsTarget() bool {
	switch k {
	case KindSetTargetAddress, KindSetTargetImageOffset, KindSetTargetSectionOffset, KindSetTargetTLVTemplateOffset:
		return true
	}
	return k >= KindStoreTargetAddressLittleEndian32 && k < kindCount
}

// IsPointerStore reports whether the kind stores a pointer sized absolute value.
func (k FixupKind) IsPointerStore(ptrSize int) bool {
	switch k {
	case KindStoreLittleEndian64, KindStoreTargetAddressLittleEndian64:
		return ptrSize == 8
	case KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32:
		return ptrSize == 4
	}
	return false
}

var pcRelKinds = map[FixupKind]bool{
	KindStoreX86BranchPCRel8:                        true,
	KindStoreX86BranchPCRel32:                       true,
	KindStoreX86PCRel8:                              true,
	KindStoreX86PCRel16:                             true,
	KindStoreX86PCRel32:                             true,
	KindStoreX86PCRel32_1:                           true,
	KindStoreX86PCRel32_2:                           true,
	KindStoreX86PCRel32_4:                           true,
	KindStoreX86PCRel32GOTLoad:                      true,
	KindStoreX86PCRel32GOTLoadNowLEA:                true,
	KindStoreX86PCRel32GOT:                          true,
	KindStoreX86PCRel32TLVLoad:                      true,
	KindStoreX86PCRel32TLVLoadNowLEA:                true,
	KindStoreARMBranch24:                            true,
	KindStoreThumbBranch22:                          true,
	KindStoreARMLoad12:                              true,
	KindStoreARM64Branch26:                          true,
	KindStoreARM64Page21:                            true,
	KindStoreARM64GOTLoadPage21:                     true,
	KindStoreARM64GOTLeaPage21:                      true,
	KindStoreARM64TLVPLoadPage21:                    true,
	KindStoreARM64TLVPLoadNowLeaPage21:              true,
	KindStoreARM64PCRelToGOT:                        true,
	KindStoreTargetAddressX86BranchPCRel32:          true,
	KindStoreTargetAddressX86PCRel32:                true,
	KindStoreTargetAddressX86PCRel32GOTLoad:         true,
	KindStoreTargetAddressX86PCRel32GOTLoadNowLEA:   true,
	KindStoreTargetAddressX86PCRel32TLVLoad:         true,
	KindStoreTargetAddressX86PCRel32TLVLoadNowLEA:   true,
	KindStoreTargetAddressARMBranch24:               true,
	KindStoreTargetAddressThumbBranch22:             true,
	KindStoreTargetAddressARMLoad12:                 true,
	KindStoreTargetAddressARM64Branch26:             true,
	KindStoreTargetAddressARM64Page21:               true,
	KindStoreTargetAddressARM64GOTLoadPage21:        true,
	KindStoreTargetAddressARM64GOTLeaPage21:         true,
	KindStoreTargetAddressARM64TLVPLoadPage21:       true,
	KindStoreTargetAddressARM64TLVPLoadNowLeaPage21: true,
}

// IsPCRel reports whether the stored value is relative to the fixup site.
func (k FixupKind) IsPCRel() bool { return pcRelKinds[k] }

// Cluster is a fixup's position within the group that computes one value.
type Cluster uint8

const (
	Cluster1of1 Cluster = iota
	Cluster1of2
	Cluster2of2
	Cluster1of3
	Cluster2of3
	Cluster3of3
	Cluster1of4
	Cluster2of4
	Cluster3of4
	Cluster4of4
	Cluster1of5
	Cluster2of5
	Cluster3of5
	Cluster4of5
	Cluster5of5
)

// First reports whether the fixup starts a cluster.
func (c Cluster) First() bool {
	switch c {
	case Cluster1of1, Cluster1of2, Cluster1of3, Cluster1of4, Cluster1of5:
		return true
	}
	return false
}

// Last reports whether the fixup ends a cluster.
func (c Cluster) Last() bool {
	switch c {
	case Cluster1of1, Cluster2of2, Cluster3of3, Cluster4of4, Cluster5of5:
		return true
	}
	return false
}

// Binding says how a fixup names its target.
type Binding uint8

const (
	BindingNone Binding = iota
	BindingByName
	BindingDirect
	BindingIndirect
)

// PointerAuth is arm64e signing metadata for a pointer store.
type PointerAuth struct {
	Key              uint8
	Discriminator    uint16
	AddressDiversity bool
}

// LOH is an arm64 linker optimization hint: a kind and up to four
// instruction addresses expressed as offsets from the atom start.
type LOH struct {
	Kind    uint8
	Offsets []uint32
}

// Fixup is one relocation directive on an atom.
type Fixup struct {
	Offset       uint32
	Kind         FixupKind
	Cluster      Cluster
	Binding      Binding
	Target       *Atom
	TargetName   string
	BindingIndex uint32
	Addend       int64
	WeakImport   bool
	Auth         *PointerAuth
	Hint         *LOH
}

func (f *Fixup) String() string {
	var target string
	switch f.Binding {
	case BindingDirect:
		target = f.Target.String()
	case BindingByName:
		target = f.TargetName
	case BindingIndirect:
		target = fmt.Sprintf("#%d", f.BindingIndex)
	}
	if target == "" {
		return fmt.Sprintf("%s@%#x", f.Kind, f.Offset)
	}
	return fmt.Sprintf("%s@%#x -> %s", f.Kind, f.Offset, target)
}

// IndirectBindingTable resolves indirectly bound fixups.
type IndirectBindingTable interface {
	IndirectAtom(index uint32) (*Atom, bool)
}

// BindingTable is an IndirectBindingTable backed by a slice.
type BindingTable []*Atom

func (t BindingTable) IndirectAtom(index uint32) (*Atom, bool) {
	if int(index) >= len(t) || t[index] == nil {
		return nil, false
	}
	return t[index], true
}

// clusters splits an atom's fixups into their clusters.
func clusters(fixups []Fixup) ([][]Fixup, error) {
	var out [][]Fixup
	start := -1
	for i := range fixups {
		c := fixups[i].Cluster
		if c.First() {
			if start != -1 {
				return nil, fmt.Errorf("fixup %d starts a cluster inside another", i)
			}
			start = i
		} else if start == -1 {
			return nil, fmt.Errorf("fixup %d continues a cluster that never started", i)
		}
		if c.Last() {
			out = append(out, fixups[start:i+1])
			start = -1
		}
	}
	if start != -1 {
		return nil, fmt.Errorf("unterminated fixup cluster at %d", start)
	}
	return out, nil
}
