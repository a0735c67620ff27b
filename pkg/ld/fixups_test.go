package ld

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/machlink/pkg/ld/arm64"
	"github.com/blacktop/machlink/pkg/macho"
)

const testSite = 0x40000000

func newTestLinker(t *testing.T, arch macho.Arch) *Linker {
	t.Helper()
	l, err := New(Options{
		Arch:        arch,
		OutputKind:  OutputDylib,
		InstallName: "/usr/lib/libtest.dylib",
		Unaligned:   UnalignedError,
		Thumb2:      true,
	}, Input{})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func testCluster(kind FixupKind, thumbTarget bool) *cluster {
	a := &Atom{Name: "_site", Size: 8}
	a.place(nil, 0, testSite)
	return &cluster{
		atom:    a,
		store:   &Fixup{Kind: kind},
		target:  &Atom{Name: "_target", Thumb: thumbTarget},
		setKind: KindSetTargetAddress,
	}
}

func TestStoreRangeBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		arch    macho.Arch
		kind    FixupKind
		ins     uint32
		thumb   bool
		bias    int64
		delta   int64
		wantErr bool
	}{
		{"arm64 branch26 max", macho.ArchARM64, KindStoreARM64Branch26, 0x94000000, false, 0, 128<<20 - 4, false},
		{"arm64 branch26 past max", macho.ArchARM64, KindStoreARM64Branch26, 0x94000000, false, 0, 128 << 20, true},
		{"arm64 branch26 min", macho.ArchARM64, KindStoreARM64Branch26, 0x94000000, false, 0, -128 << 20, false},
		{"arm64 branch26 past min", macho.ArchARM64, KindStoreARM64Branch26, 0x94000000, false, 0, -128<<20 - 4, true},
		{"x86 pcrel32 max", macho.ArchX86_64, KindStoreX86BranchPCRel32, 0, false, 4, 1<<31 - 1, false},
		{"x86 pcrel32 past max", macho.ArchX86_64, KindStoreX86BranchPCRel32, 0, false, 4, 1 << 31, true},
		{"x86 pcrel32 min", macho.ArchX86_64, KindStoreX86BranchPCRel32, 0, false, 4, -1 << 31, false},
		{"x86 pcrel32 past min", macho.ArchX86_64, KindStoreX86BranchPCRel32, 0, false, 4, -1<<31 - 1, true},
		{"x86 pcrel8 max", macho.ArchX86_64, KindStoreX86BranchPCRel8, 0, false, 1, 127, false},
		{"x86 pcrel8 past max", macho.ArchX86_64, KindStoreX86BranchPCRel8, 0, false, 1, 128, true},
		{"x86 pcrel8 min", macho.ArchX86_64, KindStoreX86BranchPCRel8, 0, false, 1, -128, false},
		{"x86 pcrel8 past min", macho.ArchX86_64, KindStoreX86BranchPCRel8, 0, false, 1, -129, true},
		{"arm branch24 max", macho.ArchARMv7, KindStoreARMBranch24, 0xEB000000, false, 8, 32<<20 - 4, false},
		{"arm branch24 past max", macho.ArchARMv7, KindStoreARMBranch24, 0xEB000000, false, 8, 32 << 20, true},
		{"arm branch24 min", macho.ArchARMv7, KindStoreARMBranch24, 0xEB000000, false, 8, -32 << 20, false},
		{"arm branch24 past min", macho.ArchARMv7, KindStoreARMBranch24, 0xEB000000, false, 8, -32<<20 - 4, true},
		{"thumb2 branch max", macho.ArchARMv7, KindStoreThumbBranch22, 0xD000F000, true, 4, 16<<20 - 2, false},
		{"thumb2 branch past max", macho.ArchARMv7, KindStoreThumbBranch22, 0xD000F000, true, 4, 16 << 20, true},
		{"thumb2 branch min", macho.ArchARMv7, KindStoreThumbBranch22, 0xD000F000, true, 4, -16 << 20, false},
		{"thumb2 branch past min", macho.ArchARMv7, KindStoreThumbBranch22, 0xD000F000, true, 4, -16<<20 - 2, true},
		{"arm load12 max", macho.ArchARMv7, KindStoreARMLoad12, 0xE5900000, false, 8, 4095, false},
		{"arm load12 past max", macho.ArchARMv7, KindStoreARMLoad12, 0xE5900000, false, 8, 4096, true},
		{"arm load12 min", macho.ArchARMv7, KindStoreARMLoad12, 0xE5900000, false, 8, -4095, false},
		{"arm load12 past min", macho.ArchARMv7, KindStoreARMLoad12, 0xE5900000, false, 8, -4096, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLinker(t, tt.arch)
			c := testCluster(tt.kind, tt.thumb)
			content := make([]byte, 8)
			binary.LittleEndian.PutUint32(content, tt.ins)
			acc := tt.delta + testSite + tt.bias
			err := l.store(c, content, acc, false)
			if tt.wantErr {
				if !errors.Is(err, ErrRange) {
					t.Fatalf("store() error = %v, want ErrRange", err)
				}
				var re *RangeError
				if !errors.As(err, &re) || re.Atom != "_site" || re.Target != "_target" {
					t.Errorf("store() error = %#v, want a RangeError naming _site and _target", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("store() error = %v", err)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		arch   macho.Arch
		kind   FixupKind
		ins    uint32
		target uint64
		decode func(b []byte) uint64
	}{
		{
			name: "arm64 branch26", arch: macho.ArchARM64, kind: KindStoreARM64Branch26, ins: 0x94000000,
			target: testSite + 0x123450,
			decode: func(b []byte) uint64 {
				return uint64(testSite + arm64.Branch26(binary.LittleEndian.Uint32(b)))
			},
		},
		{
			name: "arm64 branch26 backwards", arch: macho.ArchARM64, kind: KindStoreARM64Branch26, ins: 0x94000000,
			target: testSite - 0x800,
			decode: func(b []byte) uint64 {
				return uint64(testSite + arm64.Branch26(binary.LittleEndian.Uint32(b)))
			},
		},
		{
			name: "arm64 page21", arch: macho.ArchARM64, kind: KindStoreARM64Page21, ins: 0x90000000,
			target: testSite + 0x5678,
			decode: func(b []byte) uint64 {
				return uint64(int64(arm64.Page(testSite)) + arm64.Page21(binary.LittleEndian.Uint32(b)))
			},
		},
		{
			name: "x86 pcrel32", arch: macho.ArchX86_64, kind: KindStoreX86PCRel32, target: testSite - 0x10,
			decode: func(b []byte) uint64 {
				return uint64(testSite + 4 + int64(int32(binary.LittleEndian.Uint32(b))))
			},
		},
		{
			name: "x86 pcrel32_4", arch: macho.ArchX86_64, kind: KindStoreX86PCRel32_4, target: testSite + 0x4000,
			decode: func(b []byte) uint64 {
				return uint64(testSite + 8 + int64(int32(binary.LittleEndian.Uint32(b))))
			},
		},
		{
			name: "pointer64", arch: macho.ArchX86_64, kind: KindStoreLittleEndian64, target: 0x1_0000_4000,
			decode: func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
		},
		{
			name: "pointer32", arch: macho.ArchI386, kind: KindStoreLittleEndian32, target: 0x4000,
			decode: func(b []byte) uint64 { return uint64(binary.LittleEndian.Uint32(b)) },
		},
		{
			name: "arm branch24", arch: macho.ArchARMv7, kind: KindStoreARMBranch24, ins: 0xEB000000, target: testSite + 0x1000,
			decode: func(b []byte) uint64 {
				imm := int64(int32(binary.LittleEndian.Uint32(b)<<8) >> 8)
				return uint64(testSite + 8 + imm<<2)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLinker(t, tt.arch)
			c := testCluster(tt.kind, false)
			content := make([]byte, 8)
			binary.LittleEndian.PutUint32(content, tt.ins)
			if err := l.store(c, content, int64(tt.target), false); err != nil {
				t.Fatalf("store() error = %v", err)
			}
			want := tt.target
			if tt.kind == KindStoreARM64Page21 {
				want = arm64.Page(tt.target)
			}
			if got := tt.decode(content); got != want {
				t.Errorf("decoded %#x, want %#x", got, want)
			}
		})
	}
}

func TestStoreX86LoadToLEA(t *testing.T) {
	l := newTestLinker(t, macho.ArchX86_64)
	a := &Atom{Name: "_f", Size: 7}
	a.place(nil, 0, testSite)
	c := &cluster{atom: a, offset: 3, store: &Fixup{Offset: 3, Kind: KindStoreX86PCRel32GOTLoadNowLEA}, target: &Atom{Name: "_g"}, setKind: KindSetTargetAddress}
	content := []byte{0x48, 0x8B, 0x05, 0, 0, 0, 0} // movq _g@GOTPCREL(%rip), %rax
	if err := l.store(c, content, testSite+0x100, false); err != nil {
		t.Fatal(err)
	}
	if content[1] != 0x8D {
		t.Errorf("opcode = %#x, want leaq (0x8d)", content[1])
	}
	if got := int32(binary.LittleEndian.Uint32(content[3:])); got != 0x100-7 {
		t.Errorf("displacement = %#x, want %#x", got, 0x100-7)
	}
}

func TestCheck32(t *testing.T) {
	tests := []struct {
		name    string
		arch    macho.Arch
		value   int64
		wantErr bool
	}{
		{"fits", macho.ArchX86_64, 0xFFFFFFFF, false},
		{"negative fits", macho.ArchX86_64, -1, false},
		{"overflow on 64-bit", macho.ArchX86_64, 0x1_0000_0000, true},
		{"overflow on 32-bit warns", macho.ArchI386, 0x1_0000_0000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLinker(t, tt.arch)
			err := l.check32(testCluster(KindStoreLittleEndian32, false), tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("check32() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClusters(t *testing.T) {
	tests := []struct {
		name    string
		fixups  []Fixup
		want    int
		wantErr bool
	}{
		{"single", []Fixup{{Cluster: Cluster1of1}}, 1, false},
		{"pair and single", []Fixup{{Cluster: Cluster1of2}, {Cluster: Cluster2of2}, {Cluster: Cluster1of1}}, 2, false},
		{"unterminated", []Fixup{{Cluster: Cluster1of3}, {Cluster: Cluster2of3}}, 0, true},
		{"continues nothing", []Fixup{{Cluster: Cluster2of2}}, 0, true},
		{"nested start", []Fixup{{Cluster: Cluster1of2}, {Cluster: Cluster1of1}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := clusters(tt.fixups)
			if (err != nil) != tt.wantErr {
				t.Fatalf("clusters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("clusters() = %d groups, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseClusters(t *testing.T) {
	a := &Atom{Name: "_a", Size: 8}
	b := &Atom{Name: "_b", Size: 8}
	set := func(c Cluster, target *Atom) Fixup {
		return Fixup{Kind: KindSetTargetAddress, Cluster: c, Binding: BindingDirect, Target: target}
	}
	sub := func(c Cluster, target *Atom) Fixup {
		return Fixup{Kind: KindSubtractTargetAddress, Cluster: c, Binding: BindingDirect, Target: target}
	}
	store := func(c Cluster) Fixup { return Fixup{Kind: KindStoreLittleEndian64, Cluster: c} }
	tests := []struct {
		name    string
		fixups  []Fixup
		wantErr error
	}{
		{"set and store", []Fixup{set(Cluster1of2, a), store(Cluster2of2)}, nil},
		{"difference", []Fixup{set(Cluster1of3, a), sub(Cluster2of3, b), store(Cluster3of3)}, nil},
		{"two set targets", []Fixup{set(Cluster1of3, a), set(Cluster2of3, b), store(Cluster3of3)}, errAny},
		{"two subtracts", []Fixup{set(Cluster1of4, a), sub(Cluster2of4, b), sub(Cluster3of4, a), store(Cluster4of4)}, errAny},
		{"set target and combined store", []Fixup{set(Cluster1of2, a),
			{Kind: KindStoreTargetAddressLittleEndian64, Cluster: Cluster2of2, Binding: BindingDirect, Target: b}}, errAny},
		{"store without target", []Fixup{{Kind: KindAddAddend, Cluster: Cluster1of2, Addend: 8}, store(Cluster2of2)}, errAny},
		{"two stores", []Fixup{set(Cluster1of3, a), store(Cluster2of3), store(Cluster3of3)}, errAny},
		{"image offset without binding", []Fixup{{Kind: KindSetTargetImageOffset, Cluster: Cluster1of2, Binding: BindingNone},
			{Kind: KindStoreLittleEndian32, Cluster: Cluster2of2}}, ErrUnbound},
		{"subtract without binding", []Fixup{set(Cluster1of3, a), {Kind: KindSubtractTargetAddress, Cluster: Cluster2of3, Binding: BindingNone},
			store(Cluster3of3)}, ErrUnbound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLinker(t, macho.ArchX86_64)
			site := &Atom{Name: "_site", Size: 8, Fixups: tt.fixups}
			_, err := l.parseClusters(site)
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("parseClusters() error = %v", err)
			case tt.wantErr != nil && err == nil:
				t.Fatal("parseClusters() accepted a malformed cluster")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Errorf("parseClusters() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestUnboundImageOffsetFailsLink(t *testing.T) {
	d := dataAtom("_d", 8)
	d.Fixups = []Fixup{
		{Offset: 0, Kind: KindSetTargetImageOffset, Cluster: Cluster1of2, Binding: BindingNone},
		{Offset: 0, Kind: KindStoreLittleEndian32, Cluster: Cluster2of2},
	}
	l, err := New(dylibOptions(macho.ArchX86_64, FixupsDyldInfo), Input{
		Sections: []*Section{textSection(codeAtom("_f", 0xC3)), dataSection(d)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background()); !errors.Is(err, ErrUnbound) {
		t.Errorf("Run() error = %v, want %v", err, ErrUnbound)
	}
}
