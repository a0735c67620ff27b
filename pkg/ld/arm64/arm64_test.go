package arm64

import "testing"

func TestBranch26(t *testing.T) {
	const bl = 0x94000000
	tests := []struct {
		name  string
		delta int64
		ok    bool
	}{
		{"forward", 0x100, true},
		{"backward", -0x100, true},
		{"max", branchSpan - 4, true},
		{"min", -branchSpan, true},
		{"too far", branchSpan, false},
		{"200MB", 200 << 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BranchInRange(tt.delta); got != tt.ok {
				t.Fatalf("BranchInRange(%#x) = %v, want %v", tt.delta, got, tt.ok)
			}
			if !tt.ok {
				return
			}
			ins := SetBranch26(bl, tt.delta)
			if ins&0xFC000000 != bl {
				t.Errorf("opcode clobbered: %#x", ins)
			}
			if got := Branch26(ins); got != tt.delta {
				t.Errorf("Branch26 = %#x, want %#x", got, tt.delta)
			}
		})
	}
}

func TestPage21(t *testing.T) {
	const adrpX16 = 0x90000010
	for _, delta := range []int64{0, 0x1000, -0x1000, 0x12345000, -(4 << 30)} {
		ins := SetPage21(adrpX16, delta)
		if !IsADRP(ins) || Rd(ins) != 16 {
			t.Fatalf("SetPage21 broke instruction: %#x", ins)
		}
		if got := Page21(ins); got != delta {
			t.Errorf("Page21 = %#x, want %#x", got, delta)
		}
	}
}

func TestSetPageOff12(t *testing.T) {
	const ldrX = 0xF9400000 // ldr x0, [x0]
	const addX = 0x91000000 // add x0, x0, #0
	const ldrQ = 0x3DC00000 // ldr q0, [x0]
	tests := []struct {
		name    string
		ins     uint32
		target  uint64
		wantImm uint32
		wantErr bool
	}{
		{"add", addX, 0x1234, 0x234, false},
		{"ldr x scaled", ldrX, 0x5010, 0x2, false},
		{"ldr x unaligned", ldrX, 0x5014, 0, true},
		{"ldr q scaled", ldrQ, 0x20, 0x2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SetPageOff12(tt.ins, tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && Imm12(got) != tt.wantImm {
				t.Errorf("imm12 = %#x, want %#x", Imm12(got), tt.wantImm)
			}
		})
	}
}

func TestLiteralLoad(t *testing.T) {
	const ldrX1 = 0xF9400021 // ldr x1, [x1]
	ins, ok := LiteralLoad(ldrX1, 0x40)
	if !ok {
		t.Fatal("ldr x should have a literal form")
	}
	if ins != 0x58000000|(0x40>>2)<<5|1 {
		t.Errorf("LiteralLoad = %#x", ins)
	}
	if _, ok := LiteralLoad(ldrX1, 2<<20); ok {
		t.Error("literal load beyond 1MB accepted")
	}
	const ldrb = 0x39400021
	if _, ok := LiteralLoad(ldrb, 0x40); ok {
		t.Error("ldrb has no literal form")
	}
}

func TestADR(t *testing.T) {
	ins := ADR(3, -8)
	if !IsADR(ins) || Rd(ins) != 3 {
		t.Fatalf("ADR = %#x", ins)
	}
	imm := (ins>>29)&0x3 | ((ins>>5)&0x7FFFF)<<2
	if got := int64(int32(imm<<11) >> 11); got != -8 {
		t.Errorf("ADR delta = %d, want -8", got)
	}
}
