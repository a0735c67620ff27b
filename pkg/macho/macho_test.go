package macho

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		str     string
		wantErr bool
	}{
		{"", 0, "0.0", false},
		{"1", 0x10000, "1.0", false},
		{"14.0", 0xE0000, "14.0", false},
		{"1.2.3", 0x10203, "1.2.3", false},
		{"65535.255.255", 0xFFFFFFFF, "65535.255.255", false},
		{"1.256", 0, "", true},
		{"1.2.3.4", 0, "", true},
		{"one", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseVersion() = %#x, want %#x", uint32(got), uint32(tt.want))
			}
			if got.String() != tt.str {
				t.Errorf("String() = %q, want %q", got.String(), tt.str)
			}
		})
	}
}

func TestParseSourceVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    SourceVersion
		wantErr bool
	}{
		{"", 0, false},
		{"1", 1 << 40, false},
		{"1.2.3.4.5", 1<<40 | 2<<30 | 3<<20 | 4<<10 | 5, false},
		{"1.1024", 0, true},
		{"1.2.3.4.5.6", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSourceVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSourceVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSourceVersion() = %#x, want %#x", uint64(got), uint64(tt.want))
			}
		})
	}
}

func TestParseArch(t *testing.T) {
	for _, a := range []Arch{ArchX86_64, ArchI386, ArchARM64, ArchARM64E, ArchARMv7} {
		t.Run(a.String(), func(t *testing.T) {
			got, err := ParseArch(a.String())
			if err != nil || got != a {
				t.Errorf("ParseArch(%q) = %v, %v", a.String(), got, err)
			}
		})
	}
	if _, err := ParseArch("ppc"); err == nil {
		t.Error("ParseArch accepted ppc")
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("macOS")
	if err != nil || p != PlatformMacOS {
		t.Errorf("ParsePlatform(macOS) = %v, %v", p, err)
	}
	if p.String() != "macos" {
		t.Errorf("String() = %q", p.String())
	}
	if _, err := ParsePlatform("beos"); err == nil {
		t.Error("ParsePlatform accepted beos")
	}
}
