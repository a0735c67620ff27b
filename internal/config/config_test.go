package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/machlink/pkg/ld"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/spf13/viper"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		set      map[string]any
		defaults map[string]any
		wantErr  bool
	}{
		{
			name:    "missing unaligned policy",
			set:     map[string]any{"link.arch": "arm64"},
			wantErr: true,
		},
		{
			name:     "policy from plan defaults",
			defaults: map[string]any{"link.unaligned-pointers": "warn"},
		},
		{
			name:    "unknown policy",
			set:     map[string]any{"link.unaligned-pointers": "sometimes"},
			wantErr: true,
		},
		{
			name:    "unknown arch",
			set:     map[string]any{"link.unaligned-pointers": "error", "link.arch": "ppc"},
			wantErr: true,
		},
		{
			name:    "bad split seg version",
			set:     map[string]any{"link.unaligned-pointers": "error", "link.split-seg": 3},
			wantErr: true,
		},
		{
			name:    "unknown chained format",
			set:     map[string]any{"link.unaligned-pointers": "error", "link.chained-format": "16"},
			wantErr: true,
		},
		{
			name: "complete",
			set: map[string]any{
				"link.unaligned-pointers": "error",
				"link.arch":               "x86_64",
				"link.kind":               "dylib",
				"link.fixups":             "chained",
				"link.uuid":               "random",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v, tt.defaults)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetValuesBeatPlanDefaults(t *testing.T) {
	v := viper.New()
	v.Set("link.arch", "arm64")
	c, err := Load(v, map[string]any{
		"link.arch":               "x86_64",
		"link.unaligned-pointers": "ignore",
		"link.debug-notes":        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Link.Arch != "arm64" {
		t.Errorf("arch = %q, want the explicit arm64", c.Link.Arch)
	}
	if c.Link.UnalignedPointers != "ignore" || !c.Link.DebugNotes {
		t.Errorf("plan defaults not applied: %+v", c.Link)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	conf := "link:\n  arch: arm64\n  unaligned-pointers: warn\n  header-pad: 0x100\n"
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MACHLINK_LINK_UNALIGNED_POINTERS", "error")

	v := viper.New()
	v.SetConfigFile(path)
	BindEnv(v)
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	c, err := Load(v, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Link.UnalignedPointers != "error" {
		t.Errorf("unaligned-pointers = %q, want the environment's error", c.Link.UnalignedPointers)
	}
	if c.Link.HeaderPad != 0x100 {
		t.Errorf("header-pad = %#x, want 0x100", c.Link.HeaderPad)
	}
}

func TestSizes(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"16384", 16384, false},
		{"0x4000", 0x4000, false},
		{"16KiB", 16384, false},
		{"1 MB", 1000000, false},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := viper.New()
			v.Set("link.header-pad", tt.in)
			c, err := Load(v, map[string]any{"link.unaligned-pointers": "error"})
			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() accepted header-pad %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if c.Link.HeaderPad != tt.want {
				t.Errorf("header-pad = %d, want %d", c.Link.HeaderPad, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	c := &Config{Link: Link{
		Arch:              "arm64",
		Kind:              "dylib",
		Fixups:            "chained",
		ChainedFormat:     "64-offset",
		UnalignedPointers: "warn",
		UUID:              "none",
		SplitSeg:          2,
		HeaderPad:         0x200,
		DebugNotes:        true,
	}}
	o := ld.Options{InstallName: "/usr/lib/libfoo.dylib", CurrentVersion: 0x20000}
	if err := c.Apply(&o); err != nil {
		t.Fatal(err)
	}
	if o.Arch != macho.ArchARM64 || o.OutputKind != ld.OutputDylib || o.FixupMode != ld.FixupsChained {
		t.Errorf("kind fields = %v %v %v", o.Arch, o.OutputKind, o.FixupMode)
	}
	if o.ChainedFormat != fixupchains.DYLD_CHAINED_PTR_64_OFFSET {
		t.Errorf("chained format = %v", o.ChainedFormat)
	}
	if o.Unaligned != ld.UnalignedWarn || o.UUID != ld.UUIDNone || o.SplitSegVersion != 2 {
		t.Errorf("policies = %v %v %d", o.Unaligned, o.UUID, o.SplitSegVersion)
	}
	if !o.OptimizationHints || !o.DebugNotes || o.HeaderPad != 0x200 {
		t.Errorf("flags = %+v", o)
	}
	if o.InstallName != "/usr/lib/libfoo.dylib" || o.CurrentVersion != 0x20000 {
		t.Error("Apply() touched identity fields")
	}
}
