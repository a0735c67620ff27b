package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/machlink/pkg/ld"
	"github.com/blacktop/machlink/pkg/macho"
)

func build(t *testing.T) (ld.Options, ld.Input, *ld.Result, *ld.Atom) {
	t.Helper()
	obj := &ld.File{Path: "/tmp/main.o", Ordinal: 1}
	member := &ld.File{Path: "/tmp/build/util.o", Ordinal: 2, Archive: "/tmp/libutil.a"}
	libSystem := &ld.Dylib{InstallName: "/usr/lib/libSystem.B.dylib", CurrentVersion: 0x10000, CompatVersion: 0x10000}
	libWeak := &ld.Dylib{InstallName: "/usr/lib/libweak.dylib", CurrentVersion: 0x10000, CompatVersion: 0x10000, Weak: true}

	main := &ld.Atom{
		Name: "_main", Scope: ld.ScopeGlobal, Inclusion: ld.IncludeIn, ContentType: ld.ContentCode,
		Size: 4, Content: []byte{0xC3, 0x90, 0x90, 0x90}, File: obj,
	}
	util := &ld.Atom{
		Name: "_util", Scope: ld.ScopeGlobal, Inclusion: ld.IncludeIn, ContentType: ld.ContentCode,
		Size: 1, Content: []byte{0xC3}, File: member,
	}
	dead := &ld.Atom{Name: "_unused", Scope: ld.ScopeGlobal, ContentType: ld.ContentCode, Size: 8, File: obj}

	opts := ld.Options{
		Arch:           macho.ArchX86_64,
		OutputKind:     ld.OutputDylib,
		FixupMode:      ld.FixupsDyldInfo,
		InstallName:    "/usr/lib/libreport.dylib",
		CurrentVersion: 0x10000,
		CompatVersion:  0x10000,
		Unaligned:      ld.UnalignedError,
	}
	in := ld.Input{
		Sections: []*ld.Section{{
			SegmentName: "__TEXT", SectionName: "__text", Type: ld.TypeCode, Align: 2,
			Atoms: []*ld.Atom{main, util},
		}},
		Dylibs: []*ld.Dylib{libSystem, libWeak},
	}
	res, err := ld.Link(context.Background(), opts, in)
	if err != nil {
		t.Fatal(err)
	}
	return opts, in, res, dead
}

func TestMapFile(t *testing.T) {
	opts, _, res, dead := build(t)
	var buf bytes.Buffer
	m := &Map{Path: "/tmp/libreport.dylib", Arch: opts.Arch, Result: res, DeadStripped: []*ld.Atom{dead}}
	n, err := m.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo() = %d, wrote %d", n, buf.Len())
	}
	out := buf.String()
	for _, want := range []string{
		"# Path: /tmp/libreport.dylib\n",
		"# Arch: x86_64\n",
		"[  0] linker synthesized\n",
		"[  1] /tmp/main.o\n",
		"[  2] /tmp/libutil.a(util.o)\n",
		"\t__TEXT\t__text\n",
		"[  1] _main\n",
		"[  2] _util\n",
		"# Dead Stripped Symbols:",
		"<<dead>> \t0x00000008\t[  1] _unused\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("map file missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "# Sections:") > strings.Index(out, "# Symbols:") {
		t.Error("sections must be listed before symbols")
	}
}

func TestMapFileWithoutDeadStrip(t *testing.T) {
	opts, _, res, _ := build(t)
	var buf bytes.Buffer
	if _, err := (&Map{Path: "a.out", Arch: opts.Arch, Result: res}).WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "Dead Stripped") {
		t.Error("dead strip table written with nothing stripped")
	}
}

func TestProvenance(t *testing.T) {
	opts, in, res, _ := build(t)
	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := NewProvenance("/tmp/libreport.dylib", opts, in, res, date, "1.0.0")

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("provenance is not JSON: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"arch", got["arch"], "x86_64"},
		{"kind", got["kind"], "dylib"},
		{"output", got["output"], "/tmp/libreport.dylib"},
		{"install name", got["install_name"], "/usr/lib/libreport.dylib"},
		{"date", got["date"], "2024-01-02T03:04:05Z"},
		{"size", got["size"], float64(len(res.Image))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if len(p.UUID) != 36 {
		t.Errorf("uuid = %q", p.UUID)
	}
	if len(p.Dylibs.Linked) != 1 || p.Dylibs.Linked[0] != "/usr/lib/libSystem.B.dylib" {
		t.Errorf("linked = %v", p.Dylibs.Linked)
	}
	if len(p.Dylibs.Weak) != 1 || p.Dylibs.Weak[0] != "/usr/lib/libweak.dylib" {
		t.Errorf("weak = %v", p.Dylibs.Weak)
	}
	if len(p.Archives) != 1 || p.Archives[0] != "/tmp/libutil.a" {
		t.Errorf("archives = %v", p.Archives)
	}
	if len(p.Inputs) != 1 || p.Inputs[0] != "/tmp/main.o" {
		t.Errorf("inputs = %v", p.Inputs)
	}
}
