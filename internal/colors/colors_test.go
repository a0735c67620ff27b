package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", false, &on, true},
		{"force off", true, &off, false},
		{"nil keeps enabled", true, nil, true},
		{"nil keeps disabled", false, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := color.NoColor
			defer func() { color.NoColor = orig }()

			color.NoColor = !tt.start
			Init(tt.force)
			if Enabled() != tt.want {
				t.Errorf("Enabled() = %v, want %v", Enabled(), tt.want)
			}
		})
	}
}

func TestPalette(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	palette := map[string]*color.Color{
		"job":     Job(),
		"address": Address(),
		"segment": Segment(),
		"section": Section(),
		"symbol":  Symbol(),
		"dylib":   Dylib(),
		"good":    Good(),
		"bad":     Bad(),
	}
	for name, c := range palette {
		t.Run(name, func(t *testing.T) {
			color.NoColor = false
			if got := c.Sprint("_main"); !strings.Contains(got, "\x1b[") {
				t.Errorf("expected ANSI codes when enabled, got %q", got)
			}
			color.NoColor = true
			if got := c.Sprint("_main"); got != "_main" {
				t.Errorf("expected plain text when disabled, got %q", got)
			}
		})
	}
}
