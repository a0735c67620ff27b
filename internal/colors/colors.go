// Package colors is the terminal palette of the machlink CLI.
//
// Colors are disabled when stdout is not a terminal; fatih/color detects
// that on its own. Init lets the --color flag override the detection.
package colors

import "github.com/fatih/color"

// Init overrides the detected setting when force is not nil.
func Init(force *bool) {
	if force != nil {
		color.NoColor = !*force
	}
}

// Enabled reports whether output is colored.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

// Job headings in the link pipeline.
func Job() *color.Color { return color.New(color.Bold, color.FgHiWhite) }

// Address is used for vm addresses and file offsets.
func Address() *color.Color { return color.New(color.Faint, color.FgHiBlue) }

// Segment and Section names.
func Segment() *color.Color { return color.New(color.Bold, color.FgHiMagenta) }
func Section() *color.Color { return color.New(color.FgHiCyan) }

// Symbol names.
func Symbol() *color.Color { return color.New(color.Bold, color.FgHiGreen) }

// Dylib install names and other load command paths.
func Dylib() *color.Color { return color.New(color.FgHiYellow) }

func Good() *color.Color { return color.New(color.Bold, color.FgHiGreen) }
func Bad() *color.Color  { return color.New(color.Bold, color.FgHiRed) }
