// Package report writes the side outputs of a link: the map file and the
// build provenance record. Both are read-only views over a finished build.
package report

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/blacktop/machlink/pkg/ld"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Map is the content of a map file.
type Map struct {
	Path   string
	Arch   macho.Arch
	Result *ld.Result
	// DeadStripped atoms are listed without addresses.
	DeadStripped []*ld.Atom
}

// inputName is how the map file names an object file.
func inputName(f *ld.File) string {
	if f.Archive != "" {
		return fmt.Sprintf("%s(%s)", f.Archive, filepath.Base(f.Path))
	}
	return f.Path
}

// files numbers the input files in ordinal order. Index 0 is reserved for
// atoms the linker made.
func (m *Map) files() ([]*ld.File, map[*ld.File]int) {
	seen := make(map[*ld.File]bool)
	var files []*ld.File
	add := func(a *ld.Atom) {
		if a.File != nil && !seen[a.File] {
			seen[a.File] = true
			files = append(files, a.File)
		}
	}
	for _, sect := range m.Result.Sections {
		for _, a := range sect.Atoms {
			add(a)
		}
	}
	for _, a := range m.DeadStripped {
		add(a)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Ordinal < files[j].Ordinal })
	index := make(map[*ld.File]int, len(files))
	for i, f := range files {
		index[f] = i + 1
	}
	return files, index
}

// WriteTo writes the map file.
func (m *Map) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: bufio.NewWriter(w)}
	files, index := m.files()
	fileOf := func(a *ld.Atom) int { return index[a.File] }

	fmt.Fprintf(cw, "# Path: %s\n", m.Path)
	fmt.Fprintf(cw, "# Arch: %s\n", m.Arch)
	fmt.Fprintf(cw, "# Size: %s\n", humanize.Bytes(uint64(len(m.Result.Image))))
	if m.Result.UUID != [16]byte{} {
		fmt.Fprintf(cw, "# UUID: %s\n", uuid.UUID(m.Result.UUID))
	}
	fmt.Fprintf(cw, "# Object files:\n")
	fmt.Fprintf(cw, "[%3d] linker synthesized\n", 0)
	for i, f := range files {
		fmt.Fprintf(cw, "[%3d] %s\n", i+1, inputName(f))
	}

	fmt.Fprintf(cw, "# Sections:\n# Address\tSize    \tSegment\tSection\n")
	for _, sect := range m.Result.Sections {
		if sect.Index() == 0 {
			continue
		}
		fmt.Fprintf(cw, "0x%08X\t0x%08X\t%s\t%s\n", sect.Address(), sect.Size(), sect.SegmentName, sect.SectionName)
	}

	fmt.Fprintf(cw, "# Symbols:\n# Address\tSize    \tFile  Name\n")
	for _, sect := range m.Result.Sections {
		if sect.Index() == 0 {
			continue
		}
		for _, a := range sect.Atoms {
			fmt.Fprintf(cw, "0x%08X\t0x%08X\t[%3d] %s\n", a.Address(), a.Size, fileOf(a), a)
		}
	}

	if len(m.DeadStripped) > 0 {
		fmt.Fprintf(cw, "\n# Dead Stripped Symbols:\n#        \tSize    \tFile  Name\n")
		for _, a := range m.DeadStripped {
			fmt.Fprintf(cw, "<<dead>> \t0x%08X\t[%3d] %s\n", a.Size, fileOf(a), a)
		}
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.(*bufio.Writer).Flush()
}

type countWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
