package report

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/blacktop/machlink/pkg/ld"
	"github.com/google/uuid"
)

// Dylibs groups the dependent libraries by how they are linked.
type Dylibs struct {
	Linked     []string `json:"linked,omitempty"`
	Reexported []string `json:"reexported,omitempty"`
	Upward     []string `json:"upward,omitempty"`
	Weak       []string `json:"weak,omitempty"`
	Lazy       []string `json:"lazy,omitempty"`
}

// Provenance records what went into a build.
type Provenance struct {
	UUID        string    `json:"uuid,omitempty"`
	Arch        string    `json:"arch"`
	Kind        string    `json:"kind"`
	Output      string    `json:"output"`
	InstallName string    `json:"install_name,omitempty"`
	Size        int       `json:"size"`
	Dylibs      Dylibs    `json:"dylibs"`
	Archives    []string  `json:"archives,omitempty"`
	Inputs      []string  `json:"inputs,omitempty"`
	Stats       ld.Stats  `json:"stats"`
	Date        time.Time `json:"date"`
	Version     string    `json:"version,omitempty"`
}

// NewProvenance collects the record of a finished build.
func NewProvenance(output string, opts ld.Options, in ld.Input, res *ld.Result, date time.Time, version string) *Provenance {
	p := &Provenance{
		Arch:        opts.Arch.String(),
		Kind:        opts.OutputKind.String(),
		Output:      output,
		InstallName: opts.InstallName,
		Size:        len(res.Image),
		Stats:       res.Stats,
		Date:        date.UTC(),
		Version:     version,
	}
	if res.UUID != [16]byte{} {
		p.UUID = uuid.UUID(res.UUID).String()
	}
	for _, d := range in.Dylibs {
		switch {
		case d.Reexport:
			p.Dylibs.Reexported = append(p.Dylibs.Reexported, d.InstallName)
		case d.Upward:
			p.Dylibs.Upward = append(p.Dylibs.Upward, d.InstallName)
		case d.Weak:
			p.Dylibs.Weak = append(p.Dylibs.Weak, d.InstallName)
		case d.Lazy:
			p.Dylibs.Lazy = append(p.Dylibs.Lazy, d.InstallName)
		default:
			p.Dylibs.Linked = append(p.Dylibs.Linked, d.InstallName)
		}
	}
	archives := make(map[string]bool)
	inputs := make(map[string]bool)
	for _, sect := range in.Sections {
		for _, a := range sect.Atoms {
			if a.File == nil {
				continue
			}
			if a.File.Archive != "" {
				archives[a.File.Archive] = true
			} else {
				inputs[a.File.Path] = true
			}
		}
	}
	p.Archives = sortedKeys(archives)
	p.Inputs = sortedKeys(inputs)
	return p
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteTo writes the record as indented JSON.
func (p *Provenance) WriteTo(w io.Writer) (int64, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(b, '\n'))
	return int64(n), err
}
