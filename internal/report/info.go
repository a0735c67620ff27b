package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/machlink/internal/colors"
	"github.com/blacktop/machlink/pkg/table"
	"github.com/dustin/go-humanize"
)

// Info prints a parsed image: header, UUID, sizes, the segment and section
// table and optionally every load command.
func Info(w io.Writer, m *macho.File, size int64, loads bool) error {
	bold := colors.Bold().SprintFunc()
	addr := colors.Address().SprintfFunc()
	seg := colors.Segment().SprintFunc()
	sect := colors.Section().SprintFunc()

	fmt.Fprintln(w, strings.TrimRight(m.FileHeader.String(), "\n"))
	fmt.Fprintln(w)
	if u := m.UUID(); u != nil {
		fmt.Fprintf(w, "%s %s\n", bold("UUID:"), u)
	}
	fmt.Fprintf(w, "%s %s (%d load commands, %s)\n", bold("Size:"),
		humanize.Bytes(uint64(size)), m.NCommands, humanize.Bytes(uint64(m.SizeCommands)))
	fmt.Fprintln(w)

	tb := table.New("SEGMENT", "SECTION", "ADDRESS", "SIZE", "OFFSET", "PROT")
	tb.AlignRight(2, 3, 4)
	if colors.Enabled() {
		tb.SetStyle(table.ColorStyle())
	}
	for _, s := range m.Segments() {
		tb.Append(seg(s.Name), "", addr("%#x", s.Addr), humanize.Bytes(s.Memsz), addr("%#x", s.Offset),
			fmt.Sprintf("%s/%s", s.Prot, s.Maxprot))
		for _, sc := range m.Sections {
			if sc.Seg != s.Name {
				continue
			}
			tb.Append("", sect(sc.Name), addr("%#x", sc.Addr), humanize.Bytes(sc.Size), addr("%#x", sc.Offset), "")
		}
	}
	if _, err := tb.WriteTo(w); err != nil {
		return err
	}

	if loads {
		fmt.Fprintln(w)
		for i, l := range m.Loads {
			fmt.Fprintf(w, "%03d: %-28s %s\n", i, l.Command(), l)
		}
	}
	return nil
}
