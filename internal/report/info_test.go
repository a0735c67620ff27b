package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/blacktop/go-macho"
)

func TestInfo(t *testing.T) {
	_, _, res, _ := build(t)
	m, err := macho.NewFile(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	tests := []struct {
		name  string
		loads bool
		want  []string
	}{
		{"sections", false, []string{"UUID:", "Size:", "__TEXT", "__text", "__LINKEDIT"}},
		{"load commands", true, []string{"LC_ID_DYLIB", "LC_LOAD_DYLIB", "LC_UUID"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Info(&buf, m, int64(len(res.Image)), tt.loads); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("info missing %q:\n%s", want, buf.String())
				}
			}
			if !tt.loads && strings.Contains(buf.String(), "000: ") {
				t.Error("load commands printed without asking")
			}
		})
	}
}
