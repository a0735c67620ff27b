package table

import (
	"bytes"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tb := New("SEG", "SECT", "ADDR")
	tb.AlignRight(2)
	tb.Append("__TEXT", "__text", "0x1000")
	tb.Append("__DATA_CONST", "__got", "0x10000")
	tb.Append("__LINKEDIT")

	out := tb.Render()
	lines := strings.Split(out, "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want header, rule and 3 rows:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "---") || !strings.Contains(lines[1], "+") {
		t.Errorf("rule line = %q", lines[1])
	}
	width := len(lines[0])
	for i, l := range lines {
		if len(l) != width {
			t.Errorf("line %d is %d wide, want %d: %q", i, len(l), width, l)
		}
	}
	if !strings.HasSuffix(lines[2], " 0x1000 ") {
		t.Errorf("address column not right aligned: %q", lines[2])
	}
	if tb.Len() != 3 {
		t.Errorf("Len() = %d", tb.Len())
	}
}

func TestRenderEmpty(t *testing.T) {
	if got := New().Render(); got != "" {
		t.Errorf("Render() = %q, want empty", got)
	}
}

func TestWriteTo(t *testing.T) {
	tb := New("NAME")
	tb.Append("_main", "ignored")
	var buf bytes.Buffer
	if _, err := tb.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "ignored") {
		t.Error("extra cells were rendered")
	}
	if !strings.HasSuffix(buf.String(), "_main \n") {
		t.Errorf("got %q", buf.String())
	}
}
