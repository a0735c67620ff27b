package pipe

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSkip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"skip", Skip("no uuid"), true},
		{"formatted", Skipf("no %s", "chains"), true},
		{"wrapped", fmt.Errorf("uuid: %w", Skip("disabled")), true},
		{"plain", errors.New("out of range"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSkip(tt.err); got != tt.want {
				t.Errorf("IsSkip(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSkipMemento(t *testing.T) {
	var m SkipMemento
	if err := m.Evaluate(); err != nil {
		t.Fatalf("empty memento = %v, want nil", err)
	}
	m.Remember(Skip("no map file"))
	m.Remember(Skip("no provenance file"))
	m.Remember(Skip("no map file"))
	m.Remember(errors.New("not a skip"))

	err := m.Evaluate()
	if !IsSkip(err) {
		t.Fatalf("Evaluate() = %v, want a skip", err)
	}
	if want := "no map file, no provenance file"; err.Error() != want {
		t.Errorf("Evaluate() = %q, want %q", err, want)
	}
}
