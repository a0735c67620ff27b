package skip

import (
	"testing"

	"github.com/blacktop/machlink/internal/context"
)

type plain struct{}

type optional struct{ skip bool }

func (optional) String() string                   { return "optional" }
func (o optional) Skip(ctx *context.Context) bool { return o.skip }

func TestMaybe(t *testing.T) {
	tests := []struct {
		name    string
		job     any
		wantRan bool
	}{
		{"not a skipper", plain{}, true},
		{"skipper that runs", optional{skip: false}, true},
		{"skipper that skips", optional{skip: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran bool
			err := Maybe(tt.job, func(*context.Context) error {
				ran = true
				return nil
			})(context.New(nil, nil))
			if err != nil {
				t.Fatal(err)
			}
			if ran != tt.wantRan {
				t.Errorf("ran = %v, want %v", ran, tt.wantRan)
			}
		})
	}
}
