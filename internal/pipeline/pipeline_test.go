package pipeline

import (
	stdctx "context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blacktop/machlink/internal/config"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/pipeline/static"
	"github.com/blacktop/machlink/internal/plan"
	"github.com/spf13/viper"
)

func newContext(t *testing.T, settings map[string]any) *context.Context {
	t.Helper()
	p, err := plan.Parse(strings.NewReader(static.ExamplePlan))
	if err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	cfg, err := config.Load(v, p.Settings())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.New(cfg, p)
	ctx.Version = "test"
	return ctx
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "libhello.dylib")
	ctx := newContext(t, map[string]any{
		"link.output":     out,
		"link.map":        filepath.Join(dir, "libhello.map"),
		"link.provenance": filepath.Join(dir, "libhello.json"),
		"link.verify":     true,
	})
	if err := Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ctx.Written != out {
		t.Errorf("Written = %q, want %q", ctx.Written, out)
	}

	img, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(img) != len(ctx.Result.Image) {
		t.Errorf("wrote %d bytes, linked %d", len(img), len(ctx.Result.Image))
	}

	mapFile, err := os.ReadFile(filepath.Join(dir, "libhello.map"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"_hello", "_helper", "_table", "<<dead>>", "_unused"} {
		if !strings.Contains(string(mapFile), want) {
			t.Errorf("map file missing %q", want)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "libhello.json"))
	if err != nil {
		t.Fatal(err)
	}
	var prov struct {
		UUID   string `json:"uuid"`
		Arch   string `json:"arch"`
		Dylibs struct {
			Linked []string `json:"linked"`
		} `json:"dylibs"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &prov); err != nil {
		t.Fatal(err)
	}
	if prov.Arch != "arm64" || prov.Version != "test" || len(prov.UUID) != 36 {
		t.Errorf("provenance = %+v", prov)
	}
	if len(prov.Dylibs.Linked) != 1 || prov.Dylibs.Linked[0] != "/usr/lib/libSystem.B.dylib" {
		t.Errorf("linked dylibs = %v", prov.Dylibs.Linked)
	}
}

func TestRunOptionalJobs(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
	}{
		{"no reports", nil},
		{"no uuid with verify", map[string]any{"link.uuid": "none", "link.verify": true}},
		{"random uuid", map[string]any{"link.uuid": "random", "link.verify": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			settings := map[string]any{"link.output": filepath.Join(dir, "a.dylib")}
			for k, v := range tt.settings {
				settings[k] = v
			}
			ctx := newContext(t, settings)
			if err := Run(ctx); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Errorf("expected only the image, got %v", entries)
			}
		})
	}
}

func TestRunStopsOnError(t *testing.T) {
	ctx := newContext(t, map[string]any{"link.output": filepath.Join(t.TempDir(), "missing", "a.dylib")})
	err := Run(ctx)
	if err == nil {
		t.Fatal("Run() into a missing directory succeeded")
	}
	if !strings.Contains(err.Error(), "writing image failed") {
		t.Errorf("error = %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx := newContext(t, map[string]any{"link.output": filepath.Join(t.TempDir(), "a.dylib")})
	cancelled, cancel := stdctx.WithCancel(stdctx.Background())
	cancel()
	ctx.Context = cancelled
	if err := Run(ctx); err == nil {
		t.Fatal("Run() with a cancelled context succeeded")
	}
	if ctx.Result != nil {
		t.Error("linked after cancellation")
	}
}
