package output

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWrite(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		executable bool
		existing   []byte
	}{
		{"new file", bytes.Repeat([]byte{0xCF, 0xFA, 0xED, 0xFE}, 4096), false, nil},
		{"replace", []byte("new image"), false, bytes.Repeat([]byte("old"), 10000)},
		{"executable", []byte{0xC3}, true, nil},
		{"empty", nil, false, []byte("stale")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "a.out")
			if tt.existing != nil {
				if err := os.WriteFile(path, tt.existing, 0o644); err != nil {
					t.Fatal(err)
				}
			}
			if err := Write(path, tt.data, tt.executable); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("read back %d bytes, want %d", len(got), len(tt.data))
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Errorf("temporary files left behind: %v", entries)
			}
			if runtime.GOOS == "windows" {
				return
			}
			fi, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if exec := fi.Mode()&0o100 != 0; exec != tt.executable {
				t.Errorf("mode = %v, executable %v", fi.Mode(), tt.executable)
			}
		})
	}
}

func TestWriteMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "a.out")
	if err := Write(path, []byte{1}, false); err == nil {
		t.Error("Write() into a missing directory succeeded")
	}
}

func TestWriteDirect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xFF}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeDirect(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("got % x, want a truncated rewrite", got)
	}
}

func TestWriteDirectFailureRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, []byte("old image"), 0o644); err != nil {
		t.Fatal(err)
	}
	orig := writeContent
	t.Cleanup(func() { writeContent = orig })
	writeContent = func(f *os.File, data []byte) error {
		if _, err := f.Write(data[:1]); err != nil {
			return err
		}
		return errors.New("no space left on device")
	}
	if err := writeDirect(path, []byte{1, 2, 3}, 0o644); err == nil {
		t.Fatal("writeDirect() succeeded")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial image left at %s: %v", path, err)
	}
}
