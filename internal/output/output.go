// Package output writes a linked image to disk.
package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// Write stores data at path. The image is filled into a temporary file next
// to path which is then renamed over it, so readers never see a partial
// image. When the directory does not allow a temporary file the destination
// is truncated and written in place.
func Write(path string, data []byte, executable bool) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	mode &^= umask()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		log.WithError(err).Debug("no temporary file, writing in place")
		return writeDirect(path, data, mode)
	}
	name := tmp.Name()
	if err := fill(tmp, data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to move image into place: %w", err)
	}
	log.WithFields(log.Fields{"path": path, "size": humanize.Bytes(uint64(len(data)))}).Debug("wrote image")
	return nil
}

func writeDirect(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeContent(f, data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// writeContent fills a directly opened destination.
var writeContent = buffered

func buffered(f *os.File, data []byte) error {
	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}
