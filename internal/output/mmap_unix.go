//go:build unix

package output

import (
	"os"

	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

// fill sizes f to data and copies data through a shared mapping, falling
// back to buffered writes when the file cannot be mapped.
func fill(f *os.File, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		return err
	}
	m, err := unix.Mmap(int(f.Fd()), 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.WithError(err).Debug("mmap failed, using buffered write")
		return buffered(f, data)
	}
	copy(m, data)
	if err := unix.Msync(m, unix.MS_SYNC); err != nil {
		unix.Munmap(m)
		return err
	}
	return unix.Munmap(m)
}

func umask() os.FileMode {
	m := unix.Umask(0)
	unix.Umask(m)
	return os.FileMode(m)
}
