//go:build !unix

package output

import "os"

func fill(f *os.File, data []byte) error { return buffered(f, data) }

func umask() os.FileMode { return 0o022 }
