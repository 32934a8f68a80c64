//go:build wasip1

package guest

import (
	"io"
	"os"
	"syscall"
)

// stdin switches fd 0 to non-blocking so a read waiting for the next frame
// parks only the reading goroutine instead of the whole module.
func stdin() io.Reader {
	if err := syscall.SetNonblock(0, true); err != nil {
		return os.Stdin
	}
	return os.NewFile(0, "/dev/stdin")
}

func stderr() io.Writer {
	return os.Stderr
}
