//go:build !wasip1

package guest

import (
	"io"
	"os"
)

func stdin() io.Reader {
	return os.Stdin
}

func stderr() io.Writer {
	return os.Stderr
}
