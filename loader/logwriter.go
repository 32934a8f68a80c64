package loader

import (
	"bytes"
	"sync"
)

const maxLogLine = 16 << 10

// lineLogger turns a byte stream into one log call per line. Overlong lines
// are emitted in chunks.
type lineLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log func(string)
}

func newLineLogger(log func(string)) *lineLogger {
	return &lineLogger{log: log}
}

func (l *lineLogger) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(data)
	for {
		content := l.buf.Bytes()
		idx := bytes.IndexByte(content, '\n')
		if idx == -1 {
			if len(content) >= maxLogLine {
				l.emit(content)
				l.buf.Reset()
			}
			break
		}
		l.emit(content[:idx])
		l.buf.Next(idx + 1)
	}
	return len(data), nil
}

// Flush emits any buffered partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.Bytes())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.log(string(line))
}
