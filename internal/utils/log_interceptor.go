// Package utils provides small helpers shared by the treesync client.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogInterceptor prefixes every complete line written to it with a sequence number
// and a timestamp before handing it to the target writer. Partial lines are held
// back until their newline arrives or Close is called.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	mu     sync.Mutex
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buf.Write(p)
	for {
		idx := bytes.IndexByte(i.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.buf.Next(idx + 1)
		if err := i.writeLine(bytes.TrimRight(line, "\r\n")); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the target when it is a Closer.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf.Len() > 0 {
		if err := i.writeLine(i.buf.Bytes()); err != nil {
			return err
		}
		i.buf.Reset()
	}
	if c, ok := i.target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (i *LogInterceptor) writeLine(line []byte) error {
	var out bytes.Buffer
	out.WriteString(slog.Uint64("line", i.seq.Add(1)).String())
	out.WriteByte(' ')
	out.WriteString(slog.String("time", time.Now().Format(time.RFC3339)).String())
	out.WriteByte(' ')
	out.Write(line)
	out.WriteByte('\n')
	_, err := i.target.Write(out.Bytes())
	return err
}
